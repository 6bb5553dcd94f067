package store

import (
	"context"
	"sync"

	apperrors "vmfleet.io/fleetd/internal/pkg/errors"

	"vmfleet.io/fleetd/internal/domain"
)

// Memory is an in-memory Store used by tests and by the registry and
// placement test harnesses. It mirrors Postgres semantics, including
// ErrNotFound on misses.
type Memory struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent
	vms    map[string]*domain.VM

	// FailSaveAgent and friends let tests inject persistence failures.
	FailSaveAgent      error
	FailSaveAssignment error
	FailSetStatus      error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]*domain.Agent),
		vms:    make(map[string]*domain.VM),
	}
}

func (m *Memory) SaveAgent(_ context.Context, agent *domain.Agent) error {
	if m.FailSaveAgent != nil {
		return m.FailSaveAgent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent.Clone()
	return nil
}

func (m *Memory) FindAgentByName(_ context.Context, name string) (*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Name == name {
			return a.Clone(), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *Memory) FindAgentByID(_ context.Context, id string) (*domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.agents[id]; ok {
		return a.Clone(), nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *Memory) SetAgentStatus(_ context.Context, id string, status domain.AgentStatus) error {
	if m.FailSetStatus != nil {
		return m.FailSetStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.Status = status
	}
	return nil
}

func (m *Memory) SaveVM(_ context.Context, vm *domain.VM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *vm
	m.vms[vm.ID] = &cp
	return nil
}

func (m *Memory) FindVM(_ context.Context, id string) (*domain.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if vm, ok := m.vms[id]; ok {
		cp := *vm
		return &cp, nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *Memory) ListVMsWithHypervisor(_ context.Context) ([]*domain.VM, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.VM
	for _, vm := range m.vms {
		if vm.HypervisorID != "" {
			cp := *vm
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SaveVMHypervisorAssignment(_ context.Context, vmID, agentID string) error {
	if m.FailSaveAssignment != nil {
		return m.FailSaveAssignment
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[vmID]
	if !ok {
		return apperrors.ErrNotFound
	}
	vm.HypervisorID = agentID
	return nil
}

func (m *Memory) ClearVMHypervisorAssignment(_ context.Context, vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vm, ok := m.vms[vmID]; ok {
		vm.HypervisorID = ""
	}
	return nil
}
