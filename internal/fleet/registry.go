package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmfleet.io/fleetd/internal/domain"
	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
	"vmfleet.io/fleetd/internal/pkg/logger"
	"vmfleet.io/fleetd/internal/store"
)

// Registry is the authoritative in-memory directory of known agents, keyed
// by durable UUID, plus the VM placement mapping. All mutation goes through
// its mutex; no registry operation touches another component's lock while
// holding it.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*domain.Agent // by durable id
	byName     map[string]string        // connection name -> id
	placements map[string]string        // vmID -> agentID

	store store.Store
	conns *ConnTable

	// now is swappable for staleness tests.
	now func() time.Time
}

// NewRegistry creates a registry backed by the given durable store and
// connection table.
func NewRegistry(st store.Store, conns *ConnTable) *Registry {
	return &Registry{
		agents:     make(map[string]*domain.Agent),
		byName:     make(map[string]string),
		placements: make(map[string]string),
		store:      st,
		conns:      conns,
		now:        time.Now,
	}
}

// Register creates or updates an agent record from a registration message
// and returns the durable id. Re-registration under the same name updates
// the existing record in place; the id is stable across reconnects. The
// record is persisted before it becomes routable: a persistence failure
// leaves the registry unchanged for new agents.
func (r *Registry) Register(ctx context.Context, p *RegisterPayload) (string, error) {
	if p.Name == "" {
		return "", fmt.Errorf("register: agent name is required")
	}
	res := clampResources(p.Resources)

	r.mu.Lock()
	id, existing := r.byName[p.Name]
	r.mu.Unlock()

	// After a control-plane restart the live directory is empty but the
	// durable record survives; reusing its id keeps recovered placements
	// routable when the agent reconnects.
	if !existing {
		saved, err := r.store.FindAgentByName(ctx, p.Name)
		switch {
		case err == nil:
			id = saved.ID
		case errors.Is(err, apperrors.ErrNotFound):
			id = newID()
		default:
			return "", fmt.Errorf("look up agent %s: %w", p.Name, err)
		}
	}
	rec := &domain.Agent{
		ID:            id,
		Name:          p.Name,
		Hostname:      p.Hostname,
		Version:       p.Version,
		Capabilities:  append([]string(nil), p.Capabilities...),
		Resources:     res,
		Status:        domain.AgentOnline,
		LastHeartbeat: r.now(),
	}

	// Synchronous persist: callers must never route traffic to an id that
	// failed to persist.
	if err := r.store.SaveAgent(ctx, rec); err != nil {
		return "", fmt.Errorf("persist agent %s: %w", p.Name, err)
	}

	r.mu.Lock()
	r.agents[id] = rec
	r.byName[p.Name] = id
	total := len(r.agents)
	r.mu.Unlock()

	logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("name", p.Name),
		zap.String("hostname", p.Hostname),
		zap.Strings("capabilities", p.Capabilities),
		zap.Bool("reconnect", existing),
		zap.Int("known_agents", total),
	)
	return id, nil
}

// Heartbeat refreshes resource counters and liveness for a known agent.
// Unknown ids are a logged warning, not an error: the agent may have been
// aged out between its reconnect and this message.
func (r *Registry) Heartbeat(agentID string, res domain.AgentResources) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if ok {
		agent.Resources = clampResources(res)
		agent.Status = domain.AgentOnline
		agent.LastHeartbeat = r.now()
	}
	r.mu.Unlock()

	if !ok {
		logger.Warn("heartbeat from unknown agent", zap.String("agent_id", agentID))
		return
	}
	logger.Debug("heartbeat",
		zap.String("agent_id", agentID),
		zap.Int("avail_cpu", res.Available.CPU),
	)
}

// Unregister marks the agent offline, releases its VM placements, unbinds
// its connection, and persists the offline status.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	released, name, ok := r.teardown(agentID)
	if !ok {
		return apperrors.ErrAgentNotFoundf(agentID)
	}
	logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.String("name", name),
		zap.Int("released_placements", released),
	)
	if err := r.store.SetAgentStatus(ctx, agentID, domain.AgentOffline); err != nil {
		return fmt.Errorf("persist offline status for agent %s: %w", agentID, err)
	}
	return nil
}

// ForceRemove is Unregister without the durable round trip, for callers
// that already own persistence (bulk reconciliation).
func (r *Registry) ForceRemove(agentID string) {
	released, name, ok := r.teardown(agentID)
	if !ok {
		return
	}
	logger.Info("agent force-removed",
		zap.String("agent_id", agentID),
		zap.String("name", name),
		zap.Int("released_placements", released),
	)
}

// teardown removes the agent from the live directory, releases its
// placements, and unbinds its connection. Records are never hard-deleted
// from durable storage here; deletion is a collaborator's decision.
func (r *Registry) teardown(agentID string) (released int, name string, ok bool) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return 0, "", false
	}
	name = agent.Name
	agent.Status = domain.AgentOffline
	delete(r.agents, agentID)
	delete(r.byName, name)
	for vmID, owner := range r.placements {
		if owner == agentID {
			delete(r.placements, vmID)
			released++
		}
	}
	r.mu.Unlock()

	r.conns.Unbind(name, nil)
	return released, name, true
}

// MarkOffline flips a connected agent to offline on transport loss. The
// placement mapping is kept: a dropped socket is not evidence the VMs are
// gone, and the agent may reconnect before the staleness threshold.
func (r *Registry) MarkOffline(agentID string) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if ok {
		agent.Status = domain.AgentOffline
	}
	r.mu.Unlock()
	if ok {
		logger.Info("agent connection lost", zap.String("agent_id", agentID))
	}
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (*domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return agent.Clone(), ok
}

// List returns snapshots of all known agents.
func (r *Registry) List() []*domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.Clone())
	}
	return out
}

// RecordPlacement records vmID → agentID after a creation dispatch.
func (r *Registry) RecordPlacement(vmID, agentID string) {
	r.mu.Lock()
	r.placements[vmID] = agentID
	r.mu.Unlock()
}

// PlacementFor resolves the agent currently assigned to a VM.
func (r *Registry) PlacementFor(vmID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.placements[vmID]
	return agentID, ok
}

// ReleasePlacement drops the mapping for one VM.
func (r *Registry) ReleasePlacement(vmID string) {
	r.mu.Lock()
	delete(r.placements, vmID)
	r.mu.Unlock()
}

// PlacementCounts returns running-VM counts per agent id, used to build
// scheduling snapshots.
func (r *Registry) PlacementCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.agents))
	for _, agentID := range r.placements {
		counts[agentID]++
	}
	return counts
}

// RecoverPlacements rehydrates the placement mapping from durable storage.
// Called at startup before the transport accepts registrations, so a
// control-plane restart does not orphan running VMs.
func (r *Registry) RecoverPlacements(ctx context.Context) error {
	vms, err := r.store.ListVMsWithHypervisor(ctx)
	if err != nil {
		return fmt.Errorf("recover placements: %w", err)
	}

	r.mu.Lock()
	for _, vm := range vms {
		r.placements[vm.ID] = vm.HypervisorID
	}
	total := len(r.placements)
	r.mu.Unlock()

	logger.Info("placements recovered from durable storage",
		zap.Int("vms", len(vms)),
		zap.Int("placements", total),
	)
	return nil
}

// Stale returns agents whose last heartbeat is older than threshold, and
// removes them from the live directory (placements released, connections
// unbound). Durable status updates are the caller's concern.
func (r *Registry) Stale(threshold time.Duration) []*domain.Agent {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	var staleIDs []string
	for id, agent := range r.agents {
		if agent.LastHeartbeat.Before(cutoff) {
			staleIDs = append(staleIDs, id)
		}
	}
	r.mu.RUnlock()

	var out []*domain.Agent
	for _, id := range staleIDs {
		r.mu.RLock()
		agent, ok := r.agents[id]
		var snapshot *domain.Agent
		if ok {
			snapshot = agent.Clone()
		}
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if _, _, removed := r.teardown(id); removed {
			out = append(out, snapshot)
		}
	}
	return out
}

func clampResources(res domain.AgentResources) domain.AgentResources {
	if res.Available.CPU > res.Total.CPU {
		res.Available.CPU = res.Total.CPU
	}
	if res.Available.MemoryBytes > res.Total.MemoryBytes {
		res.Available.MemoryBytes = res.Total.MemoryBytes
	}
	if res.Available.DiskBytes > res.Total.DiskBytes {
		res.Available.DiskBytes = res.Total.DiskBytes
	}
	return res
}

// newID generates a time-ordered UUID v7, falling back to v4.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
