package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmfleet.io/fleetd/internal/domain"
	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
)

func TestMemoryAgentLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.FindAgentByID(ctx, "a1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = m.FindAgentByName(ctx, "hv-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	agent := &domain.Agent{ID: "a1", Name: "hv-1", Status: domain.AgentOnline}
	require.NoError(t, m.SaveAgent(ctx, agent))

	byID, err := m.FindAgentByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "hv-1", byID.Name)

	byName, err := m.FindAgentByName(ctx, "hv-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.ID)

	require.NoError(t, m.SetAgentStatus(ctx, "a1", domain.AgentOffline))
	byID, err = m.FindAgentByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, byID.Status)

	// Saved records are copies; mutating the caller's struct must not leak.
	agent.Name = "mutated"
	byID, _ = m.FindAgentByID(ctx, "a1")
	assert.Equal(t, "hv-1", byID.Name)
}

func TestMemoryVMAssignment(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.SaveVMHypervisorAssignment(ctx, "ghost", "a1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, m.SaveVM(ctx, &domain.VM{ID: "vm-1", Name: "web"}))
	require.NoError(t, m.SaveVM(ctx, &domain.VM{ID: "vm-2", Name: "db"}))
	require.NoError(t, m.SaveVMHypervisorAssignment(ctx, "vm-1", "a1"))

	placed, err := m.ListVMsWithHypervisor(ctx)
	require.NoError(t, err)
	require.Len(t, placed, 1)
	assert.Equal(t, "vm-1", placed[0].ID)
	assert.Equal(t, "a1", placed[0].HypervisorID)

	require.NoError(t, m.ClearVMHypervisorAssignment(ctx, "vm-1"))
	placed, err = m.ListVMsWithHypervisor(ctx)
	require.NoError(t, err)
	assert.Empty(t, placed)

	vm, err := m.FindVM(ctx, "vm-1")
	require.NoError(t, err)
	assert.Empty(t, vm.HypervisorID)
}
