// Package store provides durable persistence for agents and VMs.
//
// The fleet core treats the store as a narrow collaborator: calls are
// synchronous from the caller's perspective and idempotent on retry.
package store

import (
	"context"

	"vmfleet.io/fleetd/internal/domain"
)

// Store is the durable persistence boundary consumed by the fleet core.
type Store interface {
	// SaveAgent upserts an agent record by id.
	SaveAgent(ctx context.Context, agent *domain.Agent) error

	// FindAgentByName returns apperrors.ErrNotFound when no record exists.
	FindAgentByName(ctx context.Context, name string) (*domain.Agent, error)

	// FindAgentByID returns apperrors.ErrNotFound when no record exists.
	FindAgentByID(ctx context.Context, id string) (*domain.Agent, error)

	// SetAgentStatus updates only the status column. Idempotent.
	SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error

	// SaveVM upserts a VM record by id.
	SaveVM(ctx context.Context, vm *domain.VM) error

	// FindVM returns apperrors.ErrNotFound when no record exists.
	FindVM(ctx context.Context, id string) (*domain.VM, error)

	// ListVMsWithHypervisor returns every VM whose record names a hypervisor.
	// Used to rehydrate the placement mapping after a control-plane restart.
	ListVMsWithHypervisor(ctx context.Context) ([]*domain.VM, error)

	// SaveVMHypervisorAssignment persists vmID → agentID.
	SaveVMHypervisorAssignment(ctx context.Context, vmID, agentID string) error

	// ClearVMHypervisorAssignment removes the assignment, leaving the VM
	// record in place.
	ClearVMHypervisorAssignment(ctx context.Context, vmID string) error
}
