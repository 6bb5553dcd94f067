// Package service provides the orchestration layer between the HTTP API
// and the fleet core.
package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"vmfleet.io/fleetd/internal/domain"
	"vmfleet.io/fleetd/internal/fleet"
	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
	"vmfleet.io/fleetd/internal/pkg/logger"
	"vmfleet.io/fleetd/internal/scheduler"
	"vmfleet.io/fleetd/internal/store"
)

// PlacementQueue retries a placement write that failed synchronously.
// Optional.
type PlacementQueue interface {
	EnqueuePlacementPersist(ctx context.Context, vmID, agentID string) error
}

// PlacementService ties the scheduler, registry, and dispatcher together:
// it places new VMs onto agents and routes lifecycle traffic to the agent
// hosting a VM.
type PlacementService struct {
	registry   *fleet.Registry
	dispatcher *fleet.Dispatcher
	sched      *scheduler.Scheduler
	store      store.Store
	queue      PlacementQueue // may be nil
}

// NewPlacementService creates the orchestrator. queue may be nil.
func NewPlacementService(
	registry *fleet.Registry,
	dispatcher *fleet.Dispatcher,
	sched *scheduler.Scheduler,
	st store.Store,
	queue PlacementQueue,
) *PlacementService {
	return &PlacementService{
		registry:   registry,
		dispatcher: dispatcher,
		sched:      sched,
		store:      st,
		queue:      queue,
	}
}

// Recover rehydrates the placement mapping from durable storage. Must run
// before the transport starts accepting registrations.
func (s *PlacementService) Recover(ctx context.Context) error {
	return s.registry.RecoverPlacements(ctx)
}

// CreateVM schedules the VM onto an agent, dispatches the creation message
// (asynchronous: the agent confirms out-of-band), records the placement,
// and persists the assignment. Returns the chosen agent id.
func (s *PlacementService) CreateVM(ctx context.Context, vm *domain.VM, strategy scheduler.Strategy) (string, error) {
	candidates := s.snapshot()

	agentID, err := s.sched.Schedule(vm.Config.Requested(), candidates, strategy)
	if err != nil {
		return "", err
	}

	// The VM record must exist before the creation message goes out; the
	// assignment write below updates this row.
	vm.Status = "creating"
	if err := s.store.SaveVM(ctx, vm); err != nil {
		return "", fmt.Errorf("save vm %s: %w", vm.ID, err)
	}

	env, err := fleet.NewEnvelope(fleet.MsgVMCreate, "", fleet.VMCreatePayload{
		VMID:   vm.ID,
		Name:   vm.Name,
		Config: vm.Config,
	})
	if err != nil {
		return "", err
	}
	if err := s.dispatcher.Send(agentID, env); err != nil {
		return "", err
	}

	s.registry.RecordPlacement(vm.ID, agentID)

	// The creation message is already on the wire. Losing this write would
	// orphan the VM on a control-plane restart, so a failure is surfaced
	// loudly and handed to the retry queue rather than swallowed.
	if err := s.store.SaveVMHypervisorAssignment(ctx, vm.ID, agentID); err != nil {
		logger.Error("CRITICAL: vm creation dispatched but placement persistence failed",
			zap.String("vm_id", vm.ID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		if s.queue != nil {
			if qerr := s.queue.EnqueuePlacementPersist(ctx, vm.ID, agentID); qerr != nil {
				logger.Error("failed to enqueue placement persistence retry",
					zap.String("vm_id", vm.ID),
					zap.Error(qerr),
				)
			}
		}
	}

	logger.Info("vm placed",
		zap.String("vm_id", vm.ID),
		zap.String("agent_id", agentID),
		zap.Int("cpu", vm.Config.CPU),
		zap.Int64("memory_bytes", vm.Config.MemoryBytes),
		zap.Int64("disk_bytes", vm.Config.DiskBytes),
	)
	return agentID, nil
}

// PerformOperation sends a lifecycle command to the agent hosting the VM,
// fire-and-forget.
func (s *PlacementService) PerformOperation(ctx context.Context, op domain.VMOperation, vmID string) error {
	agentID, env, err := s.operationEnvelope(op, vmID)
	if err != nil {
		return err
	}
	if err := s.dispatcher.Send(agentID, env); err != nil {
		return err
	}

	// A delete ends the placement. The command is fire-and-forget, so the
	// mapping is released as soon as the message is on the wire.
	if op == domain.VMDelete {
		s.registry.ReleasePlacement(vmID)
		if err := s.store.ClearVMHypervisorAssignment(ctx, vmID); err != nil {
			logger.Warn("failed to clear vm hypervisor assignment",
				zap.String("vm_id", vmID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// GetVMStatus queries the hosting agent for the VM's runtime status.
func (s *PlacementService) GetVMStatus(ctx context.Context, vmID string) (*fleet.VMStatusPayload, error) {
	agentID, env, err := s.operationEnvelope(domain.VMStatus, vmID)
	if err != nil {
		return nil, err
	}
	resp, err := s.dispatcher.SendAndAwait(ctx, agentID, env)
	if err != nil {
		return nil, err
	}
	var status fleet.VMStatusPayload
	if err := resp.DecodePayload(&status); err != nil {
		return nil, apperrors.ErrInvalidResponsef(agentID, err)
	}
	return &status, nil
}

// GetVMInfo queries the hosting agent for the VM's full description.
func (s *PlacementService) GetVMInfo(ctx context.Context, vmID string) (*fleet.VMInfoPayload, error) {
	agentID, err := s.mappedAgent(vmID)
	if err != nil {
		return nil, err
	}
	env, err := fleet.NewEnvelope(fleet.MsgVMInfoRequest, "", fleet.VMInfoRequestPayload{VMID: vmID})
	if err != nil {
		return nil, err
	}
	resp, err := s.dispatcher.SendAndAwait(ctx, agentID, env)
	if err != nil {
		return nil, err
	}
	var info fleet.VMInfoPayload
	if err := resp.DecodePayload(&info); err != nil {
		return nil, apperrors.ErrInvalidResponsef(agentID, err)
	}
	return &info, nil
}

// snapshot builds the candidate set for one scheduling decision. Sorted by
// name so tie-breaking and round-robin rotation are reproducible; the
// registry hands agents back in map order.
func (s *PlacementService) snapshot() []scheduler.Candidate {
	agents := s.registry.List()
	counts := s.registry.PlacementCounts()

	candidates := make([]scheduler.Candidate, 0, len(agents))
	for _, a := range agents {
		candidates = append(candidates, scheduler.Candidate{
			ID:         a.ID,
			Name:       a.Name,
			Status:     a.Status,
			Total:      a.Resources.Total,
			Available:  a.Resources.Available,
			RunningVMs: counts[a.ID],
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// mappedAgent resolves the placement mapping and checks the agent record
// still exists.
func (s *PlacementService) mappedAgent(vmID string) (string, error) {
	agentID, ok := s.registry.PlacementFor(vmID)
	if !ok {
		return "", apperrors.ErrVMNotMappedf(vmID)
	}
	if _, ok := s.registry.Get(agentID); !ok {
		return "", apperrors.ErrAgentNotFoundf(agentID)
	}
	return agentID, nil
}

func (s *PlacementService) operationEnvelope(op domain.VMOperation, vmID string) (string, *fleet.Envelope, error) {
	agentID, err := s.mappedAgent(vmID)
	if err != nil {
		return "", nil, err
	}
	env, err := fleet.NewEnvelope(fleet.MsgVMOperation, "", fleet.VMOperationPayload{
		VMID:      vmID,
		Operation: op,
	})
	if err != nil {
		return "", nil, fmt.Errorf("build %s envelope: %w", op, err)
	}
	return agentID, env, nil
}
