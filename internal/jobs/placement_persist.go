package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
	"vmfleet.io/fleetd/internal/pkg/logger"
	"vmfleet.io/fleetd/internal/store"
)

// PlacementPersistArgs retries persisting a vm → hypervisor assignment.
// Enqueued by the placement orchestrator when the synchronous write after
// a successful dispatch fails; losing the assignment would orphan the VM
// on a control-plane restart.
type PlacementPersistArgs struct {
	VMID    string `json:"vm_id"`
	AgentID string `json:"agent_id"`
}

// Kind returns the job kind identifier.
func (PlacementPersistArgs) Kind() string { return "vm_placement_persist" }

// InsertOpts returns default insert options.
func (PlacementPersistArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueFleetPersistence,
		MaxAttempts: 5,
	}
}

// PlacementPersistWorker applies the assignment write.
type PlacementPersistWorker struct {
	river.WorkerDefaults[PlacementPersistArgs]
	store store.Store
}

// NewPlacementPersistWorker creates the worker.
func NewPlacementPersistWorker(st store.Store) *PlacementPersistWorker {
	return &PlacementPersistWorker{store: st}
}

// Work executes the assignment write. A missing VM record cancels the job:
// the VM was deleted while the retry was queued.
func (w *PlacementPersistWorker) Work(ctx context.Context, job *river.Job[PlacementPersistArgs]) error {
	args := job.Args
	err := w.store.SaveVMHypervisorAssignment(ctx, args.VMID, args.AgentID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return river.JobCancel(fmt.Errorf("vm %s no longer exists", args.VMID))
	}
	if err != nil {
		return fmt.Errorf("persist placement %s -> %s: %w", args.VMID, args.AgentID, err)
	}
	logger.Info("vm placement persisted",
		zap.String("vm_id", args.VMID),
		zap.String("agent_id", args.AgentID),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}
