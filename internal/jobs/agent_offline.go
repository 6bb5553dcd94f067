// Package jobs defines River Queue job types for retryable persistence.
//
// The fleet core persists best-effort in its hot paths; when a durable
// write fails the state change is not lost, it lands here and River
// retries it with backoff.
package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"vmfleet.io/fleetd/internal/domain"
	"vmfleet.io/fleetd/internal/pkg/logger"
	"vmfleet.io/fleetd/internal/store"
)

// QueueFleetPersistence is the queue for durable-state retry jobs.
const QueueFleetPersistence = "fleet_persistence"

// AgentOfflineArgs marks an agent offline in durable storage. Enqueued by
// the heartbeat monitor when the direct write fails.
type AgentOfflineArgs struct {
	AgentID string `json:"agent_id"`
}

// Kind returns the job kind identifier.
func (AgentOfflineArgs) Kind() string { return "agent_offline" }

// InsertOpts returns default insert options.
func (AgentOfflineArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueFleetPersistence,
		MaxAttempts: 5,
	}
}

// AgentOfflineWorker applies the offline status update. Idempotent: the
// underlying store call is a plain status write.
type AgentOfflineWorker struct {
	river.WorkerDefaults[AgentOfflineArgs]
	store store.Store
}

// NewAgentOfflineWorker creates the worker.
func NewAgentOfflineWorker(st store.Store) *AgentOfflineWorker {
	return &AgentOfflineWorker{store: st}
}

// Work executes the durable status update.
func (w *AgentOfflineWorker) Work(ctx context.Context, job *river.Job[AgentOfflineArgs]) error {
	agentID := job.Args.AgentID
	if err := w.store.SetAgentStatus(ctx, agentID, domain.AgentOffline); err != nil {
		return fmt.Errorf("persist offline status for agent %s: %w", agentID, err)
	}
	logger.Info("agent offline status persisted",
		zap.String("agent_id", agentID),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}
