package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"vmfleet.io/fleetd/internal/store"
)

// Queue wraps the River client behind the narrow enqueue interfaces the
// fleet core consumes, so core packages never import River directly.
type Queue struct {
	client *river.Client[pgx.Tx]
}

// NewQueue wraps a River client.
func NewQueue(client *river.Client[pgx.Tx]) *Queue {
	return &Queue{client: client}
}

// EnqueueAgentOffline schedules a retryable offline-status write.
func (q *Queue) EnqueueAgentOffline(ctx context.Context, agentID string) error {
	if _, err := q.client.Insert(ctx, AgentOfflineArgs{AgentID: agentID}, nil); err != nil {
		return fmt.Errorf("enqueue agent_offline for %s: %w", agentID, err)
	}
	return nil
}

// EnqueuePlacementPersist schedules a retryable placement write.
func (q *Queue) EnqueuePlacementPersist(ctx context.Context, vmID, agentID string) error {
	if _, err := q.client.Insert(ctx, PlacementPersistArgs{VMID: vmID, AgentID: agentID}, nil); err != nil {
		return fmt.Errorf("enqueue vm_placement_persist for %s: %w", vmID, err)
	}
	return nil
}

// RegisterWorkers registers all fleet persistence workers.
func RegisterWorkers(workers *river.Workers, st store.Store) {
	river.AddWorker(workers, NewAgentOfflineWorker(st))
	river.AddWorker(workers, NewPlacementPersistWorker(st))
}
