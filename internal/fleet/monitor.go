package fleet

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vmfleet.io/fleetd/internal/domain"
	"vmfleet.io/fleetd/internal/pkg/logger"
	"vmfleet.io/fleetd/internal/store"
)

// OfflineQueue enqueues a retryable durable status update for an agent the
// monitor could not persist directly. Optional.
type OfflineQueue interface {
	EnqueueAgentOffline(ctx context.Context, agentID string) error
}

// Monitor ages out agents whose heartbeat has gone stale. One instance,
// one loop; a failing pass is logged and the loop continues to the next
// tick.
type Monitor struct {
	registry  *Registry
	store     store.Store
	queue     OfflineQueue // may be nil
	interval  time.Duration
	threshold time.Duration
}

// NewMonitor creates a heartbeat monitor. queue may be nil, in which case
// failed durable updates are only logged.
func NewMonitor(registry *Registry, st store.Store, queue OfflineQueue, interval, threshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return &Monitor{
		registry:  registry,
		store:     st,
		queue:     queue,
		interval:  interval,
		threshold: threshold,
	}
}

// Run scans on a fixed interval until ctx is cancelled. Submit it through
// the worker pool as a detached task.
func (m *Monitor) Run(ctx context.Context) {
	logger.Info("heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("stale_threshold", m.threshold),
	)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one staleness pass. Exported so tests and admin tooling can
// trigger a scan without the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	stale := m.registry.Stale(m.threshold)
	if len(stale) == 0 {
		return
	}

	for _, agent := range stale {
		logger.Warn("agent heartbeat stale, removed from fleet",
			zap.String("agent_id", agent.ID),
			zap.String("name", agent.Name),
			zap.Time("last_heartbeat", agent.LastHeartbeat),
		)
		m.persistOffline(ctx, agent)
	}
}

// persistOffline updates durable status best-effort: a failure is logged
// and handed to the retry queue, and never blocks removal of the other
// stale agents in the same pass.
func (m *Monitor) persistOffline(ctx context.Context, agent *domain.Agent) {
	err := m.store.SetAgentStatus(ctx, agent.ID, domain.AgentOffline)
	if err == nil {
		return
	}
	logger.Error("failed to persist offline status for stale agent",
		zap.String("agent_id", agent.ID),
		zap.Error(err),
	)
	if m.queue == nil {
		return
	}
	if qerr := m.queue.EnqueueAgentOffline(ctx, agent.ID); qerr != nil {
		logger.Error("failed to enqueue offline status retry",
			zap.String("agent_id", agent.ID),
			zap.Error(qerr),
		)
	}
}
