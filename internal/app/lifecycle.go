package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"vmfleet.io/fleetd/internal/pkg/logger"
)

// Start starts background services: the River workers and the heartbeat
// monitor loop.
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	a.monitorCancel = cancel
	if err := a.Pools.SubmitDetached("dispatch", func(context.Context) {
		a.Monitor.Run(monitorCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("start heartbeat monitor: %w", err)
	}
	return nil
}

// Shutdown tears components down in dependency order: the monitor stops
// mutating the registry, River stops consuming, in-flight awaited requests
// are failed, then the agent connections and pools go down, and the
// database pool closes last.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.monitorCancel != nil {
		a.monitorCancel()
	}

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		} else {
			logger.Info("River client stopped")
		}
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.Conns != nil {
		a.Conns.CloseAll()
	}
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
