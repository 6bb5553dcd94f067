// Package app is the composition root: manual DI, orchestration only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"vmfleet.io/fleetd/internal/api/handlers"
	"vmfleet.io/fleetd/internal/config"
	"vmfleet.io/fleetd/internal/fleet"
	"vmfleet.io/fleetd/internal/infrastructure"
	"vmfleet.io/fleetd/internal/jobs"
	"vmfleet.io/fleetd/internal/pkg/worker"
	"vmfleet.io/fleetd/internal/scheduler"
	"vmfleet.io/fleetd/internal/service"
)

// Application holds composed application dependencies.
type Application struct {
	Config     *config.Config
	Router     *gin.Engine
	DB         *infrastructure.DatabaseClients
	Pools      *worker.Pools
	Conns      *fleet.ConnTable
	Dispatcher *fleet.Dispatcher
	Monitor    *fleet.Monitor

	monitorCancel context.CancelFunc
}

// Bootstrap initializes all dependencies. Placement recovery runs here,
// before the transport can accept registrations.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	defaultStrategy, err := scheduler.ParseStrategy(cfg.Fleet.DefaultStrategy)
	if err != nil {
		return nil, fmt.Errorf("fleet.default_strategy: %w", err)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:  cfg.Worker.GeneralPoolSize,
		DispatchPoolSize: cfg.Worker.DispatchPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		pools.Shutdown()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			pools.Shutdown()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}
	st := db.Store

	workers := river.NewWorkers()
	jobs.RegisterWorkers(workers, st)
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		db.Close()
		pools.Shutdown()
		return nil, fmt.Errorf("init river client: %w", err)
	}
	queue := jobs.NewQueue(db.RiverClient)

	conns := fleet.NewConnTable()
	registry := fleet.NewRegistry(st, conns)
	dispatcher := fleet.NewDispatcher(registry, conns, cfg.Fleet.RequestTimeout)
	sched := scheduler.New(defaultStrategy)
	placement := service.NewPlacementService(registry, dispatcher, sched, st, queue)
	monitor := fleet.NewMonitor(registry, st, queue,
		cfg.Fleet.HeartbeatInterval, cfg.Fleet.StaleThreshold)

	if err := placement.Recover(ctx); err != nil {
		db.Close()
		pools.Shutdown()
		return nil, fmt.Errorf("recover placements: %w", err)
	}

	server := handlers.NewServer(handlers.ServerDeps{
		Registry:   registry,
		Conns:      conns,
		Dispatcher: dispatcher,
		Placement:  placement,
		Store:      st,
		Pool:       db.Pool,
		Pools:      pools,
		FleetCfg:   cfg.Fleet,
	})

	return &Application{
		Config:     cfg,
		Router:     newRouter(cfg, server),
		DB:         db,
		Pools:      pools,
		Conns:      conns,
		Dispatcher: dispatcher,
		Monitor:    monitor,
	}, nil
}
