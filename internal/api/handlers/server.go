// Package handlers implements the fleetd HTTP surface: the agent WebSocket
// endpoint and the operator-facing REST API.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"vmfleet.io/fleetd/internal/config"
	"vmfleet.io/fleetd/internal/fleet"
	"vmfleet.io/fleetd/internal/pkg/worker"
	"vmfleet.io/fleetd/internal/service"
	"vmfleet.io/fleetd/internal/store"
)

// Server holds all API handlers.
type Server struct {
	registry   *fleet.Registry
	conns      *fleet.ConnTable
	dispatcher *fleet.Dispatcher
	placement  *service.PlacementService
	store      store.Store
	pool       *pgxpool.Pool // nil when running without a database
	pools      *worker.Pools
	fleetCfg   config.FleetConfig
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI, no Wire/Dig.
type ServerDeps struct {
	Registry   *fleet.Registry
	Conns      *fleet.ConnTable
	Dispatcher *fleet.Dispatcher
	Placement  *service.PlacementService
	Store      store.Store
	Pool       *pgxpool.Pool
	Pools      *worker.Pools
	FleetCfg   config.FleetConfig
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		registry:   deps.Registry,
		conns:      deps.Conns,
		dispatcher: deps.Dispatcher,
		placement:  deps.Placement,
		store:      deps.Store,
		pool:       deps.Pool,
		pools:      deps.Pools,
		fleetCfg:   deps.FleetCfg,
	}
}

// RegisterRoutes attaches all handlers to the router.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health/live", s.GetLiveness)
	r.GET("/health/ready", s.GetReadiness)

	// Agent transport: persistent WebSocket, outside the versioned API.
	r.GET("/ws/agent", s.AgentWS)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/agents", s.ListAgents)
		v1.GET("/agents/:id", s.GetAgent)
		v1.DELETE("/agents/:id", s.UnregisterAgent)

		v1.POST("/vms", s.CreateVM)
		v1.GET("/vms/:id", s.GetVMInfo)
		v1.GET("/vms/:id/status", s.GetVMStatus)
		v1.POST("/vms/:id/operations", s.PerformVMOperation)

		v1.GET("/system/metrics", s.GetSystemMetrics)
	}
}
