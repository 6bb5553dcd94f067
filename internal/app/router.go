package app

import (
	"github.com/gin-gonic/gin"

	"vmfleet.io/fleetd/internal/api/handlers"
	"vmfleet.io/fleetd/internal/api/middleware"
	"vmfleet.io/fleetd/internal/config"
)

func newRouter(cfg *config.Config, server *handlers.Server) *gin.Engine {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	server.RegisterRoutes(router)
	return router
}
