package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetReadiness handles GET /health/ready.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if s.pool != nil {
		if err := s.pool.Ping(c.Request.Context()); err != nil {
			checks["database"] = "error"
			allHealthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status": status,
		"checks": checks,
	})
}

// GetSystemMetrics handles GET /api/v1/system/metrics: worker pool usage,
// in-flight correlated requests, and live agent connections.
func (s *Server) GetSystemMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"workers":          s.pools.Metrics(),
		"pending_requests": s.dispatcher.Pending(),
		"connected_agents": s.conns.Len(),
	})
}
