package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
)

// ListAgents handles GET /api/v1/agents.
func (s *Server) ListAgents(c *gin.Context) {
	agents := s.registry.List()
	counts := s.registry.PlacementCounts()

	items := make([]gin.H, 0, len(agents))
	for _, a := range agents {
		items = append(items, gin.H{
			"id":            a.ID,
			"name":          a.Name,
			"hostname":      a.Hostname,
			"version":       a.Version,
			"capabilities":  a.Capabilities,
			"resources":     a.Resources,
			"status":        a.Status,
			"lastHeartbeat": a.LastHeartbeat,
			"runningVMs":    counts[a.ID],
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": items, "total": len(items)})
}

// GetAgent handles GET /api/v1/agents/:id.
func (s *Server) GetAgent(c *gin.Context) {
	id := c.Param("id")
	agent, ok := s.registry.Get(id)
	if !ok {
		c.Error(apperrors.ErrAgentNotFoundf(id))
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UnregisterAgent handles DELETE /api/v1/agents/:id. Removes the agent from
// the live directory, releases its placements, and persists offline status.
func (s *Server) UnregisterAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Unregister(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
