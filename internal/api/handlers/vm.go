package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vmfleet.io/fleetd/internal/domain"
	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
	"vmfleet.io/fleetd/internal/scheduler"
)

// CreateVMRequest is the body of POST /api/v1/vms.
type CreateVMRequest struct {
	Name     string          `json:"name" binding:"required"`
	Config   domain.VMConfig `json:"config" binding:"required"`
	Strategy string          `json:"strategy"`
}

// VMOperationRequest is the body of POST /api/v1/vms/:id/operations.
type VMOperationRequest struct {
	Operation string `json:"operation" binding:"required"`
}

// CreateVM handles POST /api/v1/vms: schedule the VM onto an agent and
// dispatch the creation. The agent confirms asynchronously, so the response
// is 202 with the chosen placement.
func (s *Server) CreateVM(c *gin.Context) {
	var req CreateVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}
	if err := validateVMConfig(req.Config); err != nil {
		c.Error(err)
		return
	}

	strategy := scheduler.Strategy("")
	if req.Strategy != "" {
		var err error
		strategy, err = scheduler.ParseStrategy(req.Strategy)
		if err != nil {
			c.Error(err)
			return
		}
	}

	vm := &domain.VM{
		ID:     newVMID(),
		Name:   req.Name,
		Config: req.Config,
	}

	agentID, err := s.placement.CreateVM(c.Request.Context(), vm, strategy)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"vmId":    vm.ID,
		"name":    vm.Name,
		"agentId": agentID,
		"status":  "creating",
	})
}

// PerformVMOperation handles POST /api/v1/vms/:id/operations, fire-and-forget.
// Status queries go through GET /api/v1/vms/:id/status instead.
func (s *Server) PerformVMOperation(c *gin.Context) {
	vmID := c.Param("id")

	var req VMOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}
	op, err := domain.ParseVMOperation(req.Operation)
	if err != nil {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}
	if op == domain.VMStatus {
		c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed,
			"status is a query, use GET /api/v1/vms/:id/status"))
		return
	}

	if err := s.placement.PerformOperation(c.Request.Context(), op, vmID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"vmId":      vmID,
		"operation": op,
		"status":    "dispatched",
	})
}

// GetVMStatus handles GET /api/v1/vms/:id/status: a synchronous round trip
// to the hosting agent.
func (s *Server) GetVMStatus(c *gin.Context) {
	vmID := c.Param("id")
	status, err := s.placement.GetVMStatus(c.Request.Context(), vmID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetVMInfo handles GET /api/v1/vms/:id: the live VM description from the
// hosting agent.
func (s *Server) GetVMInfo(c *gin.Context) {
	vmID := c.Param("id")
	info, err := s.placement.GetVMInfo(c.Request.Context(), vmID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func validateVMConfig(cfg domain.VMConfig) error {
	if cfg.CPU <= 0 || cfg.MemoryBytes <= 0 || cfg.DiskBytes <= 0 {
		return apperrors.BadRequest(apperrors.CodeValidationFailed,
			fmt.Sprintf("vm config must request positive cpu, memory, and disk (got cpu=%d memory=%d disk=%d)",
				cfg.CPU, cfg.MemoryBytes, cfg.DiskBytes))
	}
	if cfg.Image == "" {
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "vm config image is required")
	}
	return nil
}

func newVMID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
