package errors

import "net/http"

// Error code constants. Errors carry code + params; the HTTP layer maps the
// status, callers match on the code.

// Scheduling error codes.
const (
	CodeNoAvailableAgents     = "NO_AVAILABLE_AGENTS"
	CodeInsufficientResources = "INSUFFICIENT_RESOURCES"
	CodeInvalidStrategy       = "INVALID_STRATEGY"
)

// Agent error codes.
const (
	CodeAgentNotFound = "AGENT_NOT_FOUND"
	CodeAgentOffline  = "AGENT_OFFLINE"
)

// VM / dispatch error codes.
const (
	CodeVMNotFound      = "VM_NOT_FOUND"
	CodeVMNotMapped     = "VM_NOT_MAPPED"
	CodeRequestTimeout  = "REQUEST_TIMEOUT"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeAgentError      = "AGENT_ERROR"
)

// Validation error codes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
)

// Convenience constructors using predefined codes.

// ErrAgentNotFoundf creates an agent not found error.
func ErrAgentNotFoundf(agentID string) *AppError {
	return NotFound(CodeAgentNotFound, "agent not found").
		WithParams(map[string]interface{}{"agent_id": agentID})
}

// ErrAgentOfflinef creates an agent offline error.
func ErrAgentOfflinef(agentID string) *AppError {
	return Unavailable(CodeAgentOffline, "agent has no live connection").
		WithParams(map[string]interface{}{"agent_id": agentID})
}

// ErrVMNotMappedf creates a VM not mapped error.
func ErrVMNotMappedf(vmID string) *AppError {
	return NotFound(CodeVMNotMapped, "virtual machine has no placement").
		WithParams(map[string]interface{}{"vm_id": vmID})
}

// ErrRequestTimeoutf creates a request timeout error. A timeout means the
// outcome on the agent is unknown, not that the operation failed.
func ErrRequestTimeoutf(agentID, requestID string) *AppError {
	return Timeout(CodeRequestTimeout, "agent did not respond in time").
		WithParams(map[string]interface{}{"agent_id": agentID, "request_id": requestID})
}

// ErrInvalidResponsef creates an invalid response error.
func ErrInvalidResponsef(agentID string, err error) *AppError {
	return &AppError{
		Code:       CodeInvalidResponse,
		Message:    "agent response could not be decoded",
		HTTPStatus: http.StatusBadGateway,
		Params:     map[string]interface{}{"agent_id": agentID},
		Err:        err,
	}
}
