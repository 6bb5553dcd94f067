package domain

import "fmt"

// VMOperation is a lifecycle command routed to the hosting agent.
type VMOperation string

const (
	VMStart   VMOperation = "start"
	VMStop    VMOperation = "stop"
	VMRestart VMOperation = "restart"
	VMPause   VMOperation = "pause"
	VMResume  VMOperation = "resume"
	VMDelete  VMOperation = "delete"
	VMStatus  VMOperation = "status"
)

// ParseVMOperation validates an operation name from the wire or the API.
func ParseVMOperation(s string) (VMOperation, error) {
	switch op := VMOperation(s); op {
	case VMStart, VMStop, VMRestart, VMPause, VMResume, VMDelete, VMStatus:
		return op, nil
	default:
		return "", fmt.Errorf("unknown vm operation %q", s)
	}
}

// VMConfig is the requested shape of a virtual machine.
type VMConfig struct {
	CPU         int    `json:"cpu"`
	MemoryBytes int64  `json:"memoryBytes"`
	DiskBytes   int64  `json:"diskBytes"`
	Image       string `json:"image"`
	CloudInit   string `json:"cloudInit,omitempty"`
}

// Requested returns the resource requirement implied by the config.
func (c VMConfig) Requested() Resources {
	return Resources{CPU: c.CPU, MemoryBytes: c.MemoryBytes, DiskBytes: c.DiskBytes}
}

// VM is the durable record of a virtual machine. HypervisorID is the id of
// the agent currently hosting it, empty when unplaced.
type VM struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	HypervisorID string   `json:"hypervisorId,omitempty"`
	Config       VMConfig `json:"config"`
}
