// Package domain holds the core fleet entities shared across layers.
package domain

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentOnline     AgentStatus = "online"
	AgentOffline    AgentStatus = "offline"
	AgentConnecting AgentStatus = "connecting"
	AgentError      AgentStatus = "error"
)

// Resources is a resource quantity triple used both for agent capacity and
// for placement requests.
type Resources struct {
	CPU         int   `json:"cpu"`
	MemoryBytes int64 `json:"memoryBytes"`
	DiskBytes   int64 `json:"diskBytes"`
}

// AgentResources is agent-reported capacity. Available is recomputed from
// heartbeat data, never derived locally; Available ≤ Total always.
type AgentResources struct {
	Total     Resources `json:"total"`
	Available Resources `json:"available"`
}

// Agent is one registered hypervisor host. The ID is durable and survives
// reconnects; the Name is the handle used to look up the live connection.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Hostname     string         `json:"hostname"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities"`
	Resources    AgentResources `json:"resources"`
	Status       AgentStatus    `json:"status"`

	// LastHeartbeat is updated only by heartbeat or registration messages.
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Clone returns a deep copy, safe to hand out of the registry.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}

// Online reports whether the agent is currently marked online.
func (a *Agent) Online() bool {
	return a.Status == AgentOnline
}
