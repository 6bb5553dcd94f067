// Package fleet implements the agent-facing core of the control plane:
// connection tracking, the agent registry, heartbeat aging, and
// request/response correlation over the persistent agent transport.
package fleet

import (
	"encoding/json"
	"fmt"

	"vmfleet.io/fleetd/internal/domain"
)

// MessageType tags an envelope on the wire.
type MessageType string

const (
	MsgAgentRegister  MessageType = "agentRegister"
	MsgAgentHeartbeat MessageType = "agentHeartbeat"
	MsgVMCreate       MessageType = "vmCreate"
	MsgVMOperation    MessageType = "vmOperation"
	MsgVMInfoRequest  MessageType = "vmInfoRequest"
	MsgSuccess        MessageType = "success"
	MsgError          MessageType = "error"
)

// Envelope is the wire-level wrapper for all agent↔control-plane messages.
// success/error envelopes are responses and are routed exclusively through
// the dispatcher by matching RequestID.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsResponse reports whether the envelope is a correlated response.
func (e *Envelope) IsResponse() bool {
	return e.Type == MsgSuccess || e.Type == MsgError
}

// NewEnvelope builds an envelope with a marshalled payload. An empty
// requestID is filled in later by the dispatcher.
func NewEnvelope(t MessageType, requestID string, payload any) (*Envelope, error) {
	env := &Envelope{Type: t, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodeEnvelope parses raw transport bytes into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RegisterPayload is sent by an agent when it (re)connects.
type RegisterPayload struct {
	Name         string                `json:"name"`
	Hostname     string                `json:"hostname"`
	Version      string                `json:"version"`
	Capabilities []string              `json:"capabilities"`
	Resources    domain.AgentResources `json:"resources"`
}

// RegisterAck is the success payload answering an agentRegister.
type RegisterAck struct {
	AgentID string `json:"agentId"`
}

// HeartbeatPayload refreshes an agent's capacity and liveness.
type HeartbeatPayload struct {
	AgentID   string                `json:"agentId"`
	Resources domain.AgentResources `json:"resources"`
}

// VMCreatePayload asks an agent to create a virtual machine.
type VMCreatePayload struct {
	VMID   string          `json:"vmId"`
	Name   string          `json:"name"`
	Config domain.VMConfig `json:"config"`
}

// VMOperationPayload routes a lifecycle command for a placed VM.
type VMOperationPayload struct {
	VMID      string             `json:"vmId"`
	Operation domain.VMOperation `json:"operation"`
}

// VMInfoRequestPayload asks the hosting agent for a VM description.
type VMInfoRequestPayload struct {
	VMID string `json:"vmId"`
}

// VMStatusPayload is the success payload for a status query.
type VMStatusPayload struct {
	VMID   string `json:"vmId"`
	Status string `json:"status"`
}

// VMInfoPayload is the success payload for an info query.
type VMInfoPayload struct {
	VMID        string   `json:"vmId"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	CPU         int      `json:"cpu"`
	MemoryBytes int64    `json:"memoryBytes"`
	DiskBytes   int64    `json:"diskBytes"`
	IPAddresses []string `json:"ipAddresses,omitempty"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeMessage decodes an envelope into its typed payload, so internal
// logic switches on a closed set of types instead of re-parsing strings.
func DecodeMessage(env *Envelope) (any, error) {
	switch env.Type {
	case MsgAgentRegister:
		var p RegisterPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case MsgAgentHeartbeat:
		var p HeartbeatPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case MsgVMCreate:
		var p VMCreatePayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case MsgVMOperation:
		var p VMOperationPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case MsgVMInfoRequest:
		var p VMInfoRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case MsgError:
		var p ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return &p, nil
	case MsgSuccess:
		// Success payload shape depends on the request; callers decode it.
		return env, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
