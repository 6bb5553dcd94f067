package fleet

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
	"vmfleet.io/fleetd/internal/pkg/logger"
)

// Dispatcher sends envelopes to agents and correlates asynchronous
// responses back to their callers by requestId.
//
// Each awaited request registers a buffered channel before the send;
// whichever of response delivery, timeout, or shutdown resolves first
// removes the entry, so late responses for a resolved id are dropped
// silently and entries never leak.
type Dispatcher struct {
	registry *Registry
	conns    *ConnTable
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan *Envelope
	closed  bool
}

// NewDispatcher creates a dispatcher with the given default await timeout.
func NewDispatcher(registry *Registry, conns *ConnTable, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		conns:    conns,
		timeout:  timeout,
		pending:  make(map[string]chan *Envelope),
	}
}

// Send writes an envelope to the named agent, fire-and-forget. Fails with
// AGENT_NOT_FOUND when the id is unknown and AGENT_OFFLINE when the agent
// has no live, online connection. Assigns a requestId if the envelope has
// none.
func (d *Dispatcher) Send(agentID string, env *Envelope) error {
	agent, ok := d.registry.Get(agentID)
	if !ok {
		return apperrors.ErrAgentNotFoundf(agentID)
	}
	if !agent.Online() {
		return apperrors.ErrAgentOfflinef(agentID)
	}
	conn := d.conns.Lookup(agent.Name)
	if conn == nil {
		return apperrors.ErrAgentOfflinef(agentID)
	}

	if env.RequestID == "" {
		env.RequestID = newID()
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return apperrors.Wrap(err, apperrors.CodeAgentOffline,
			"write to agent failed", http.StatusServiceUnavailable).
			WithParams(map[string]interface{}{"agent_id": agentID})
	}

	logger.Debug("envelope sent",
		zap.String("agent_id", agentID),
		zap.String("type", string(env.Type)),
		zap.String("request_id", env.RequestID),
	)
	return nil
}

// SendAndAwait sends an envelope that expects a reply and suspends the
// caller until a matching response arrives, the timeout elapses, or ctx is
// cancelled. A timeout means unknown outcome: the agent may still perform
// the action. An error envelope from the agent is surfaced as AGENT_ERROR.
func (d *Dispatcher) SendAndAwait(ctx context.Context, agentID string, env *Envelope) (*Envelope, error) {
	if env.RequestID == "" {
		env.RequestID = newID()
	}
	requestID := env.RequestID

	ch, err := d.register(requestID)
	if err != nil {
		return nil, err
	}

	if err := d.Send(agentID, env); err != nil {
		d.remove(requestID)
		return nil, err
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, apperrors.Unavailable(apperrors.CodeAgentOffline,
				"control plane shutting down")
		}
		return d.resolve(agentID, resp)

	case <-ctx.Done():
		d.remove(requestID)
		return nil, ctx.Err()

	case <-timer.C:
		// Losing the race against HandleResponse is fine: if the entry is
		// already gone the response is sitting in the buffered channel.
		if !d.remove(requestID) {
			select {
			case resp, ok := <-ch:
				if ok {
					return d.resolve(agentID, resp)
				}
			default:
			}
		}
		return nil, apperrors.ErrRequestTimeoutf(agentID, requestID)
	}
}

// HandleResponse routes a success/error envelope to its waiter. Envelopes
// with no pending entry (already timed out, or unsolicited) are dropped.
func (d *Dispatcher) HandleResponse(env *Envelope) {
	d.mu.Lock()
	ch, ok := d.pending[env.RequestID]
	if ok {
		delete(d.pending, env.RequestID)
	}
	d.mu.Unlock()

	if !ok {
		logger.Debug("dropping response with no pending request",
			zap.String("request_id", env.RequestID),
			zap.String("type", string(env.Type)),
		)
		return
	}
	// Buffered with capacity 1 and the entry is already removed, so this
	// never blocks and delivers at most once.
	ch <- env
}

// Pending returns the number of in-flight awaited requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails every in-flight waiter. Called during shutdown after the
// monitor has stopped and before the connection table is torn down.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]chan *Envelope)
	d.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if n := len(pending); n > 0 {
		logger.Warn("dispatcher closed with requests in flight", zap.Int("pending", n))
	}
}

// register creates the pending entry. At most one waiter per requestId; a
// requestId must not be reused while pending.
func (d *Dispatcher) register(requestID string) (chan *Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, apperrors.Unavailable(apperrors.CodeAgentOffline,
			"control plane shutting down")
	}
	if _, exists := d.pending[requestID]; exists {
		return nil, apperrors.Conflict(apperrors.CodeValidationFailed,
			"request id already pending").
			WithParams(map[string]interface{}{"request_id": requestID})
	}
	ch := make(chan *Envelope, 1)
	d.pending[requestID] = ch
	return ch, nil
}

// remove deletes the pending entry, reporting whether it was still there.
func (d *Dispatcher) remove(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[requestID]; !ok {
		return false
	}
	delete(d.pending, requestID)
	return true
}

// resolve distinguishes success from error envelopes before any payload
// decoding happens.
func (d *Dispatcher) resolve(agentID string, resp *Envelope) (*Envelope, error) {
	if resp.Type != MsgError {
		return resp, nil
	}
	var p ErrorPayload
	if err := resp.DecodePayload(&p); err != nil {
		return nil, apperrors.ErrInvalidResponsef(agentID, err)
	}
	return nil, apperrors.New(apperrors.CodeAgentError, p.Message, http.StatusBadGateway).
		WithParams(map[string]interface{}{
			"agent_id":   agentID,
			"agent_code": p.Code,
		})
}
