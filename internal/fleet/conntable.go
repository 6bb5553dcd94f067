package fleet

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vmfleet.io/fleetd/internal/pkg/logger"
)

// wireConn is the subset of *websocket.Conn the connection layer needs.
// Narrowed so tests can substitute a fake transport.
type wireConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn binds an agent name to its live transport handle. The handle is
// affinity-bound to the goroutine that upgraded it for reads; writes can
// come from any caller, so they are serialized with the write mutex
// (gorilla/websocket allows at most one concurrent writer).
type Conn struct {
	name string

	writeMu sync.Mutex
	ws      wireConn
}

// NewConn wraps an upgraded websocket connection.
func NewConn(name string, ws wireConn) *Conn {
	return &Conn{name: name, ws: ws}
}

// Name returns the agent name this connection is bound to.
func (c *Conn) Name() string { return c.name }

// WriteEnvelope marshals and writes one envelope under the write lock.
func (c *Conn) WriteEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the underlying transport.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Close()
}

// ConnTable maps agent names to live connections. This is deliberately the
// one component using a plain mutex-guarded map: the raw handle cannot be
// handed across an ownership boundary, and callers reach it from arbitrary
// goroutines (API handlers, the dispatcher, the monitor).
type ConnTable struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewConnTable creates an empty connection table.
func NewConnTable() *ConnTable {
	return &ConnTable{conns: make(map[string]*Conn)}
}

// Bind associates name with conn, superseding any prior binding. Last
// writer wins: a reconnect naturally replaces a dead handle, which is
// closed on the way out.
func (t *ConnTable) Bind(name string, conn *Conn) {
	t.mu.Lock()
	prev := t.conns[name]
	t.conns[name] = conn
	t.mu.Unlock()

	if prev != nil && prev != conn {
		if err := prev.Close(); err != nil {
			logger.Debug("closing superseded agent connection",
				zap.String("agent", name), zap.Error(err))
		}
	}
}

// Lookup returns the live connection for name, or nil if the agent has
// never connected or has been unbound.
func (t *ConnTable) Lookup(name string) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[name]
}

// Unbind removes the binding for name. Idempotent. When current is
// non-nil the binding is only removed if it still points at current, so a
// stale reader goroutine cannot unbind a fresh reconnect.
func (t *ConnTable) Unbind(name string, current *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[name]; ok {
		if current == nil || existing == current {
			delete(t.conns, name)
		}
	}
}

// Len returns the number of live bindings.
func (t *ConnTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// CloseAll tears down every binding. Called last in the shutdown order,
// after the monitor and dispatcher have stopped.
func (t *ConnTable) CloseAll() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*Conn)
	t.mu.Unlock()

	for name, conn := range conns {
		if err := conn.Close(); err != nil {
			logger.Debug("closing agent connection on shutdown",
				zap.String("agent", name), zap.Error(err))
		}
	}
}
