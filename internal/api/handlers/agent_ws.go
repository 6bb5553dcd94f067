package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vmfleet.io/fleetd/internal/fleet"
	"vmfleet.io/fleetd/internal/pkg/logger"
)

const writeWait = 10 * time.Second

// upgrader accepts any origin: agents are daemons, not browsers, and the
// endpoint is not cookie-authenticated.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// AgentWS handles GET /ws/agent: the persistent agent transport. The
// handler goroutine owns all reads for the life of the connection; writes
// go through the connection table handle, which serializes them.
//
// Protocol: the first frame must be an agentRegister envelope. After the
// registration ack, the loop accepts heartbeats and correlated responses
// until the socket drops.
func (s *Server) AgentWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("agent websocket upgrade failed",
			zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	pongTimeout := s.fleetCfg.WSPongTimeout
	if pongTimeout <= 0 {
		pongTimeout = 90 * time.Second
	}
	if s.fleetCfg.WSReadLimit > 0 {
		ws.SetReadLimit(s.fleetCfg.WSReadLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	agentID, conn, ok := s.handleRegistration(c.Request.Context(), ws)
	if !ok {
		ws.Close()
		return
	}

	// Keepalive pings ride the dispatch pool; stopping the service context
	// or closing the socket ends the loop.
	pingDone := make(chan struct{})
	if err := s.pools.SubmitDetached("dispatch", func(ctx context.Context) {
		s.pingLoop(ctx, ws, pingDone, pongTimeout/3)
	}); err != nil {
		logger.Warn("failed to start keepalive loop",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	s.readLoop(agentID, conn, ws, pongTimeout)
	close(pingDone)

	// A dropped socket is not evidence the agent's VMs are gone; the
	// placement mapping stays until the staleness sweep decides.
	s.registry.MarkOffline(agentID)
	s.conns.Unbind(conn.Name(), conn)
	ws.Close()
}

// handleRegistration consumes the first frame, registers the agent, binds
// the connection, and acks with the durable agent id.
func (s *Server) handleRegistration(ctx context.Context, ws *websocket.Conn) (string, *fleet.Conn, bool) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		logger.Debug("agent disconnected before registering", zap.Error(err))
		return "", nil, false
	}

	env, err := fleet.DecodeEnvelope(data)
	if err != nil {
		writeRejection(ws, "", "VALIDATION_FAILED", err.Error())
		return "", nil, false
	}
	if env.Type != fleet.MsgAgentRegister {
		writeRejection(ws, env.RequestID, "VALIDATION_FAILED",
			"first message must be agentRegister")
		return "", nil, false
	}

	var payload fleet.RegisterPayload
	if err := env.DecodePayload(&payload); err != nil {
		writeRejection(ws, env.RequestID, "VALIDATION_FAILED", err.Error())
		return "", nil, false
	}

	agentID, err := s.registry.Register(ctx, &payload)
	if err != nil {
		logger.Error("agent registration failed",
			zap.String("name", payload.Name), zap.Error(err))
		writeRejection(ws, env.RequestID, "REGISTRATION_FAILED", err.Error())
		return "", nil, false
	}

	conn := fleet.NewConn(payload.Name, ws)
	s.conns.Bind(payload.Name, conn)

	ack, err := fleet.NewEnvelope(fleet.MsgSuccess, env.RequestID,
		fleet.RegisterAck{AgentID: agentID})
	if err == nil {
		err = conn.WriteEnvelope(ack)
	}
	if err != nil {
		logger.Warn("failed to ack registration",
			zap.String("agent_id", agentID), zap.Error(err))
		s.conns.Unbind(payload.Name, conn)
		return "", nil, false
	}
	return agentID, conn, true
}

// readLoop processes inbound frames until the socket errors out.
func (s *Server) readLoop(agentID string, conn *fleet.Conn, ws *websocket.Conn, pongTimeout time.Duration) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("agent connection error",
					zap.String("agent_id", agentID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))

		env, err := fleet.DecodeEnvelope(data)
		if err != nil {
			logger.Warn("undecodable agent message",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}

		switch {
		case env.IsResponse():
			s.dispatcher.HandleResponse(env)

		case env.Type == fleet.MsgAgentHeartbeat:
			var hb fleet.HeartbeatPayload
			if err := env.DecodePayload(&hb); err != nil {
				logger.Warn("malformed heartbeat",
					zap.String("agent_id", agentID), zap.Error(err))
				continue
			}
			if hb.AgentID == "" {
				hb.AgentID = agentID
			}
			s.registry.Heartbeat(hb.AgentID, hb.Resources)

		case env.Type == fleet.MsgAgentRegister:
			// Re-registration over a live socket refreshes the record.
			var payload fleet.RegisterPayload
			if err := env.DecodePayload(&payload); err != nil {
				logger.Warn("malformed re-registration",
					zap.String("agent_id", agentID), zap.Error(err))
				continue
			}
			id, err := s.registry.Register(context.Background(), &payload)
			if err != nil {
				logger.Error("re-registration failed",
					zap.String("agent_id", agentID), zap.Error(err))
				continue
			}
			if ack, err := fleet.NewEnvelope(fleet.MsgSuccess, env.RequestID,
				fleet.RegisterAck{AgentID: id}); err == nil {
				_ = conn.WriteEnvelope(ack)
			}

		default:
			logger.Warn("unexpected message type from agent",
				zap.String("agent_id", agentID),
				zap.String("type", string(env.Type)),
			)
		}
	}
}

// pingLoop sends keepalive pings until the connection or service stops.
// WriteControl is safe to call concurrently with envelope writes.
func (s *Server) pingLoop(ctx context.Context, ws *websocket.Conn, done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// writeRejection answers a failed handshake before any Conn exists.
func writeRejection(ws *websocket.Conn, requestID, code, message string) {
	env, err := fleet.NewEnvelope(fleet.MsgError, requestID,
		fleet.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.TextMessage, data)
}
