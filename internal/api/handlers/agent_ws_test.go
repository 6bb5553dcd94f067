package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmfleet.io/fleetd/internal/domain"
	"vmfleet.io/fleetd/internal/fleet"
)

func dialAgent(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env *fleet.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *fleet.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := fleet.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func registerPayload(name string) fleet.RegisterPayload {
	return fleet.RegisterPayload{
		Name:     name,
		Hostname: name + ".local",
		Version:  "1.0",
		Resources: domain.AgentResources{
			Total:     domain.Resources{CPU: 16, MemoryBytes: 64 * gib, DiskBytes: 500 * gib},
			Available: domain.Resources{CPU: 16, MemoryBytes: 64 * gib, DiskBytes: 500 * gib},
		},
	}
}

func TestAgentWSRegistrationHandshake(t *testing.T) {
	env := newTestEnv(t)
	ws := dialAgent(t, env)

	reg, err := fleet.NewEnvelope(fleet.MsgAgentRegister, "reg-1", registerPayload("hv-ws"))
	require.NoError(t, err)
	sendEnvelope(t, ws, reg)

	ack := readEnvelope(t, ws)
	require.Equal(t, fleet.MsgSuccess, ack.Type)
	assert.Equal(t, "reg-1", ack.RequestID)

	var payload fleet.RegisterAck
	require.NoError(t, ack.DecodePayload(&payload))
	require.NotEmpty(t, payload.AgentID)

	// The agent is now listed and online.
	agent, ok := env.registry.Get(payload.AgentID)
	require.True(t, ok)
	assert.Equal(t, "hv-ws", agent.Name)
	assert.Equal(t, domain.AgentOnline, agent.Status)
	require.Eventually(t, func() bool { return env.conns.Lookup("hv-ws") != nil },
		time.Second, 10*time.Millisecond)
}

func TestAgentWSRejectsNonRegisterFirstFrame(t *testing.T) {
	env := newTestEnv(t)
	ws := dialAgent(t, env)

	hb, err := fleet.NewEnvelope(fleet.MsgAgentHeartbeat, "", fleet.HeartbeatPayload{AgentID: "x"})
	require.NoError(t, err)
	sendEnvelope(t, ws, hb)

	resp := readEnvelope(t, ws)
	assert.Equal(t, fleet.MsgError, resp.Type)
	assert.Empty(t, env.registry.List())
}

func TestAgentWSHeartbeatUpdatesRegistry(t *testing.T) {
	env := newTestEnv(t)
	ws := dialAgent(t, env)

	reg, _ := fleet.NewEnvelope(fleet.MsgAgentRegister, "reg-1", registerPayload("hv-ws"))
	sendEnvelope(t, ws, reg)
	ack := readEnvelope(t, ws)
	var payload fleet.RegisterAck
	require.NoError(t, ack.DecodePayload(&payload))

	res := registerPayload("hv-ws").Resources
	res.Available.CPU = 3
	hb, err := fleet.NewEnvelope(fleet.MsgAgentHeartbeat, "", fleet.HeartbeatPayload{
		AgentID:   payload.AgentID,
		Resources: res,
	})
	require.NoError(t, err)
	sendEnvelope(t, ws, hb)

	require.Eventually(t, func() bool {
		agent, ok := env.registry.Get(payload.AgentID)
		return ok && agent.Resources.Available.CPU == 3
	}, time.Second, 10*time.Millisecond)
}

func TestAgentWSDisconnectMarksOffline(t *testing.T) {
	env := newTestEnv(t)
	ws := dialAgent(t, env)

	reg, _ := fleet.NewEnvelope(fleet.MsgAgentRegister, "reg-1", registerPayload("hv-ws"))
	sendEnvelope(t, ws, reg)
	ack := readEnvelope(t, ws)
	var payload fleet.RegisterAck
	require.NoError(t, ack.DecodePayload(&payload))

	env.registry.RecordPlacement("vm-1", payload.AgentID)
	ws.Close()

	require.Eventually(t, func() bool {
		agent, ok := env.registry.Get(payload.AgentID)
		return ok && agent.Status == domain.AgentOffline
	}, 2*time.Second, 10*time.Millisecond)

	// Transport loss keeps the placement; only the staleness sweep or an
	// explicit unregister releases it.
	owner, mapped := env.registry.PlacementFor("vm-1")
	assert.True(t, mapped)
	assert.Equal(t, payload.AgentID, owner)
	assert.Nil(t, env.conns.Lookup("hv-ws"))
}

func TestAgentWSRoutesResponsesToDispatcher(t *testing.T) {
	env := newTestEnv(t)
	ws := dialAgent(t, env)

	reg, _ := fleet.NewEnvelope(fleet.MsgAgentRegister, "reg-1", registerPayload("hv-ws"))
	sendEnvelope(t, ws, reg)
	ack := readEnvelope(t, ws)
	var regAck fleet.RegisterAck
	require.NoError(t, ack.DecodePayload(&regAck))

	// Agent side: answer the next command with a success envelope.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := fleet.DecodeEnvelope(data)
		if err != nil {
			return
		}
		resp, _ := fleet.NewEnvelope(fleet.MsgSuccess, cmd.RequestID,
			fleet.VMStatusPayload{VMID: "vm-1", Status: "running"})
		out, _ := json.Marshal(resp)
		_ = ws.WriteMessage(websocket.TextMessage, out)
	}()

	env.registry.RecordPlacement("vm-1", regAck.AgentID)
	w := env.do(t, http.MethodGet, "/api/v1/vms/vm-1/status", nil)
	<-done

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "running", decodeBody(t, w)["status"])
}
