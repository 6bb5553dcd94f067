package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmfleet.io/fleetd/internal/domain"
	"vmfleet.io/fleetd/internal/fleet"
	apperrors "vmfleet.io/fleetd/internal/pkg/errors"
	"vmfleet.io/fleetd/internal/scheduler"
	"vmfleet.io/fleetd/internal/store"
)

const gib = int64(1) << 30

// fakeWS stands in for a websocket connection behind fleet.NewConn.
type fakeWS struct {
	mu     sync.Mutex
	frames [][]byte

	// respond, when set, produces the agent's reply for each frame.
	respond func(env *fleet.Envelope) *fleet.Envelope
	// deliver routes replies back into the dispatcher.
	deliver func(env *fleet.Envelope)
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	respond, deliver := f.respond, f.deliver
	f.mu.Unlock()

	if respond == nil || deliver == nil {
		return nil
	}
	var env fleet.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if resp := respond(&env); resp != nil {
		go deliver(resp)
	}
	return nil
}

func (f *fakeWS) Close() error { return nil }

func (f *fakeWS) envelopes(t *testing.T) []*fleet.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fleet.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env fleet.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, &env)
	}
	return out
}

type fakePlacementQueue struct {
	mu       sync.Mutex
	enqueued [][2]string
	fail     error
}

func (q *fakePlacementQueue) EnqueuePlacementPersist(_ context.Context, vmID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.enqueued = append(q.enqueued, [2]string{vmID, agentID})
	return nil
}

// harness wires the full placement path over fake transports.
type harness struct {
	store      *store.Memory
	registry   *fleet.Registry
	conns      *fleet.ConnTable
	dispatcher *fleet.Dispatcher
	queue      *fakePlacementQueue
	svc        *PlacementService
	wires      map[string]*fakeWS // agent name -> transport
	ids        map[string]string  // agent name -> durable id
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	conns := fleet.NewConnTable()
	registry := fleet.NewRegistry(st, conns)
	dispatcher := fleet.NewDispatcher(registry, conns, 2*time.Second)
	queue := &fakePlacementQueue{}
	svc := NewPlacementService(registry, dispatcher,
		scheduler.New(scheduler.StrategyBestFit), st, queue)
	return &harness{
		store:      st,
		registry:   registry,
		conns:      conns,
		dispatcher: dispatcher,
		queue:      queue,
		svc:        svc,
		wires:      make(map[string]*fakeWS),
		ids:        make(map[string]string),
	}
}

// addAgent registers and connects an agent with the given available CPU.
func (h *harness) addAgent(t *testing.T, name string, availCPU int) string {
	t.Helper()
	id, err := h.registry.Register(context.Background(), &fleet.RegisterPayload{
		Name:     name,
		Hostname: name + ".local",
		Resources: domain.AgentResources{
			Total:     domain.Resources{CPU: 32, MemoryBytes: 128 * gib, DiskBytes: 1000 * gib},
			Available: domain.Resources{CPU: availCPU, MemoryBytes: 64 * gib, DiskBytes: 500 * gib},
		},
	})
	require.NoError(t, err)

	ws := &fakeWS{deliver: h.dispatcher.HandleResponse}
	h.conns.Bind(name, fleet.NewConn(name, ws))
	h.wires[name] = ws
	h.ids[name] = id
	return id
}

func testVM(id string) *domain.VM {
	return &domain.VM{
		ID:   id,
		Name: "vm-" + id,
		Config: domain.VMConfig{
			CPU: 4, MemoryBytes: 8 * gib, DiskBytes: 50 * gib, Image: "debian-12",
		},
	}
}

func TestCreateVMBestFitPlacement(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "big", 8)
	mid := h.addAgent(t, "mid", 4)
	h.addAgent(t, "tight", 2)

	vm := testVM("vm-1")
	agentID, err := h.svc.CreateVM(context.Background(), vm, "")
	require.NoError(t, err)
	assert.Equal(t, mid, agentID, "bestFit must pick the fullest host that still fits")

	// The creation envelope went to the chosen agent.
	sent := h.wires["mid"].envelopes(t)
	require.Len(t, sent, 1)
	assert.Equal(t, fleet.MsgVMCreate, sent[0].Type)
	var payload fleet.VMCreatePayload
	require.NoError(t, sent[0].DecodePayload(&payload))
	assert.Equal(t, "vm-1", payload.VMID)

	// Mapping recorded and persisted.
	owner, ok := h.registry.PlacementFor("vm-1")
	require.True(t, ok)
	assert.Equal(t, mid, owner)
	saved, err := h.store.FindVM(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, mid, saved.HypervisorID)
	assert.Empty(t, h.queue.enqueued)
}

func TestCreateVMNoAgents(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateVM(context.Background(), testVM("vm-1"), "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoAvailableAgents))
}

func TestCreateVMInsufficientResources(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "tiny", 2)

	_, err := h.svc.CreateVM(context.Background(), testVM("vm-1"), "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInsufficientResources))
	_, mapped := h.registry.PlacementFor("vm-1")
	assert.False(t, mapped)
}

func TestCreateVMStrategyOverride(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", 8)
	h.addAgent(t, "b", 8)

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		vm := testVM(string(rune('0' + i)))
		agentID, err := h.svc.CreateVM(context.Background(), vm, scheduler.StrategyRoundRobin)
		require.NoError(t, err)
		seen[agentID] = true
	}
	assert.Len(t, seen, 2, "roundRobin override must rotate across both agents")
}

func TestCreateVMPersistenceFailureEnqueuesRetry(t *testing.T) {
	h := newHarness(t)
	agentID := h.addAgent(t, "solo", 8)

	h.store.FailSaveAssignment = errors.New("database down")

	got, err := h.svc.CreateVM(context.Background(), testVM("vm-1"), "")
	require.NoError(t, err, "dispatch already happened, creation must not fail")
	assert.Equal(t, agentID, got)

	// The in-memory mapping holds and the write was handed to the queue.
	owner, ok := h.registry.PlacementFor("vm-1")
	require.True(t, ok)
	assert.Equal(t, agentID, owner)
	require.Len(t, h.queue.enqueued, 1)
	assert.Equal(t, [2]string{"vm-1", agentID}, h.queue.enqueued[0])
}

func TestPerformOperationRoutesToHostingAgent(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "solo", 8)

	vm := testVM("vm-1")
	_, err := h.svc.CreateVM(context.Background(), vm, "")
	require.NoError(t, err)

	require.NoError(t, h.svc.PerformOperation(context.Background(), domain.VMRestart, "vm-1"))

	sent := h.wires["solo"].envelopes(t)
	require.Len(t, sent, 2) // create + restart
	assert.Equal(t, fleet.MsgVMOperation, sent[1].Type)
	var op fleet.VMOperationPayload
	require.NoError(t, sent[1].DecodePayload(&op))
	assert.Equal(t, domain.VMRestart, op.Operation)
}

func TestPerformOperationUnmappedVM(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "solo", 8)

	err := h.svc.PerformOperation(context.Background(), domain.VMStart, "ghost-vm")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeVMNotMapped))
}

func TestPerformOperationAgentGone(t *testing.T) {
	h := newHarness(t)
	id := h.addAgent(t, "solo", 8)

	_, err := h.svc.CreateVM(context.Background(), testVM("vm-1"), "")
	require.NoError(t, err)

	h.registry.ForceRemove(id)
	// ForceRemove released the placement, so the mapping lookup fails first.
	err = h.svc.PerformOperation(context.Background(), domain.VMStop, "vm-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeVMNotMapped))
}

func TestPerformDeleteReleasesPlacement(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "solo", 8)

	_, err := h.svc.CreateVM(context.Background(), testVM("vm-1"), "")
	require.NoError(t, err)

	require.NoError(t, h.svc.PerformOperation(context.Background(), domain.VMDelete, "vm-1"))

	_, mapped := h.registry.PlacementFor("vm-1")
	assert.False(t, mapped)
	saved, err := h.store.FindVM(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Empty(t, saved.HypervisorID)
}

func TestGetVMStatusRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "solo", 8)
	h.wires["solo"].respond = func(env *fleet.Envelope) *fleet.Envelope {
		if env.Type != fleet.MsgVMOperation {
			return nil
		}
		resp, _ := fleet.NewEnvelope(fleet.MsgSuccess, env.RequestID,
			fleet.VMStatusPayload{VMID: "vm-1", Status: "running"})
		return resp
	}

	_, err := h.svc.CreateVM(context.Background(), testVM("vm-1"), "")
	require.NoError(t, err)

	status, err := h.svc.GetVMStatus(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, "running", status.Status)
}

func TestGetVMInfoInvalidResponse(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "solo", 8)
	h.wires["solo"].respond = func(env *fleet.Envelope) *fleet.Envelope {
		if env.Type != fleet.MsgVMInfoRequest {
			return nil
		}
		resp, _ := fleet.NewEnvelope(fleet.MsgSuccess, env.RequestID, "not an object")
		return resp
	}

	_, err := h.svc.CreateVM(context.Background(), testVM("vm-1"), "")
	require.NoError(t, err)

	_, err = h.svc.GetVMInfo(context.Background(), "vm-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidResponse))
}

func TestRecoveryAfterRestart(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// State left behind by a previous control-plane run.
	require.NoError(t, st.SaveAgent(ctx, &domain.Agent{
		ID: "agent-old", Name: "hv-1", Status: domain.AgentOffline,
	}))
	require.NoError(t, st.SaveVM(ctx, &domain.VM{
		ID: "vm-old", Name: "survivor", HypervisorID: "agent-old",
		Config: domain.VMConfig{CPU: 2, MemoryBytes: 4 * gib, DiskBytes: 20 * gib},
	}))

	conns := fleet.NewConnTable()
	registry := fleet.NewRegistry(st, conns)
	dispatcher := fleet.NewDispatcher(registry, conns, 2*time.Second)
	svc := NewPlacementService(registry, dispatcher,
		scheduler.New(scheduler.StrategyBestFit), st, nil)

	require.NoError(t, svc.Recover(ctx))

	// The agent reconnects under its old name and gets its old id back.
	id, err := registry.Register(ctx, &fleet.RegisterPayload{
		Name: "hv-1",
		Resources: domain.AgentResources{
			Total:     domain.Resources{CPU: 16, MemoryBytes: 64 * gib, DiskBytes: 500 * gib},
			Available: domain.Resources{CPU: 16, MemoryBytes: 64 * gib, DiskBytes: 500 * gib},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "agent-old", id)
	ws := &fakeWS{deliver: dispatcher.HandleResponse}
	conns.Bind("hv-1", fleet.NewConn("hv-1", ws))

	// An operation on the recovered VM resolves without any CreateVM call.
	require.NoError(t, svc.PerformOperation(ctx, domain.VMStart, "vm-old"))
	sent := ws.envelopes(t)
	require.Len(t, sent, 1)
	assert.Equal(t, fleet.MsgVMOperation, sent[0].Type)
}
