// Package main runs a fleet of simulated agents against a fleetd server.
//
// Each simulated agent registers over the WebSocket transport, heartbeats
// its synthetic capacity, and answers VM commands with canned success
// responses. Useful for load tests and for exercising the control plane
// without real hypervisors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vmfleet.io/fleetd/internal/domain"
	"vmfleet.io/fleetd/internal/fleet"
	"vmfleet.io/fleetd/internal/pkg/logger"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws/agent", "fleetd agent endpoint")
		count     = flag.Int("count", 3, "number of simulated agents")
		prefix    = flag.String("prefix", "sim", "agent name prefix")
		heartbeat = flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
		cpu       = flag.Int("cpu", 16, "total CPUs per agent")
		memGB     = flag.Int64("mem-gb", 64, "total memory per agent in GiB")
		diskGB    = flag.Int64("disk-gb", 500, "total disk per agent in GiB")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if err := logger.Init(*logLevel, "console"); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *count; i++ {
		agent := &simAgent{
			name:      fmt.Sprintf("%s-%02d", *prefix, i),
			serverURL: *serverURL,
			heartbeat: *heartbeat,
			total: domain.Resources{
				CPU:         *cpu,
				MemoryBytes: *memGB << 30,
				DiskBytes:   *diskGB << 30,
			},
			vms: make(map[string]domain.VMConfig),
		}
		g.Go(func() error {
			return agent.run(gctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "simagent error: %v\n", err)
		os.Exit(1)
	}
}

// simAgent is one simulated hypervisor host.
type simAgent struct {
	name      string
	serverURL string
	heartbeat time.Duration
	total     domain.Resources

	mu      sync.Mutex
	agentID string
	vms     map[string]domain.VMConfig
}

func (a *simAgent) run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, a.serverURL, nil)
	if err != nil {
		return fmt.Errorf("%s: dial %s: %w", a.name, a.serverURL, err)
	}
	defer ws.Close()

	if err := a.register(ws); err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}
	logger.Info("agent registered",
		zap.String("name", a.name), zap.String("agent_id", a.agentID))

	g, gctx := errgroup.WithContext(ctx)
	writeMu := &sync.Mutex{}
	g.Go(func() error {
		return a.heartbeatLoop(gctx, ws, writeMu)
	})
	g.Go(func() error {
		return a.readLoop(gctx, ws, writeMu)
	})
	g.Go(func() error {
		<-gctx.Done()
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		return ws.Close()
	})
	return g.Wait()
}

// register performs the synchronous handshake: send agentRegister, expect a
// success ack carrying the durable agent id.
func (a *simAgent) register(ws *websocket.Conn) error {
	env, err := fleet.NewEnvelope(fleet.MsgAgentRegister, uuid.NewString(), fleet.RegisterPayload{
		Name:         a.name,
		Hostname:     a.name + ".sim.local",
		Version:      "simagent/1.0",
		Capabilities: []string{"kvm", "simulated"},
		Resources:    a.resources(),
	})
	if err != nil {
		return err
	}
	if err := writeEnvelope(ws, nil, env); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}
	ack, err := fleet.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	if ack.Type != fleet.MsgSuccess {
		return fmt.Errorf("registration rejected: %s", string(ack.Payload))
	}
	var payload fleet.RegisterAck
	if err := ack.DecodePayload(&payload); err != nil {
		return err
	}
	a.mu.Lock()
	a.agentID = payload.AgentID
	a.mu.Unlock()
	return nil
}

func (a *simAgent) heartbeatLoop(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex) error {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.mu.Lock()
			id := a.agentID
			a.mu.Unlock()
			env, err := fleet.NewEnvelope(fleet.MsgAgentHeartbeat, "", fleet.HeartbeatPayload{
				AgentID:   id,
				Resources: a.resources(),
			})
			if err != nil {
				return err
			}
			if err := writeEnvelope(ws, writeMu, env); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (a *simAgent) readLoop(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := fleet.DecodeEnvelope(data)
		if err != nil {
			logger.Warn("undecodable message", zap.String("name", a.name), zap.Error(err))
			continue
		}

		resp := a.handle(env)
		if resp == nil {
			continue
		}
		if err := writeEnvelope(ws, writeMu, resp); err != nil {
			return fmt.Errorf("send response: %w", err)
		}
	}
}

// handle produces the canned response for one command envelope.
func (a *simAgent) handle(env *fleet.Envelope) *fleet.Envelope {
	switch env.Type {
	case fleet.MsgVMCreate:
		var p fleet.VMCreatePayload
		if err := env.DecodePayload(&p); err != nil {
			return errorEnvelope(env.RequestID, "DECODE_FAILED", err.Error())
		}
		a.mu.Lock()
		a.vms[p.VMID] = p.Config
		a.mu.Unlock()
		logger.Info("vm created",
			zap.String("name", a.name), zap.String("vm_id", p.VMID))
		resp, _ := fleet.NewEnvelope(fleet.MsgSuccess, env.RequestID,
			fleet.VMStatusPayload{VMID: p.VMID, Status: "running"})
		return resp

	case fleet.MsgVMOperation:
		var p fleet.VMOperationPayload
		if err := env.DecodePayload(&p); err != nil {
			return errorEnvelope(env.RequestID, "DECODE_FAILED", err.Error())
		}
		a.mu.Lock()
		_, known := a.vms[p.VMID]
		if p.Operation == domain.VMDelete {
			delete(a.vms, p.VMID)
		}
		a.mu.Unlock()
		if !known {
			return errorEnvelope(env.RequestID, "VM_NOT_FOUND",
				fmt.Sprintf("vm %s not on this host", p.VMID))
		}
		status := "running"
		switch p.Operation {
		case domain.VMStop, domain.VMDelete:
			status = "stopped"
		case domain.VMPause:
			status = "paused"
		}
		resp, _ := fleet.NewEnvelope(fleet.MsgSuccess, env.RequestID,
			fleet.VMStatusPayload{VMID: p.VMID, Status: status})
		return resp

	case fleet.MsgVMInfoRequest:
		var p fleet.VMInfoRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			return errorEnvelope(env.RequestID, "DECODE_FAILED", err.Error())
		}
		a.mu.Lock()
		cfg, known := a.vms[p.VMID]
		a.mu.Unlock()
		if !known {
			return errorEnvelope(env.RequestID, "VM_NOT_FOUND",
				fmt.Sprintf("vm %s not on this host", p.VMID))
		}
		resp, _ := fleet.NewEnvelope(fleet.MsgSuccess, env.RequestID, fleet.VMInfoPayload{
			VMID:        p.VMID,
			Status:      "running",
			CPU:         cfg.CPU,
			MemoryBytes: cfg.MemoryBytes,
			DiskBytes:   cfg.DiskBytes,
			IPAddresses: []string{"192.0.2.10"},
		})
		return resp

	default:
		return nil
	}
}

// resources reports total capacity minus what the fake VMs consume.
func (a *simAgent) resources() domain.AgentResources {
	a.mu.Lock()
	defer a.mu.Unlock()
	avail := a.total
	for _, cfg := range a.vms {
		avail.CPU -= cfg.CPU
		avail.MemoryBytes -= cfg.MemoryBytes
		avail.DiskBytes -= cfg.DiskBytes
	}
	if avail.CPU < 0 {
		avail.CPU = 0
	}
	if avail.MemoryBytes < 0 {
		avail.MemoryBytes = 0
	}
	if avail.DiskBytes < 0 {
		avail.DiskBytes = 0
	}
	return domain.AgentResources{Total: a.total, Available: avail}
}

func writeEnvelope(ws *websocket.Conn, mu *sync.Mutex, env *fleet.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func errorEnvelope(requestID, code, message string) *fleet.Envelope {
	env, _ := fleet.NewEnvelope(fleet.MsgError, requestID,
		fleet.ErrorPayload{Code: code, Message: message})
	return env
}
