package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/qemud/qemud/internal/session"
	"github.com/qemud/qemud/internal/statusbus"
	"github.com/qemud/qemud/internal/vmconfig"
)

// inboundMessage is the union of every client→server wire message (spec
// §6): init_display, vm_input, and the control RPCs. A vm_input event
// carries its input event type (mousemove, mousedown, mouseup, keydown,
// keyup) in Type. Fields not relevant to Type are simply left zero.
type inboundMessage struct {
	Type string `json:"type"`

	VMID string `json:"vmId,omitempty"`

	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
	Button *int   `json:"button,omitempty"`
	Key    string `json:"key,omitempty"`
	Code   string `json:"code,omitempty"`

	Name   string             `json:"name,omitempty"`
	Config *vmconfig.VMConfig `json:"config,omitempty"`
}

// wsTransport adapts a coder/websocket connection to session.Transport:
// every outbound event is a JSON object with a "type" discriminator
// merged with the event's payload fields.
type wsTransport struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (t *wsTransport) SendEvent(event string, payload interface{}) error {
	envelope := map[string]interface{}{"type": event}
	if m, ok := payload.(map[string]interface{}); ok {
		for k, v := range m {
			envelope[k] = v
		}
	}
	return t.sendEnvelope(envelope)
}

func (t *wsTransport) Close() error {
	return t.c.Close(websocket.StatusNormalClosure, "session closed")
}

func (t *wsTransport) sendEnvelope(v map[string]interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.c.Write(ctx, websocket.MessageText, data)
}

// wsClient holds the per-connection state a handleWebSocket loop mutates:
// the active display session (at most one per connection) and the set of
// VM status-bus subscriptions this client has requested.
type wsClient struct {
	id        string
	server    *Server
	transport *wsTransport

	mu       sync.Mutex
	active   *session.Session
	watching map[string]func()
}

func newWSClient(id string, s *Server, t *wsTransport) *wsClient {
	return &wsClient{id: id, server: s, transport: t, watching: make(map[string]func())}
}

// watch subscribes to name's status-bus updates once per name, forwarding
// vm_status on every sample and vm_stopped on a running→false edge.
func (c *wsClient) watch(name string) {
	c.mu.Lock()
	if _, ok := c.watching[name]; ok {
		c.mu.Unlock()
		return
	}
	ch, unsub := c.server.bus.Subscribe(name)
	c.watching[name] = unsub
	c.mu.Unlock()

	go func() {
		wasRunning := true
		for snap := range ch {
			if wasRunning && !snap.Running {
				c.transport.sendEnvelope(map[string]interface{}{"type": "vm_stopped", "name": snap.Name})
			} else {
				c.transport.sendEnvelope(statusEventPayload(snap))
			}
			wasRunning = snap.Running
		}
	}()
}

func statusEventPayload(snap statusbus.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"type":      "vm_status",
		"name":      snap.Name,
		"running":   snap.Running,
		"cpuUsage":  snap.CPUPercent,
		"memoryMiB": snap.MemoryMiB,
	}
}

func (c *wsClient) teardown() {
	c.mu.Lock()
	active := c.active
	c.active = nil
	watching := c.watching
	c.watching = make(map[string]func())
	c.mu.Unlock()

	for _, unsub := range watching {
		unsub()
	}
	if active != nil {
		c.server.broker.Teardown(c.id)
	}
}

// handleWebSocket upgrades GET /ws and runs the bidirectional message
// loop for one browser client: init_display/vm_input dispatch to the
// session broker, control RPCs dispatch to the registry and supervisor,
// and status-bus samples are pushed back as vm_status/vm_stopped.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("api: websocket accept: %v", err)
		return
	}
	transport := &wsTransport{c: c}
	client := newWSClient(uuid.NewString(), s, transport)
	defer client.teardown()
	defer c.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			transport.sendEnvelope(map[string]interface{}{"type": "error", "message": "malformed message"})
			continue
		}
		if err := client.dispatch(ctx, msg); err != nil {
			transport.sendEnvelope(map[string]interface{}{"type": "error", "message": err.Error()})
		}
	}
}

func (c *wsClient) dispatch(ctx context.Context, msg inboundMessage) error {
	switch msg.Type {
	case "init_display":
		return c.handleInitDisplay(ctx, msg.VMID)
	case "vm_input", "mousemove", "mousedown", "mouseup", "keydown", "keyup":
		return c.handleInput(msg)
	case "list":
		return c.handleListRPC()
	case "create":
		return c.handleCreateRPC(msg)
	case "update":
		return c.handleUpdateRPC(msg)
	case "delete":
		return c.handleDeleteRPC(msg)
	case "start":
		return c.handleStartRPC(ctx, msg)
	case "stop", "shutdown":
		return c.handleStopRPC(msg)
	case "poweroff":
		return c.handlePoweroffRPC(msg)
	case "restart":
		return c.handleRestartRPC(ctx, msg)
	case "reset":
		return c.handleResetRPC(ctx, msg)
	default:
		return fmt.Errorf("unrecognized message type %q", msg.Type)
	}
}

func (c *wsClient) handleInitDisplay(ctx context.Context, vmName string) error {
	s, err := c.server.broker.InitDisplay(ctx, c.id, vmName, c.transport)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.active = s
	c.mu.Unlock()
	c.watch(vmName)
	return nil
}

func (c *wsClient) handleInput(msg inboundMessage) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return fmt.Errorf("no active display session")
	}
	return active.HandleInput(session.InboundEvent{
		Type:   msg.Type,
		X:      msg.X,
		Y:      msg.Y,
		Button: msg.Button,
		Key:    msg.Key,
		Code:   msg.Code,
	})
}

func (c *wsClient) handleListRPC() error {
	for _, cfg := range c.server.registry.List() {
		c.watch(cfg.Name)
		c.transport.sendEnvelope(mapWithType("vm_status", c.server.statusPayload(cfg.Name, cfg)))
	}
	return nil
}

func mapWithType(t string, m map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"type": t}
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *wsClient) handleCreateRPC(msg inboundMessage) error {
	if msg.Config == nil {
		return fmt.Errorf("create requires a config")
	}
	if err := c.server.provisionDisks(*msg.Config); err != nil {
		return err
	}
	return c.server.registry.Add(*msg.Config)
}

func (c *wsClient) handleUpdateRPC(msg inboundMessage) error {
	if msg.Config == nil {
		return fmt.Errorf("update requires a config")
	}
	if err := c.server.provisionDisks(*msg.Config); err != nil {
		return err
	}
	return c.server.registry.Update(msg.Name, *msg.Config)
}

func (c *wsClient) handleDeleteRPC(msg inboundMessage) error {
	if err := c.server.registry.Remove(msg.Name); err != nil {
		return err
	}
	c.server.broker.TeardownVM(msg.Name)
	c.server.bus.Remove(msg.Name)
	return nil
}

func (c *wsClient) handleStartRPC(ctx context.Context, msg inboundMessage) error {
	cfg, err := c.server.registry.Get(msg.Name)
	if err != nil {
		return err
	}
	if err := c.server.supervisor.Start(ctx, cfg); err != nil {
		return err
	}
	c.watch(msg.Name)
	return nil
}

func (c *wsClient) handleStopRPC(msg inboundMessage) error {
	if err := c.server.supervisor.Stop(msg.Name); err != nil {
		return err
	}
	c.server.broker.TeardownVM(msg.Name)
	return nil
}

func (c *wsClient) handlePoweroffRPC(msg inboundMessage) error {
	if err := c.server.supervisor.Poweroff(msg.Name); err != nil {
		return err
	}
	c.server.broker.TeardownVM(msg.Name)
	return nil
}

func (c *wsClient) handleRestartRPC(ctx context.Context, msg inboundMessage) error {
	c.server.broker.TeardownVM(msg.Name)
	return c.server.supervisor.Restart(ctx, msg.Name)
}

func (c *wsClient) handleResetRPC(ctx context.Context, msg inboundMessage) error {
	return c.server.supervisor.Reset(ctx, msg.Name)
}
