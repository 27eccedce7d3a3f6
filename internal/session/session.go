// Package session implements the SessionBroker (spec §4.8): it owns one
// SessionState per connected browser client, creates and tears down the
// RFBClient + FramePipeline pair backing it, translates inbound input
// events into RFBClient calls, and runs the periodic health check that
// drives reconnection.
//
// The broker's "one map entry per connected client, closed on teardown"
// shape is grounded on the teacher's internal/tether.Store: a per-key
// entry created on first use and torn down explicitly, rather than a
// process-wide singleton.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/qemud/qemud/internal/framepipeline"
	"github.com/qemud/qemud/internal/qerrors"
	"github.com/qemud/qemud/internal/rfb"
	"github.com/qemud/qemud/internal/supervisor"
	"github.com/qemud/qemud/internal/vmconfig"
)

// RFBConn is the subset of rfb.Client a Session drives: framepipeline's
// capture calls plus input/liveness. Narrowed to an interface so tests can
// substitute a scripted double instead of a live VNC server.
type RFBConn interface {
	framepipeline.Capturer
	SendKey(keysym uint32, down bool) error
	SendPointer(x, y int, buttonMask byte) error
	IsAlive(ctx context.Context, timeout time.Duration) bool
	Close() error
}

// Dialer opens an RFBConn to addr. Overridable in tests; defaults to
// wrapping rfb.Dial.
type Dialer func(ctx context.Context, addr, password string, timeout time.Duration) (RFBConn, error)

func defaultDialer(ctx context.Context, addr, password string, timeout time.Duration) (RFBConn, error) {
	return rfb.Dial(ctx, addr, password, timeout)
}

// VMStates is the slice of Supervisor a Broker needs: display lookup and
// crash notification. Supervisor satisfies this directly.
type VMStates interface {
	State(name string) supervisor.State
	DisplayAddress(name string) (string, bool)
	OnCrash(fn func(name string))
}

// ConfigLookup is the slice of Registry a Broker needs.
type ConfigLookup interface {
	Get(name string) (vmconfig.VMConfig, error)
}

// Transport is the outbound browser channel. Implemented over
// github.com/coder/websocket by the HTTP layer; a test double records
// events instead of writing wire frames.
type Transport interface {
	SendEvent(event string, payload interface{}) error
	Close() error
}

// InboundEvent is one vm_input message from the browser (spec §6).
type InboundEvent struct {
	Type   string `json:"type"`
	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
	Button *int   `json:"button,omitempty"`
	Key    string `json:"key,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Broker owns every live Session, keyed by session ID.
type Broker struct {
	states  VMStates
	configs ConfigLookup
	dial    Dialer

	connectTimeout time.Duration
	readTimeout    time.Duration
	healthInterval time.Duration

	crashReconnectAttempts  int
	crashReconnectBaseDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	byVM     map[string]map[string]bool // vmName -> set of sessionIDs
}

// defaultCrashReconnectAttempts and defaultCrashReconnectBaseDelay bound
// the "bounded retries, exponential backoff" reconnection spec.md requires
// of sessions attached to a VM that exits (spec.md: "Cleanup on
// shutdown"). A session that exhausts every attempt is torn down.
const (
	defaultCrashReconnectAttempts  = 5
	defaultCrashReconnectBaseDelay = 500 * time.Millisecond
)

// NewBroker creates a Broker. connectTimeout bounds the RFB dial,
// readTimeout bounds each frame capture, healthInterval paces the
// liveness check (spec §4.8: "every ~10s").
func NewBroker(states VMStates, configs ConfigLookup, connectTimeout, readTimeout, healthInterval time.Duration) *Broker {
	b := &Broker{
		states:                  states,
		configs:                 configs,
		dial:                    defaultDialer,
		connectTimeout:          connectTimeout,
		readTimeout:             readTimeout,
		healthInterval:          healthInterval,
		crashReconnectAttempts:  defaultCrashReconnectAttempts,
		crashReconnectBaseDelay: defaultCrashReconnectBaseDelay,
		sessions:                make(map[string]*Session),
		byVM:                    make(map[string]map[string]bool),
	}
	states.OnCrash(func(name string) { b.notifyCrash(name) })
	return b
}

// WithCrashBackoff overrides the crash-reconnect attempt count and base
// delay (tests only).
func (b *Broker) WithCrashBackoff(attempts int, baseDelay time.Duration) *Broker {
	b.crashReconnectAttempts = attempts
	b.crashReconnectBaseDelay = baseDelay
	return b
}

// notifyCrash tells every session attached to vmName to attempt
// reconnection rather than tearing them down immediately, since the
// browser client may still be watching other VMs on the same connection.
func (b *Broker) notifyCrash(vmName string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byVM[vmName]))
	for id := range b.byVM[vmName] {
		ids = append(ids, id)
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := b.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	b.mu.Unlock()

	for _, s := range sessions {
		go s.reconnectWithBackoff()
	}
}

// WithDialer overrides the RFB dial function (tests only).
func (b *Broker) WithDialer(d Dialer) *Broker {
	b.dial = d
	return b
}

// InitDisplay handles a client's init_display{vmId} message: confirms the
// VM is running, looks up its display address and password, dials an
// RFBConn, and starts a FramePipeline delivering frames to transport.
func (b *Broker) InitDisplay(ctx context.Context, sessionID, vmName string, transport Transport) (*Session, error) {
	if b.states.State(vmName) != supervisor.StateRunning {
		return nil, qerrors.Broker(fmt.Sprintf("VM %q is not running", vmName), nil)
	}
	addr, ok := b.states.DisplayAddress(vmName)
	if !ok {
		return nil, qerrors.Broker(fmt.Sprintf("VM %q has no display", vmName), nil)
	}
	cfg, err := b.configs.Get(vmName)
	if err != nil {
		return nil, qerrors.Broker(fmt.Sprintf("VM %q not found", vmName), err)
	}

	conn, err := b.dial(ctx, addr, cfg.Display.Password, b.connectTimeout)
	if err != nil {
		return nil, qerrors.RFB(fmt.Sprintf("connect to display for %q", vmName), err)
	}

	s := &Session{
		id:        sessionID,
		vmName:    vmName,
		broker:    b,
		transport: transport,
		addr:      addr,
		password:  cfg.Display.Password,
		conn:      conn,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.pipeline = framepipeline.New(conn, s, b.readTimeout)

	b.mu.Lock()
	b.sessions[sessionID] = s
	if b.byVM[vmName] == nil {
		b.byVM[vmName] = make(map[string]bool)
	}
	b.byVM[vmName][sessionID] = true
	b.mu.Unlock()

	go s.pipeline.Run(context.Background())
	go s.healthCheckLoop()

	return s, nil
}

// Teardown stops and removes the named session, if present.
func (b *Broker) Teardown(sessionID string) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
		if set := b.byVM[s.vmName]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(b.byVM, s.vmName)
			}
		}
	}
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// TeardownVM tears down every session bound to vmName. The API layer calls
// it after an explicit stop, poweroff, restart or delete; crash detection
// instead starts reconnectWithBackoff (spec §4.8: "on session teardown or
// VM stop").
func (b *Broker) TeardownVM(vmName string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byVM[vmName]))
	for id := range b.byVM[vmName] {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Teardown(id)
	}
}

// Session is one connected browser client's RFB + FramePipeline pair.
type Session struct {
	id     string
	vmName string
	broker *Broker

	transport Transport
	addr      string
	password  string

	mu         sync.Mutex
	conn       RFBConn
	pipeline   *framepipeline.Pipeline
	buttonMask byte
	closed     bool

	stop chan struct{}
	done chan struct{}
}

// EmitFrame implements framepipeline.Sink.
func (s *Session) EmitFrame(ev framepipeline.FrameEvent) {
	s.transport.SendEvent("vm_frame", map[string]interface{}{
		"frame":    ev.Payload,
		"width":    ev.Width,
		"height":   ev.Height,
		"encoding": ev.Encoding,
		"format":   ev.Format,
	})
}

// EmitResolutionChanged implements framepipeline.Sink.
func (s *Session) EmitResolutionChanged(ev framepipeline.ResolutionChangedEvent) {
	s.transport.SendEvent("resolution_changed", map[string]interface{}{
		"oldWidth":  ev.OldWidth,
		"oldHeight": ev.OldHeight,
		"newWidth":  ev.NewWidth,
		"newHeight": ev.NewHeight,
	})
}

// RequestReconnect implements framepipeline.Sink: FramePipeline gave up
// after too many consecutive capture failures. The reconnect runs on its
// own goroutine, since it stops the old pipeline and waits for that
// pipeline's Run, the caller here, to return.
func (s *Session) RequestReconnect() {
	go func() {
		if err := s.reconnect(); err != nil {
			s.transport.SendEvent("error", map[string]interface{}{"message": err.Error()})
		}
	}()
}

// HandleInput translates one vm_input event into an RFBConn call,
// maintaining the cumulative pointer button mask (spec §4.8, property 8).
func (s *Session) HandleInput(ev InboundEvent) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return qerrors.Broker("session has no active display connection", nil)
	}

	switch ev.Type {
	case "mousemove":
		x, y := s.clamp(conn, intOr(ev.X), intOr(ev.Y))
		return conn.SendPointer(x, y, s.currentMask())
	case "mousedown":
		x, y := s.clamp(conn, intOr(ev.X), intOr(ev.Y))
		mask := s.setButton(ev.Button, true)
		return conn.SendPointer(x, y, mask)
	case "mouseup":
		x, y := s.clamp(conn, intOr(ev.X), intOr(ev.Y))
		mask := s.setButton(ev.Button, false)
		return conn.SendPointer(x, y, mask)
	case "keydown":
		sym, ok := keysymFor(ev.Key)
		if !ok {
			log.Printf("session %s: dropping unmapped key %q", s.id, ev.Key)
			return nil
		}
		return conn.SendKey(sym, true)
	case "keyup":
		sym, ok := keysymFor(ev.Key)
		if !ok {
			log.Printf("session %s: dropping unmapped key %q", s.id, ev.Key)
			return nil
		}
		return conn.SendKey(sym, false)
	default:
		return qerrors.Broker(fmt.Sprintf("unrecognized input event type %q", ev.Type), nil)
	}
}

// clamp confines a pointer event to [0, width) x [0, height), the
// framebuffer's current dimensions (spec §4.8, property 8).
func (s *Session) clamp(conn RFBConn, x, y int) (int, int) {
	w, h := conn.Dimensions()
	if w > 0 {
		if x < 0 {
			x = 0
		} else if x >= w {
			x = w - 1
		}
	}
	if h > 0 {
		if y < 0 {
			y = 0
		} else if y >= h {
			y = h - 1
		}
	}
	return x, y
}

func intOr(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// setButton sets or clears bit `button` (0..2) in the cumulative mask and
// returns the updated value. Out-of-range button indices leave the mask
// unchanged, preserving the "only bits 0..2 set" invariant.
func (s *Session) setButton(button *int, down bool) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if button != nil && *button >= 0 && *button <= 2 {
		bit := byte(1) << uint(*button)
		if down {
			s.buttonMask |= bit
		} else {
			s.buttonMask &^= bit
		}
	}
	return s.buttonMask
}

func (s *Session) currentMask() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buttonMask
}

// healthCheckLoop performs IsAlive every broker.healthInterval, attempting
// one reconnect on failure (spec §4.8).
func (s *Session) healthCheckLoop() {
	ticker := time.NewTicker(s.broker.healthInterval)
	defer ticker.Stop()
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.broker.connectTimeout)
			alive := conn.IsAlive(ctx, s.broker.connectTimeout)
			cancel()
			if !alive {
				if err := s.reconnect(); err != nil {
					s.transport.SendEvent("error", map[string]interface{}{"message": err.Error()})
				}
			}
		}
	}
}

// reconnect replaces the session's RFBConn and FramePipeline with a fresh
// pair, restarting capture. The display address is re-resolved from
// VMStates rather than reusing the address captured at InitDisplay time,
// since a crashed-then-restarted VM may have been handed a different port.
// The old pipeline and connection are stopped/closed first.
func (s *Session) reconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	oldPipeline := s.pipeline
	oldConn := s.conn
	s.mu.Unlock()

	addr, ok := s.broker.states.DisplayAddress(s.vmName)
	if !ok {
		return qerrors.Broker(fmt.Sprintf("VM %q has no display to reconnect to", s.vmName), nil)
	}

	if oldPipeline != nil {
		oldPipeline.Stop()
	}
	if oldConn != nil {
		oldConn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.broker.connectTimeout)
	conn, err := s.broker.dial(ctx, addr, s.password, s.broker.connectTimeout)
	cancel()
	if err != nil {
		return qerrors.RFB(fmt.Sprintf("reconnect to display for %q", s.vmName), err)
	}

	pipeline := framepipeline.New(conn, s, s.broker.readTimeout)
	s.mu.Lock()
	s.addr = addr
	s.conn = conn
	s.pipeline = pipeline
	s.mu.Unlock()

	go pipeline.Run(context.Background())
	return nil
}

// reconnectWithBackoff is the crash-notification path (spec.md: "notified
// to attempt reconnection (bounded retries, exponential backoff)"). Each
// failed attempt emits an error event and waits a doubling delay before
// the next; exhausting every attempt tears the session down rather than
// retrying forever.
func (s *Session) reconnectWithBackoff() {
	attempts := s.broker.crashReconnectAttempts
	delay := s.broker.crashReconnectBaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.reconnect(); err == nil {
			return
		} else if s.isClosed() {
			return
		} else {
			s.transport.SendEvent("error", map[string]interface{}{
				"message": fmt.Sprintf("reconnect attempt %d/%d failed for %q: %v", attempt, attempts, s.vmName, err),
			})
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-s.stop:
			return
		}
		delay *= 2
	}
	s.broker.Teardown(s.id)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close releases this session's display resources (pipeline, RFB
// connection). It never closes the shared Transport: one browser
// connection multiplexes many sessions, so tearing one VM's session down
// must not disconnect the client from every other VM it is watching or
// controlling (spec §6).
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pipeline := s.pipeline
	conn := s.conn
	s.mu.Unlock()

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done

	if pipeline != nil {
		pipeline.Stop()
	}
	if conn != nil {
		conn.Close()
	}
}
