package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/qemud/qemud/internal/qerrors"
	"github.com/qemud/qemud/internal/rfb"
	"github.com/qemud/qemud/internal/supervisor"
	"github.com/qemud/qemud/internal/vmconfig"
)

type fakeStates struct {
	mu       sync.Mutex
	state    supervisor.State
	addr     string
	hasAddr  bool
	crashFns []func(string)
}

func (f *fakeStates) State(string) supervisor.State { return f.state }
func (f *fakeStates) DisplayAddress(string) (string, bool) { return f.addr, f.hasAddr }
func (f *fakeStates) OnCrash(fn func(string)) {
	f.mu.Lock()
	f.crashFns = append(f.crashFns, fn)
	f.mu.Unlock()
}
func (f *fakeStates) crash(name string) {
	f.mu.Lock()
	fns := append([]func(string)(nil), f.crashFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(name)
	}
}

type fakeConfigs struct {
	cfg vmconfig.VMConfig
}

func (f *fakeConfigs) Get(name string) (vmconfig.VMConfig, error) {
	c := f.cfg
	c.Name = name
	return c, nil
}

type fakeConn struct {
	mu       sync.Mutex
	w, h     int
	keys     []uint32
	pointers [][3]int // x, y, mask
	alive    bool
	closed   bool
}

func (c *fakeConn) Dimensions() (int, int) { return c.w, c.h }
func (c *fakeConn) RequestUpdate(ctx context.Context, incremental bool, x, y, w, h int) error {
	return nil
}
func (c *fakeConn) ReadUpdate(ctx context.Context, timeout time.Duration) ([]rfb.Rect, error) {
	rgb := make([]byte, c.w*c.h*3)
	return []rfb.Rect{{X: 0, Y: 0, W: c.w, H: c.h, RGB: rgb}}, nil
}
func (c *fakeConn) SendKey(keysym uint32, down bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, keysym)
	return nil
}
func (c *fakeConn) SendPointer(x, y int, buttonMask byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pointers = append(c.pointers, [3]int{x, y, int(buttonMask)})
	return nil
}
func (c *fakeConn) IsAlive(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (t *fakeTransport) SendEvent(event string, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
	return nil
}
func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func newTestBroker(t *testing.T, states *fakeStates, conn *fakeConn) *Broker {
	t.Helper()
	b := NewBroker(states, &fakeConfigs{}, time.Second, 100*time.Millisecond, 50*time.Millisecond)
	b.WithDialer(func(ctx context.Context, addr, password string, timeout time.Duration) (RFBConn, error) {
		return conn, nil
	})
	return b
}

func TestInitDisplayRejectsNonRunningVM(t *testing.T) {
	states := &fakeStates{state: supervisor.StateStopped}
	b := newTestBroker(t, states, &fakeConn{w: 4, h: 4})
	_, err := b.InitDisplay(context.Background(), "s1", "alpha", &fakeTransport{})
	if err == nil {
		t.Fatal("expected BrokerError for non-running VM")
	}
	if !qerrors.Is(err, qerrors.KindBroker) {
		t.Fatalf("expected BrokerError, got %v (%T)", err, err)
	}
}

func TestHandleInputMaintainsCumulativeButtonMask(t *testing.T) {
	states := &fakeStates{state: supervisor.StateRunning, addr: "127.0.0.1:5900", hasAddr: true}
	conn := &fakeConn{w: 4, h: 4, alive: true}
	b := newTestBroker(t, states, conn)
	transport := &fakeTransport{}

	s, err := b.InitDisplay(context.Background(), "s1", "alpha", transport)
	if err != nil {
		t.Fatalf("InitDisplay: %v", err)
	}
	defer b.Teardown("s1")

	down0 := 0
	if err := s.HandleInput(InboundEvent{Type: "mousedown", Button: &down0}); err != nil {
		t.Fatalf("mousedown: %v", err)
	}
	down2 := 2
	if err := s.HandleInput(InboundEvent{Type: "mousedown", Button: &down2}); err != nil {
		t.Fatalf("mousedown: %v", err)
	}
	conn.mu.Lock()
	last := conn.pointers[len(conn.pointers)-1]
	conn.mu.Unlock()
	if last[2] != 0b101 {
		t.Fatalf("expected mask 0b101 after pressing buttons 0 and 2, got %b", last[2])
	}

	// Out-of-range button must not corrupt the mask.
	outOfRange := 7
	if err := s.HandleInput(InboundEvent{Type: "mousedown", Button: &outOfRange}); err != nil {
		t.Fatalf("mousedown out-of-range: %v", err)
	}
	conn.mu.Lock()
	last = conn.pointers[len(conn.pointers)-1]
	conn.mu.Unlock()
	if last[2] != 0b101 {
		t.Fatalf("out-of-range button index changed the mask: %b", last[2])
	}
	if last[2]&^0b111 != 0 {
		t.Fatalf("mask has bits set outside 0..2: %b", last[2])
	}

	if err := s.HandleInput(InboundEvent{Type: "mouseup", Button: &down0}); err != nil {
		t.Fatalf("mouseup: %v", err)
	}
	conn.mu.Lock()
	last = conn.pointers[len(conn.pointers)-1]
	conn.mu.Unlock()
	if last[2] != 0b100 {
		t.Fatalf("expected mask 0b100 after releasing button 0, got %b", last[2])
	}
}

func TestHandleInputDropsUnmappedKeys(t *testing.T) {
	states := &fakeStates{state: supervisor.StateRunning, addr: "127.0.0.1:5900", hasAddr: true}
	conn := &fakeConn{w: 4, h: 4, alive: true}
	b := newTestBroker(t, states, conn)
	s, err := b.InitDisplay(context.Background(), "s1", "alpha", &fakeTransport{})
	if err != nil {
		t.Fatalf("InitDisplay: %v", err)
	}
	defer b.Teardown("s1")

	if err := s.HandleInput(InboundEvent{Type: "keydown", Key: "a"}); err != nil {
		t.Fatalf("keydown a: %v", err)
	}
	if err := s.HandleInput(InboundEvent{Type: "keydown", Key: "SomeUnknownKey"}); err != nil {
		t.Fatalf("keydown unmapped should be a dropped no-op, not an error: %v", err)
	}
	if err := s.HandleInput(InboundEvent{Type: "keydown", Key: "Enter"}); err != nil {
		t.Fatalf("keydown Enter: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.keys) != 2 {
		t.Fatalf("expected 2 key sends (unmapped key dropped), got %d: %v", len(conn.keys), conn.keys)
	}
	if conn.keys[0] != 'a' {
		t.Fatalf("expected single-char key 'a' to map to its code point, got %#x", conn.keys[0])
	}
	if conn.keys[1] != 0xff0d {
		t.Fatalf("expected Enter to map to 0xff0d, got %#x", conn.keys[1])
	}
}

// TestCrashNotificationRetriesBeforeGivingUp covers spec.md's "notified to
// attempt reconnection (bounded retries, exponential backoff)": a crashed
// VM that never comes back causes bounded, failing reconnect attempts and
// only then a teardown — not an immediate one. The shared transport must
// survive the teardown, since other sessions on the same connection may
// still be live (spec §6's single multiplexed connection).
func TestCrashNotificationRetriesBeforeGivingUp(t *testing.T) {
	states := &fakeStates{state: supervisor.StateRunning, addr: "127.0.0.1:5900", hasAddr: true}
	conn := &fakeConn{w: 4, h: 4, alive: true}
	b := newTestBroker(t, states, conn)
	b.WithCrashBackoff(3, 5*time.Millisecond)
	transport := &fakeTransport{}

	if _, err := b.InitDisplay(context.Background(), "s1", "alpha", transport); err != nil {
		t.Fatalf("InitDisplay: %v", err)
	}

	// Simulate the VM actually being gone: DisplayAddress no longer
	// resolves, so every reconnect attempt fails.
	states.mu.Lock()
	states.hasAddr = false
	states.mu.Unlock()

	states.crash("alpha")

	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		_, stillPresent := b.sessions["s1"]
		b.mu.Unlock()
		if !stillPresent {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("session was not torn down after exhausting reconnect attempts")
		}
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.closed {
		t.Fatal("transport must not be closed by a single VM's session teardown — it is shared by the browser connection")
	}
	errCount := 0
	for _, ev := range transport.events {
		if ev == "error" {
			errCount++
		}
	}
	if errCount != 3 {
		t.Fatalf("expected 3 reconnect-failure error events, got %d (%v)", errCount, transport.events)
	}
}

// TestCrashNotificationReconnectsWhenVMComesBack covers the complementary
// case: if DisplayAddress resolves again (e.g. the VM was restarted)
// before attempts are exhausted, the session survives instead of being
// torn down.
func TestCrashNotificationReconnectsWhenVMComesBack(t *testing.T) {
	states := &fakeStates{state: supervisor.StateRunning, addr: "127.0.0.1:5900", hasAddr: true}

	var mu sync.Mutex
	dialCount := 0
	b := NewBroker(states, &fakeConfigs{}, time.Second, 100*time.Millisecond, time.Hour)
	b.WithDialer(func(ctx context.Context, addr, password string, timeout time.Duration) (RFBConn, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		return &fakeConn{w: 4, h: 4, alive: true}, nil
	})
	b.WithCrashBackoff(5, 2*time.Second) // long enough that the test would time out if it fell through to teardown

	transport := &fakeTransport{}
	if _, err := b.InitDisplay(context.Background(), "s1", "alpha", transport); err != nil {
		t.Fatalf("InitDisplay: %v", err)
	}
	defer b.Teardown("s1")

	states.crash("alpha")

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		reconnected := dialCount >= 2
		mu.Unlock()
		if reconnected {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("session never redialed after a crash notification with a resolvable display address")
		}
	}

	b.mu.Lock()
	_, stillPresent := b.sessions["s1"]
	b.mu.Unlock()
	if !stillPresent {
		t.Fatal("session should survive a successful reconnect, not be torn down")
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.closed {
		t.Fatal("transport must never be closed by session-level crash handling")
	}
}
