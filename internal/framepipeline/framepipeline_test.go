package framepipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qemud/qemud/internal/rfb"
)

var errCaptureFailed = errors.New("simulated capture failure")

func toBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// scriptedCapturer replays a fixed sequence of rectangle captures, one per
// ReadUpdate call, looping on the last entry once exhausted. A zero-value
// entry with err set fails that capture instead.
type scriptedCapturer struct {
	mu    sync.Mutex
	steps []capStep
	idx   int
	w, h  int
}

type capStep struct {
	rects []rfb.Rect
	err   error
}

func (c *scriptedCapturer) Dimensions() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w, c.h
}

func (c *scriptedCapturer) RequestUpdate(ctx context.Context, incremental bool, x, y, w, h int) error {
	return nil
}

func (c *scriptedCapturer) ReadUpdate(ctx context.Context, timeout time.Duration) ([]rfb.Rect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.idx
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	step := c.steps[i]
	if c.idx < len(c.steps) {
		c.idx++
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.rects, nil
}

// recordingSink captures every event the pipeline emits, in arrival order.
type recordingSink struct {
	mu          sync.Mutex
	frames      []FrameEvent
	resolutions []ResolutionChangedEvent
	reconnects  int
	frameCh     chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frameCh: make(chan struct{}, 64)}
}

func (s *recordingSink) EmitFrame(ev FrameEvent) {
	s.mu.Lock()
	s.frames = append(s.frames, ev)
	s.mu.Unlock()
	s.frameCh <- struct{}{}
}

func (s *recordingSink) EmitResolutionChanged(ev ResolutionChangedEvent) {
	s.mu.Lock()
	s.resolutions = append(s.resolutions, ev)
	s.mu.Unlock()
}

func (s *recordingSink) RequestReconnect() {
	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func solidRect(w, h int, value byte) rfb.Rect {
	rgb := make([]byte, w*h*3)
	for i := range rgb {
		rgb[i] = value
	}
	return rfb.Rect{X: 0, Y: 0, W: w, H: h, RGB: rgb}
}

func waitForFrames(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for sink.frameCount() < n {
		select {
		case <-sink.frameCh:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, sink.frameCount())
		}
	}
}

func TestFrameDedupEmitsOnceAndCountsIdenticalFrames(t *testing.T) {
	cap := &scriptedCapturer{
		w: 4, h: 4,
		steps: []capStep{
			{rects: []rfb.Rect{solidRect(4, 4, 7)}},
			{rects: []rfb.Rect{solidRect(4, 4, 7)}},
			{rects: []rfb.Rect{solidRect(4, 4, 7)}},
		},
	}
	sink := newRecordingSink()
	p := New(cap, sink, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	waitForFrames(t, sink, 1)
	// Give the loop a couple more passes over the byte-identical captures.
	deadline := time.After(2 * time.Second)
	for p.IdenticalFrameCount() < 2 {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("identical frame count stalled at %d", p.IdenticalFrameCount())
		}
	}

	cancel()
	p.Stop()

	if got := sink.frameCount(); got != 1 {
		t.Fatalf("expected exactly one vm_frame for byte-identical captures, got %d", got)
	}
	if got := p.IdenticalFrameCount(); got != 2 {
		t.Fatalf("expected identical-frame counter at 2, got %d", got)
	}
}

func TestResolutionChangeEmitsLeadingEvent(t *testing.T) {
	cap := &scriptedCapturer{
		w: 4, h: 4,
		steps: []capStep{
			{rects: []rfb.Rect{solidRect(4, 4, 1)}},
		},
	}
	sink := newRecordingSink()
	p := New(cap, sink, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	waitForFrames(t, sink, 1)

	// Simulate a dimension change by swapping in a new capturer state: grow
	// the framebuffer and feed a different pixel value so the hash changes
	// alongside the resize.
	cap.mu.Lock()
	cap.w, cap.h = 8, 8
	cap.steps = []capStep{{rects: []rfb.Rect{solidRect(8, 8, 2)}}}
	cap.idx = 0
	cap.mu.Unlock()

	waitForFrames(t, sink, 2)
	cancel()
	p.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.resolutions) != 1 {
		t.Fatalf("expected exactly one resolution_changed event, got %d", len(sink.resolutions))
	}
	got := sink.resolutions[0]
	if got.OldWidth != 4 || got.OldHeight != 4 || got.NewWidth != 8 || got.NewHeight != 8 {
		t.Fatalf("unexpected resolution_changed payload: %+v", got)
	}
	if len(sink.frames) != 2 {
		t.Fatalf("expected two frames total, got %d", len(sink.frames))
	}
	if sink.frames[1].Width != 8 || sink.frames[1].Height != 8 {
		t.Fatalf("frame following resize should report new dimensions, got %+v", sink.frames[1])
	}
}

func TestConsecutiveFailuresTriggerReconnect(t *testing.T) {
	cap := &scriptedCapturer{
		w: 2, h: 2,
		steps: []capStep{
			{err: errCaptureFailed},
			{err: errCaptureFailed},
			{err: errCaptureFailed},
			{err: errCaptureFailed},
			{err: errCaptureFailed},
			{err: errCaptureFailed},
		},
	}
	sink := newRecordingSink()
	p := New(cap, sink, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pipeline to give up and request reconnect")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.reconnects != 1 {
		t.Fatalf("expected exactly one reconnect request, got %d", sink.reconnects)
	}
}

func TestRecentFramesRoundTripsThroughCompression(t *testing.T) {
	cap := &scriptedCapturer{
		w: 4, h: 4,
		steps: []capStep{
			{rects: []rfb.Rect{solidRect(4, 4, 9)}},
		},
	}
	sink := newRecordingSink()
	p := New(cap, sink, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	waitForFrames(t, sink, 1)
	cancel()
	p.Stop()

	recent := p.RecentFrames(1)
	if len(recent) != 1 {
		t.Fatalf("expected one retained frame, got %d", len(recent))
	}
	sink.mu.Lock()
	want := sink.frames[0].Payload
	sink.mu.Unlock()
	gotB64 := toBase64(recent[0])
	if gotB64 != want {
		t.Fatalf("recent frame payload does not match emitted frame after compress/decompress round trip")
	}
}
