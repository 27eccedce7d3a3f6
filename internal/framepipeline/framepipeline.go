// Package framepipeline implements the capture→hash→dedup→encode→emit loop
// bound to one RFB session (spec §4.6).
//
// The dedup/emit step hands events to its Sink through a small buffered
// channel with drop-when-slow delivery, the same non-blocking-send
// discipline the teacher's internal/tether.ringBuffer uses to keep a slow
// subscriber from stalling the producer. Retained frame history (for a
// future reconnect to replay from) is kept compressed via
// github.com/klauspost/compress/flate rather than raw, since a session can
// run a long time and JPEG frames add up; the wire frame sent to the
// browser is always the original uncompressed bytes, so this never changes
// what spec §6's vm_frame event carries.
package framepipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/flate"
	"golang.org/x/image/draw"

	"github.com/qemud/qemud/internal/rfb"
)

const (
	maxConsecutiveFailures = 5
	targetFPS              = 30
	minFrameInterval       = time.Second / targetFPS
	identicalFrameSleep    = 10 * time.Millisecond
	jpegQuality            = 85
	historyCapacity        = 8
)

// Capturer is the subset of rfb.Client the pipeline drives. Narrowed to an
// interface so tests can script canned rectangles instead of a live VNC
// server, the same dependency-injection shape as capability.Runner and
// argbuilder.Capabilities.
type Capturer interface {
	RequestUpdate(ctx context.Context, incremental bool, x, y, w, h int) error
	ReadUpdate(ctx context.Context, timeout time.Duration) ([]rfb.Rect, error)
	Dimensions() (int, int)
}

// FrameEvent is the payload of a vm_frame wire event (spec §6).
type FrameEvent struct {
	Payload  string // base64
	Width    int
	Height   int
	Encoding string // "base64"
	Format   string // "jpeg"
}

// ResolutionChangedEvent is the payload of a resolution_changed wire event.
type ResolutionChangedEvent struct {
	OldWidth, OldHeight int
	NewWidth, NewHeight int
}

// Sink receives events produced by a Pipeline and is notified when the
// session should be reconnected after too many consecutive capture
// failures. Implemented by internal/session.
type Sink interface {
	EmitFrame(FrameEvent)
	EmitResolutionChanged(ResolutionChangedEvent)
	RequestReconnect()
}

// pipelineEvent carries exactly one of the two event kinds the loop
// produces. A single channel is used (rather than one channel per kind) so
// the required "resolution_changed precedes its frame" ordering (spec §4.6
// step 5, property test 7) falls out of plain FIFO delivery instead of
// needing to be reconstructed from two independently-scheduled channels.
type pipelineEvent struct {
	resolution *ResolutionChangedEvent
	frame      *FrameEvent
}

// Pipeline runs the capture loop for a single session.
type Pipeline struct {
	capturer    Capturer
	sink        Sink
	readTimeout time.Duration

	out  chan pipelineEvent
	stop chan struct{}
	done chan struct{}

	mu             sync.Mutex
	haveHash       bool
	lastHash       uint64
	lastW, lastH   int
	identicalCount int
	history        *frameHistory
}

// New creates a Pipeline that drives capturer and delivers events to sink.
// readTimeout bounds each ReadUpdate call.
func New(capturer Capturer, sink Sink, readTimeout time.Duration) *Pipeline {
	return &Pipeline{
		capturer:    capturer,
		sink:        sink,
		readTimeout: readTimeout,
		out:         make(chan pipelineEvent, 4),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		history:     newFrameHistory(historyCapacity),
	}
}

// IdenticalFrameCount returns how many consecutive captures since the last
// emitted frame hashed identical to it (property test 6).
func (p *Pipeline) IdenticalFrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identicalCount
}

// RecentFrames decompresses and returns up to n of the most recently
// emitted frame payloads, oldest first.
func (p *Pipeline) RecentFrames(n int) [][]byte {
	return p.history.Recent(n)
}

// Stop ends the capture loop. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.closeStop()
	<-p.done
}

func (p *Pipeline) closeStop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Run drives the capture loop until ctx is cancelled, Stop is called, or
// consecutive capture failures exceed maxConsecutiveFailures (in which case
// Sink.RequestReconnect is called and Run returns).
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		p.forward(ctx)
	}()
	defer func() { <-forwardDone }()
	// Whatever reason the loop below exits for — context cancellation,
	// Stop(), or giving up after too many failures — make sure forward()
	// is told to stop too, so its goroutine can't outlive Run. Deferred
	// last so it runs first, before we wait on forwardDone above.
	defer p.closeStop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		start := time.Now()
		rects, w, h, err := p.capture(ctx)
		if err != nil {
			failures++
			if failures > maxConsecutiveFailures {
				p.sink.RequestReconnect()
				return
			}
			p.sleepRemainder(start)
			continue
		}
		failures = 0

		if !p.process(rects, w, h) {
			time.Sleep(identicalFrameSleep)
		}
		p.sleepRemainder(start)
	}
}

func (p *Pipeline) sleepRemainder(start time.Time) {
	if elapsed := time.Since(start); elapsed < minFrameInterval {
		time.Sleep(minFrameInterval - elapsed)
	}
}

func (p *Pipeline) capture(ctx context.Context) ([]rfb.Rect, int, int, error) {
	w, h := p.capturer.Dimensions()
	if err := p.capturer.RequestUpdate(ctx, false, 0, 0, w, h); err != nil {
		return nil, 0, 0, err
	}
	rects, err := p.capturer.ReadUpdate(ctx, p.readTimeout)
	if err != nil {
		return nil, 0, 0, err
	}
	return rects, w, h, nil
}

// process assembles rects into a flat buffer, dedups against the last
// emitted hash, and on a genuine change encodes and queues a frame event
// (preceded by a resolution_changed event when dimensions moved). It
// returns whether a frame was emitted.
func (p *Pipeline) process(rects []rfb.Rect, w, h int) bool {
	buf := assembleFrame(w, h, rects)
	hash := xxhash.Sum64(buf)

	p.mu.Lock()
	resized := p.haveHash && (p.lastW != w || p.lastH != h)
	oldW, oldH := p.lastW, p.lastH
	unchanged := p.haveHash && !resized && hash == p.lastHash
	if unchanged {
		p.identicalCount++
		p.mu.Unlock()
		return false
	}
	p.identicalCount = 0
	p.lastHash = hash
	p.lastW, p.lastH = w, h
	p.haveHash = true
	p.mu.Unlock()

	payload, err := encodeJPEG(w, h, buf)
	if err != nil {
		return false
	}
	p.history.put(payload)

	if resized {
		p.enqueue(pipelineEvent{resolution: &ResolutionChangedEvent{
			OldWidth: oldW, OldHeight: oldH, NewWidth: w, NewHeight: h,
		}})
	}
	p.enqueue(pipelineEvent{frame: &FrameEvent{
		Payload:  base64.StdEncoding.EncodeToString(payload),
		Width:    w,
		Height:   h,
		Encoding: "base64",
		Format:   "jpeg",
	}})
	return true
}

// enqueue drops the event rather than blocking the capture loop when the
// forwarder is behind, matching the ring buffer's drop-when-slow delivery.
func (p *Pipeline) enqueue(ev pipelineEvent) {
	select {
	case p.out <- ev:
	default:
	}
}

func (p *Pipeline) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case ev, ok := <-p.out:
			if !ok {
				return
			}
			if ev.resolution != nil {
				p.sink.EmitResolutionChanged(*ev.resolution)
			}
			if ev.frame != nil {
				p.sink.EmitFrame(*ev.frame)
			}
		}
	}
}

// assembleFrame paints every rectangle into a flat w*h*3 row-major RGB
// buffer. A fresh capture covers the whole framebuffer in one rectangle in
// the common case, but multi-rect responses are handled for correctness.
func assembleFrame(w, h int, rects []rfb.Rect) []byte {
	buf := make([]byte, w*h*3)
	for _, r := range rects {
		for row := 0; row < r.H; row++ {
			srcY := r.Y + row
			if srcY < 0 || srcY >= h {
				continue
			}
			srcOff := row * r.W * 3
			dstOff := (srcY*w + r.X) * 3
			n := r.W * 3
			if r.X+r.W > w {
				n = (w - r.X) * 3
			}
			if n <= 0 || srcOff+n > len(r.RGB) || dstOff+n > len(buf) {
				continue
			}
			copy(buf[dstOff:dstOff+n], r.RGB[srcOff:srcOff+n])
		}
	}
	return buf
}

// encodeJPEG encodes a flat RGB buffer at jpegQuality. The primary path
// copies the RGB pixels into a new image.NRGBA with alpha=255; if the
// standard encoder rejects that representation, it
// falls back to normalizing through golang.org/x/image/draw into a
// canonical image.RGBA and retries once.
func encodeJPEG(w, h int, rgb []byte) ([]byte, error) {
	img := rgbToNRGBA(w, h, rgb)
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality}); err == nil {
		return out.Bytes(), nil
	}

	normalized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(normalized, normalized.Bounds(), img, image.Point{}, draw.Src)
	out.Reset()
	if err := jpeg.Encode(&out, normalized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out.Bytes(), nil
}

func rgbToNRGBA(w, h int, rgb []byte) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	n := w * h
	if len(rgb) < n*3 {
		n = len(rgb) / 3
	}
	for i := 0; i < n; i++ {
		img.Pix[i*4+0] = rgb[i*3+0]
		img.Pix[i*4+1] = rgb[i*3+1]
		img.Pix[i*4+2] = rgb[i*3+2]
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// frameHistory retains the last few emitted JPEG payloads compressed, for a
// future session reconnect to replay from without re-requesting a full
// capture. Never consulted by the wire protocol directly.
type frameHistory struct {
	mu  sync.Mutex
	cap int
	buf [][]byte
}

func newFrameHistory(capacity int) *frameHistory {
	return &frameHistory{cap: capacity}
}

func (h *frameHistory) put(payload []byte) {
	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return
	}
	if err := w.Close(); err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, compressed.Bytes())
	if len(h.buf) > h.cap {
		h.buf = h.buf[len(h.buf)-h.cap:]
	}
}

// Recent decompresses and returns up to n of the most recently retained
// frame payloads, oldest first.
func (h *frameHistory) Recent(n int) [][]byte {
	h.mu.Lock()
	start := 0
	if n > 0 && n < len(h.buf) {
		start = len(h.buf) - n
	}
	src := append([][]byte(nil), h.buf[start:]...)
	h.mu.Unlock()

	out := make([][]byte, 0, len(src))
	for _, c := range src {
		r := flate.NewReader(bytes.NewReader(c))
		var dec bytes.Buffer
		if _, err := dec.ReadFrom(r); err != nil {
			r.Close()
			continue
		}
		r.Close()
		out = append(out, dec.Bytes())
	}
	return out
}
