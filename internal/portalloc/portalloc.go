// Package portalloc allocates free TCP ports from configured ranges by
// probing an actual loopback bind, matching spec §4.1. The allocation
// scheme (a per-range bitmap plus lowest-free tie-break) is grounded on
// the teacher's subnet/tap index allocation in internal/vmm/cloudhv.go
// (CreateVM's atomic subnetCounter), generalized from "next subnet index"
// to "next free bound port" and serialized per range instead of lock-free,
// since acquire must actually probe the OS for freedom, not just bump a
// counter.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when no free port remains in a range.
var ErrExhausted = errors.New("portalloc: no free port in range")

// Range identifies a named port range (e.g. "rfb", "websocket").
type Range struct {
	Name      string
	BasePort  int
	Span      int
}

// Allocator hands out loopback-bound-verified ports from one or more
// named ranges. acquire/release are serialized per range (spec §4.1's
// "Concurrency: acquire/release are serialized per range").
type Allocator struct {
	mu     sync.Mutex
	ranges map[string]Range
	used   map[string]map[int]bool // range name -> set of allocated ports
}

// New creates an Allocator over the given ranges.
func New(ranges ...Range) *Allocator {
	a := &Allocator{
		ranges: make(map[string]Range, len(ranges)),
		used:   make(map[string]map[int]bool, len(ranges)),
	}
	for _, r := range ranges {
		a.ranges[r.Name] = r
		a.used[r.Name] = make(map[int]bool)
	}
	return a
}

// Acquire reserves the lowest free port in the named range, verifying
// freedom with a real loopback bind probe. Callers MUST call Release on
// every non-happy path (scoped acquisition pattern, spec §4.1).
func (a *Allocator) Acquire(rangeName string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.ranges[rangeName]
	if !ok {
		return 0, fmt.Errorf("portalloc: unknown range %q", rangeName)
	}
	used := a.used[rangeName]

	for offset := 0; offset < r.Span; offset++ {
		port := r.BasePort + offset
		if used[port] {
			continue
		}
		if !probeBind(port) {
			continue
		}
		used[port] = true
		return port, nil
	}
	return 0, ErrExhausted
}

// Release frees a previously acquired port back to its range. Releasing a
// port not currently held, or an unknown range, is a no-op.
func (a *Allocator) Release(rangeName string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if used, ok := a.used[rangeName]; ok {
		delete(used, port)
	}
}

// probeBind reports whether port is currently bindable on loopback.
func probeBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
