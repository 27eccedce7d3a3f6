// Package statusbus fans out per-VM status snapshots to subscribers,
// coalescing bursts so a slow subscriber misses samples rather than
// accumulating a backlog (spec §2's StatusBus, §9 Supervisor status sampling). The
// per-VM ring-plus-subscriber-fan-out shape is grounded on the teacher's
// internal/tether.Store/ringBuffer, narrowed from a history ring to a
// single coalesced latest-value slot per VM since status snapshots
// supersede rather than accumulate.
package statusbus

import (
	"log"
	"sync"
	"time"
)

// Snapshot is one VM's point-in-time status sample (spec §4.7).
type Snapshot struct {
	Name       string
	Running    bool
	CPUPercent float64
	MemoryMiB  float64
	ExitCode   int
	Timestamp  time.Time
}

// Bus coalesces and fans out Snapshots per VM name.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Snapshot
	last   map[string]Snapshot
	replay *ReplayLog
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]chan Snapshot),
		last: make(map[string]Snapshot),
	}
}

// WithReplayLog attaches a ReplayLog that every future Publish also appends
// to, for crash forensics. Optional — a Bus with no ReplayLog attached just
// skips the append. Returns b for chaining.
func (b *Bus) WithReplayLog(l *ReplayLog) *Bus {
	b.mu.Lock()
	b.replay = l
	b.mu.Unlock()
	return b
}

// Publish delivers snap to every subscriber of snap.Name, dropping the
// update for any subscriber whose channel is currently full rather than
// blocking the publisher — a slow client just misses intermediate samples
// and gets the next one, which is the "coalesces bursts" behavior spec §2
// asks for. If a ReplayLog is attached, snap is also appended to it in the
// background so a slow disk never stalls live subscribers.
func (b *Bus) Publish(snap Snapshot) {
	b.mu.Lock()
	b.last[snap.Name] = snap
	subs := append([]chan Snapshot(nil), b.subs[snap.Name]...)
	replay := b.replay
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}

	if replay != nil {
		go func() {
			if err := replay.Append(snap); err != nil {
				log.Printf("statusbus: replay append for %q: %v", snap.Name, err)
			}
		}()
	}
}

// Subscribe returns a channel receiving future Snapshots for name and an
// unsubscribe function. The channel is buffered to 1, so at most one
// sample is ever queued — while it is unread, Publish drops newer samples
// for this subscriber instead of piling them up.
func (b *Bus) Subscribe(name string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	b.subs[name] = append(b.subs[name], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s == ch {
				b.subs[name] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[name]) == 0 {
			delete(b.subs, name)
		}
	}
	return ch, unsub
}

// Last returns the most recently published Snapshot for name, if any.
func (b *Bus) Last(name string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.last[name]
	return s, ok
}

// Remove clears name's last-known snapshot and closes every subscriber
// channel — called when a VM is removed from the registry entirely.
func (b *Bus) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[name] {
		close(ch)
	}
	delete(b.subs, name)
	delete(b.last, name)
}
