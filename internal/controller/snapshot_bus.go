package controller

import (
	"sync"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// snapshotBus fans a RigSnapshot out to N subscribers with latest-value
// semantics: a channel of capacity 1 per subscriber, drained-then-refilled on
// every publish so a slow consumer always finds the newest value waiting
// rather than blocking the publisher (spec.md §5 "broadcast channel sends
// suspend only when a receiver is actively consuming; receivers never block
// producers").
type snapshotBus struct {
	mu   sync.Mutex
	last rig.RigSnapshot
	subs map[chan rig.RigSnapshot]struct{}
}

func newSnapshotBus() *snapshotBus {
	return &snapshotBus{subs: make(map[chan rig.RigSnapshot]struct{}), last: rig.RigSnapshot{State: rig.StateDisconnected}}
}

func (b *snapshotBus) subscribe() (<-chan rig.RigSnapshot, func()) {
	ch := make(chan rig.RigSnapshot, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	last := b.last
	b.mu.Unlock()
	ch <- last

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *snapshotBus) publish(s rig.RigSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			// Drain the stale value and replace it with the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (b *snapshotBus) latest() rig.RigSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
