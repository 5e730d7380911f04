// Package sdr implements C3: the SDR IQ-to-audio pipeline. One dedicated OS
// thread reads a wideband IQ stream; per-channel cooperative tasks mix,
// filter, decimate, and demodulate it into PCM (spec.md §4.3). Grounded on
// the teacher's radiod.go (one goroutine owning an exclusive device/socket,
// fanning status out to subscribers) generalized from a status-multicast
// reader to a raw-sample device reader, and on gonum.org/v1/gonum for the FIR
// filter design.
package sdr

import (
	"sync"
	"time"
)

// IqBlock is one owned, contiguous buffer of complex baseband samples at the
// device sample rate (spec.md §3).
type IqBlock struct {
	Samples    []complex64
	SampleRate int
	CapturedAt time.Time
}

// iqBroadcast is the bounded, lossy broadcast bus described in spec.md §4.3:
// depth 64 by default, lagged receivers are advanced to the newest block
// rather than blocked or queued, so the device read loop never backs up.
type iqBroadcast struct {
	mu    sync.Mutex
	subs  map[chan IqBlock]struct{}
	depth int
	onLag func()
}

func newIqBroadcast(depth int) *iqBroadcast {
	if depth <= 0 {
		depth = 64
	}
	return &iqBroadcast{subs: make(map[chan IqBlock]struct{}), depth: depth}
}

func (b *iqBroadcast) subscribe() (<-chan IqBlock, func()) {
	ch := make(chan IqBlock, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

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

func (b *iqBroadcast) publish(block IqBlock, onLag func(depth int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- block:
		default:
			if onLag != nil {
				onLag(len(ch))
			}
			// Drain every queued block so the lagged subscriber resumes at
			// the newest one; if a racing publish refills the slot, the
			// block is dropped for this subscriber rather than ever
			// blocking the publisher.
			for drained := false; !drained; {
				select {
				case <-ch:
				default:
					drained = true
				}
			}
			select {
			case ch <- block:
			default:
			}
		}
	}
}
