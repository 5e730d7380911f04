package sdr

import (
	"sync"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// pcmBroadcast fans a channel's demodulated frames out to subscribers
// (decoder fan-out, Opus encoder), lossy under lag like the IQ bus.
type pcmBroadcast struct {
	mu   sync.Mutex
	subs map[chan rig.PcmFrame]struct{}
}

func newPcmBroadcast() *pcmBroadcast {
	return &pcmBroadcast{subs: make(map[chan rig.PcmFrame]struct{})}
}

func (b *pcmBroadcast) subscribe() (<-chan rig.PcmFrame, func()) {
	ch := make(chan rig.PcmFrame, 32)
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

func (b *pcmBroadcast) publish(f rig.PcmFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- f:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
			}
		}
	}
}
