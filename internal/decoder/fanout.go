package decoder

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// PcmSource is the subset of sdr.Pipeline the fan-out needs: subscribe to a
// named channel's demodulated audio.
type PcmSource interface {
	SubscribePCM(channelID string) (<-chan rig.PcmFrame, func(), error)
}

// DecodeMetricsSink is the subset of metrics.Metrics a FanOut reports to.
type DecodeMetricsSink interface {
	IncDecodeEvent(rigID, mode string)
}

// binding is one decoder bound to one channel.
type binding struct {
	decoder   Decoder
	channelID string
	cancel    func()
}

// FanOut owns the three bounded histories (APRS, FT8, WSPR — CW reuses the
// same ring type) and the decode broadcast for one rig.
type FanOut struct {
	rigID  string
	source PcmSource
	logger *log.Logger

	mu        sync.Mutex
	bindings  map[Mode]*binding // at most one channel per decoder name per rig
	histories map[Mode]*ring

	busMu sync.Mutex
	subs  map[chan Event]struct{}

	enabled map[Mode]bool
	metrics DecodeMetricsSink
}

func New(rigID string, source PcmSource, logger *log.Logger) *FanOut {
	return &FanOut{
		rigID:  rigID,
		source: source,
		logger: logger,
		bindings: make(map[Mode]*binding),
		histories: map[Mode]*ring{
			ModeAPRS: newRing(historyCap),
			ModeFT8:  newRing(historyCap),
			ModeWSPR: newRing(historyCap),
			ModeCW:   newRing(historyCap),
		},
		subs:    make(map[chan Event]struct{}),
		enabled: make(map[Mode]bool),
	}
}

// SetMetrics attaches the Prometheus sink; a nil sink (the default) makes
// every metrics call a no-op.
func (f *FanOut) SetMetrics(m DecodeMetricsSink) {
	f.metrics = m
}

// Bind subscribes dec to channelID's PCM broadcast, enforcing "a decoder name
// may be bound to at most one channel per rig" (spec.md §4.4).
func (f *FanOut) Bind(ctx context.Context, dec Decoder, channelID string) error {
	f.mu.Lock()
	if _, exists := f.bindings[dec.Mode()]; exists {
		f.mu.Unlock()
		return errAlreadyBound(dec.Mode())
	}
	f.mu.Unlock()

	pcm, cancel, err := f.source.SubscribePCM(channelID)
	if err != nil {
		return err
	}

	b := &binding{decoder: dec, channelID: channelID, cancel: cancel}
	f.mu.Lock()
	f.bindings[dec.Mode()] = b
	f.enabled[dec.Mode()] = true
	f.mu.Unlock()

	go f.run(ctx, dec, pcm)
	return nil
}

func (f *FanOut) run(ctx context.Context, dec Decoder, pcm <-chan rig.PcmFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-pcm:
			if !ok {
				return
			}
			if !f.isEnabled(dec.Mode()) {
				continue
			}
			events := dec.Process(frame)
			for _, e := range events {
				e.RigID = f.rigID
				f.record(e)
			}
		}
	}
}

func (f *FanOut) isEnabled(m Mode) bool {
	return f.IsEnabled(m)
}

// IsEnabled reports whether m is currently decoding.
func (f *FanOut) IsEnabled(m Mode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[m]
}

// SetEnabled implements ToggleFt8Decode/ToggleWsprDecode: decoding pauses
// without tearing down the subscription.
func (f *FanOut) SetEnabled(m Mode, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[m] = enabled
}

func (f *FanOut) record(e Event) {
	f.mu.Lock()
	r, ok := f.histories[e.Mode]
	if ok {
		r.push(e)
	}
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.IncDecodeEvent(f.rigID, string(e.Mode))
	}

	f.busMu.Lock()
	defer f.busMu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns decode events for this rig as they're produced.
func (f *FanOut) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	f.busMu.Lock()
	f.subs[ch] = struct{}{}
	f.busMu.Unlock()
	cancel := func() {
		f.busMu.Lock()
		defer f.busMu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// History returns a snapshot of the named decoder's ring buffer.
func (f *FanOut) History(m Mode) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.histories[m]; ok {
		return r.snapshot()
	}
	return nil
}

// Clear empties the named decoder's history (Clear*History commands).
func (f *FanOut) Clear(m Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.histories[m]; ok {
		r.clear()
	}
}

// CwTunable is the capability-typed interface a CW decoder may implement to
// accept SetCwAuto/SetCwWpm/SetCwTone (a decoder that doesn't implement it
// simply ignores those commands, the same capability-typed pattern
// internal/rig uses for event listeners).
type CwTunable interface {
	SetAuto(bool)
	SetWpm(int)
	SetToneHz(int)
}

// ConfigureCw forwards tuning parameters to the bound CW decoder if one is
// bound and implements CwTunable. A zero wpm/toneHz leaves that parameter
// unchanged; callers pass 0 for "no change".
func (f *FanOut) ConfigureCw(auto bool, wpm, toneHz int) bool {
	f.mu.Lock()
	b, ok := f.bindings[ModeCW]
	f.mu.Unlock()
	if !ok {
		return false
	}
	t, ok := b.decoder.(CwTunable)
	if !ok {
		return false
	}
	t.SetAuto(auto)
	if wpm > 0 {
		t.SetWpm(wpm)
	}
	if toneHz > 0 {
		t.SetToneHz(toneHz)
	}
	return true
}

// Close cancels every bound decoder's subscription.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bindings {
		if b.cancel != nil {
			b.cancel()
		}
	}
}

func errAlreadyBound(m Mode) error {
	return &bindError{m}
}

type bindError struct{ mode Mode }

func (e *bindError) Error() string {
	return "decoder: " + string(e.mode) + " is already bound to a channel for this rig"
}
