package sdr

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// Config seeds a Pipeline: the device sample rate, IF offset, and ordered
// channel list (first entry is primary, per spec.md §3 "Primary channel").
type Config struct {
	DeviceRate     int
	AudioRate      int
	CenterOffsetHz int64
	InitialFreqHz  uint64
	Channels       []ChannelConfig
	Args           string // opaque SDR device selector, spec.md §3 AccessDescriptor.Sdr.args
}

// Pipeline is C3: one shared wideband IQ stream decomposed into N
// independently tuned virtual channels. It also implements rig.Backend,
// binding the primary channel's frequency/mode to the rig-level status
// (spec.md §4.3 "Rig interface binding").
type Pipeline struct {
	cfg      Config
	source   SampleSource
	iqBus    *iqBroadcast
	reader   *deviceReader
	logger   *log.Logger

	mu       sync.RWMutex
	channels []*channel
	primary  *channel
	freq     rig.Frequency // primary channel's rig-level frequency (device freq + center offset)

	cancel context.CancelFunc
}

// New validates the configuration (spec.md §4.3 invariants) and constructs a
// pipeline not yet reading from the device; call Run to start it.
func New(cfg Config, source SampleSource, logger *log.Logger) (*Pipeline, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("sdr: at least one channel required")
	}
	if err := ValidateChannelOffsets(cfg.DeviceRate, cfg.CenterOffsetHz, cfg.Channels); err != nil {
		return nil, err
	}
	decimation, err := ValidateDecimation(cfg.DeviceRate, cfg.AudioRate)
	if err != nil {
		return nil, err
	}
	streamOpusCount := 0
	boundDecoders := map[string]string{}
	for _, ch := range cfg.Channels {
		if ch.StreamOpus {
			streamOpusCount++
		}
		for _, d := range ch.Decoders {
			if owner, ok := boundDecoders[d]; ok {
				return nil, fmt.Errorf("sdr: decoder %q already bound to channel %q", d, owner)
			}
			boundDecoders[d] = ch.ID
		}
	}
	if streamOpusCount > 1 {
		return nil, fmt.Errorf("sdr: at most one channel may have stream_opus=true")
	}

	p := &Pipeline{
		cfg:    cfg,
		source: source,
		iqBus:  newIqBroadcast(64),
		logger: logger,
	}

	initialMode := rig.NewMode(rig.ModeUSB)
	if cfg.Channels[0].FixedMode != nil {
		initialMode = *cfg.Channels[0].FixedMode
	}

	for i, ccfg := range cfg.Channels {
		mode := initialMode
		if ccfg.FixedMode != nil {
			mode = *ccfg.FixedMode
		}
		ch := newChannel(ccfg, cfg.DeviceRate, cfg.AudioRate, decimation, cfg.CenterOffsetHz, mode, i == 0)
		p.channels = append(p.channels, ch)
	}
	p.primary = p.channels[0]
	p.freq = rig.Frequency(cfg.InitialFreqHz)
	p.reader = newDeviceReader(source, cfg.DeviceRate, cfg.DeviceRate/10, p.iqBus, logger)

	return p, nil
}

// DeviceFreq reports the hardware tuning frequency implied by the current
// rig-level frequency: the primary signal sits center_offset_hz above it.
func (p *Pipeline) DeviceFreq() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(p.freq) - p.cfg.CenterOffsetHz
}

// Run starts the device reader thread and one cooperative task per channel,
// blocking until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go p.reader.run(ctx)

	var wg sync.WaitGroup
	for _, ch := range p.channels {
		wg.Add(1)
		go func(ch *channel) {
			defer wg.Done()
			in, unsub := p.iqBus.subscribe()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case block, ok := <-in:
					if !ok {
						return
					}
					ch.process(block)
				}
			}
		}(ch)
	}
	<-ctx.Done()
	wg.Wait()
}

func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// ChannelByID returns the channel with the given id, for the decoder fan-out
// and the Opus-streamed audio source to subscribe to.
func (p *Pipeline) ChannelByID(id string) (*channel, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.channels {
		if ch.cfg.ID == id {
			return ch, true
		}
	}
	return nil, false
}

// SubscribePCM exposes a channel's demodulated audio to any consumer (decoder
// fan-out, Opus encoder) without it needing to know about sdr.channel.
func (p *Pipeline) SubscribePCM(id string) (<-chan rig.PcmFrame, func(), error) {
	ch, ok := p.ChannelByID(id)
	if !ok {
		return nil, nil, fmt.Errorf("sdr: no channel %q", id)
	}
	sub, cancel := ch.subscribe()
	return sub, cancel, nil
}

// --- rig.Backend, bound to the primary channel ---

func (p *Pipeline) Probe(ctx context.Context) (rig.RigInfo, error) {
	modes := []rig.Mode{
		rig.NewMode(rig.ModeUSB), rig.NewMode(rig.ModeLSB), rig.NewMode(rig.ModeAM),
		rig.NewMode(rig.ModeFM), rig.NewMode(rig.ModeWFM), rig.NewMode(rig.ModeCW),
		rig.NewMode(rig.ModeCWR), rig.NewMode(rig.ModeDIG), rig.NewMode(rig.ModePKT),
	}
	return rig.RigInfo{
		Manufacturer: "SDR",
		Model:        "IQ-Pipeline",
		Access:       rig.AccessDescriptor{Kind: rig.AccessSdr, Args: p.cfg.Args},
		Capabilities: rig.RigCapabilities{
			SupportedModes: modes,
			NumVfos:        1,
			MinFreqStepHz:  1,
			Tx:             false,
			TxLimit:        false,
			VfoSwitch:      false,
			SignalMeter:    true,
			FilterControls: true,
		},
	}, nil
}

func (p *Pipeline) GetStatus(ctx context.Context) (rig.RigStatus, error) {
	p.mu.RLock()
	freq := p.freq
	mode := p.primary.currentMode()
	p.mu.RUnlock()

	return rig.RigStatus{
		Frequency: freq,
		Mode:      mode,
		TxEn:      false,
		Vfos:      rig.NewVfoBank(1, freq, mode),
		Rx:        rig.RxStatus{SignalDbm: -100},
		Tx:        rig.TxStatus{},
		Locked:    false,
	}, nil
}

// SetFreq re-tunes the device to hz - center_offset_hz (keeping the primary
// signal off DC), then updates every channel's mixer step phasor, per
// spec.md §4.3.
func (p *Pipeline) SetFreq(ctx context.Context, hz rig.Frequency) error {
	deviceHz := int64(hz) - p.cfg.CenterOffsetHz
	if deviceHz < 0 {
		return rig.NewPermanentError("invalid_argument: %d Hz is below the device's tunable range", hz)
	}
	if t, ok := p.source.(TunableSource); ok {
		if err := t.Tune(deviceHz); err != nil {
			return rig.NewTransientError("sdr: device tune: %v", err)
		}
	}

	p.mu.Lock()
	p.freq = hz
	p.mu.Unlock()

	for _, ch := range p.channels {
		ch.retune(p.cfg.CenterOffsetHz)
	}
	return nil
}

// SetMode changes only the primary channel's demodulator unless the channel
// has a fixed mode.
func (p *Pipeline) SetMode(ctx context.Context, m rig.Mode) error {
	if p.primary.cfg.FixedMode != nil {
		return rig.NewPermanentError("sdr: primary channel has a fixed mode")
	}
	p.primary.setMode(m)
	return nil
}

func (p *Pipeline) SetPtt(ctx context.Context, on bool) error    { return rig.ErrNotSupported("set_ptt") }
func (p *Pipeline) PowerOn(ctx context.Context) error            { return rig.ErrNotSupported("power_on") }
func (p *Pipeline) PowerOff(ctx context.Context) error           { return rig.ErrNotSupported("power_off") }
func (p *Pipeline) ToggleVfo(ctx context.Context) error          { return rig.ErrNotSupported("toggle_vfo") }
func (p *Pipeline) Lock(ctx context.Context) error               { return rig.ErrNotSupported("lock") }
func (p *Pipeline) Unlock(ctx context.Context) error             { return rig.ErrNotSupported("unlock") }
func (p *Pipeline) GetTxLimit(ctx context.Context) (float64, error) {
	return 0, rig.ErrNotSupported("get_tx_limit")
}
func (p *Pipeline) SetTxLimit(ctx context.Context, v float64) error {
	return rig.ErrNotSupported("set_tx_limit")
}

func (p *Pipeline) GetSignalStrength(ctx context.Context) (float64, error) {
	return -100, nil
}

// SetPrimaryFilter implements SetBandwidth/SetFirTaps against the primary
// channel's FIR (spec.md §4.6); a zero argument leaves that parameter
// unchanged.
func (p *Pipeline) SetPrimaryFilter(bandwidthHz, firTaps int) {
	p.primary.setFilter(bandwidthHz, firTaps)
}

// PrimaryFilterState reports the primary channel's current bandwidth/taps.
func (p *Pipeline) PrimaryFilterState() (bandwidthHz, firTaps int) {
	return p.primary.filterState()
}

// AsAudioSource exposes the primary channel's PCM stream.
func (p *Pipeline) AsAudioSource() (rig.PcmSubscribe, bool) {
	return func() (<-chan rig.PcmFrame, func()) {
		ch, cancel := p.primary.subscribe()
		return ch, cancel
	}, true
}

var _ rig.Backend = (*Pipeline)(nil)
