package sdr

import (
	"math"
	"math/cmplx"
	"sync"
	"time"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// ChannelConfig is the static configuration for one virtual receiver
// (spec.md §3 "Channel").
type ChannelConfig struct {
	ID              string
	OffsetHz        int64
	FixedMode       *rig.Mode // nil means "auto": starts in the primary channel's initial mode; later SetMode calls change the primary only
	AudioBwHz       int
	FirTaps         int
	CwCenterHz      int
	WfmBandwidthHz  int
	Decoders        []string
	StreamOpus      bool
	FrameDurationMs int
}

// channel is the live, running state of one virtual receiver: mixer phasor,
// FIR filter, decimator, demodulator, and frame accumulator.
type channel struct {
	cfg ChannelConfig

	mu         sync.RWMutex
	mode       rig.Mode
	isPrimary  bool
	centerOffs int64 // pipeline-wide center_offset_hz, mirrored here for IF math
	deviceRate int

	phase      complex128
	stepPhasor complex128
	sinceReset int

	fir        *circularFIR
	decimation int
	decimCount int

	dcRemove float64 // one-pole high-pass state for AM envelope detection
	prevSamp complex64
	cwPhase  float64 // local tone oscillator phase for CW envelope keying

	audioRate   int
	frameSize   int
	frameBuf    []float32
	pcmBus      *pcmBroadcast
}

func newChannel(cfg ChannelConfig, deviceRate, audioRate, decimation int, centerOffsetHz int64, initialMode rig.Mode, isPrimary bool) *channel {
	taps := cfg.FirTaps
	if taps < 1 {
		taps = 31
	}
	bw := float64(cfg.AudioBwHz)
	if bw <= 0 {
		bw = 3000
	}
	if initialMode.String() == "FM" || initialMode.String() == "WFM" {
		if cfg.WfmBandwidthHz > 0 {
			bw = float64(cfg.WfmBandwidthHz)
		} else {
			bw = 8000
		}
	}

	frameMs := cfg.FrameDurationMs
	if frameMs <= 0 {
		frameMs = 20
	}

	c := &channel{
		cfg:        cfg,
		mode:       initialMode,
		isPrimary:  isPrimary,
		centerOffs: centerOffsetHz,
		deviceRate: deviceRate,
		fir:        newCircularFIR(designLowPass(taps, bw/2, float64(deviceRate))),
		decimation: decimation,
		audioRate:  audioRate,
		frameSize:  audioRate * frameMs / 1000,
		pcmBus:     newPcmBroadcast(),
	}
	c.phase = 1
	c.stepPhasorLocked(float64(centerOffsetHz + cfg.OffsetHz))
	return c
}

// sidebandSign is -1 for LSB, +1 for every other mode: LSB negates the IF
// (spec.md §4.3 step 4) by mixing the wanted sideband down in the opposite
// rotational direction, so the channel's one low-pass filter and the shared
// real(s) demodulator in demodulate can treat LSB and USB identically.
func sidebandSign(mode rig.Mode) float64 {
	if mode.String() == "LSB" {
		return -1
	}
	return 1
}

func (c *channel) stepPhasorLocked(fIf float64) {
	if c.deviceRate == 0 {
		return
	}
	theta := -2 * math.Pi * sidebandSign(c.mode) * fIf / float64(c.deviceRate)
	c.stepPhasor = cmplx.Exp(complex(0, theta))
}

// retune updates this channel's IF offset after the primary's frequency
// changes; offsetHz is this channel's own fixed offset from the primary.
func (c *channel) retune(centerOffsetHz int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.centerOffs = centerOffsetHz
	c.stepPhasorLocked(float64(c.centerOffs + c.cfg.OffsetHz))
}

func (c *channel) setMode(m rig.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
	// LSB/USB flip the mixer's rotational direction (sidebandSign), so the
	// step phasor must be rebuilt whenever a mode change crosses that line.
	c.stepPhasorLocked(float64(c.centerOffs + c.cfg.OffsetHz))
}

func (c *channel) currentMode() rig.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// setFilter rebuilds the FIR with a new passband half-width and/or tap count
// (SetBandwidth/SetFirTaps commands), reusing whichever parameter is zero
// from the channel's current configuration.
func (c *channel) setFilter(bandwidthHz, firTaps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bandwidthHz > 0 {
		c.cfg.AudioBwHz = bandwidthHz
	}
	if firTaps > 0 {
		c.cfg.FirTaps = firTaps
	}
	c.fir = newCircularFIR(designLowPass(c.cfg.FirTaps, float64(c.cfg.AudioBwHz)/2, float64(c.deviceRate)))
}

func (c *channel) filterState() (bandwidthHz, firTaps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.AudioBwHz, c.cfg.FirTaps
}

// process runs steps 1-6 of spec.md §4.3 over one IQ block, publishing
// completed PCM frames on the channel's own bus.
func (c *channel) process(block IqBlock) {
	c.mu.Lock()
	phase := c.phase
	step := c.stepPhasor
	mode := c.mode
	c.mu.Unlock()

	samples := block.Samples
	out := make([]float32, 0, len(samples)/max(1, c.decimation)+1)

	for _, s := range samples {
		// 1. Mixer: multiply by the running LO phasor, renormalised every
		// 1024 samples to prevent drift.
		mixed := complex64(complex128(s) * phase)
		phase *= step
		c.sinceReset++
		if c.sinceReset >= 1024 {
			phase /= complex(cmplx.Abs(phase), 0)
			c.sinceReset = 0
		}

		// 2. FIR low-pass.
		filtered := c.fir.Step(mixed)

		// 3. Integer decimator.
		c.decimCount++
		if c.decimCount < c.decimation {
			continue
		}
		c.decimCount = 0

		// 4. Mode-specific demodulator.
		sample := c.demodulate(mode, filtered)

		// 5. Frame accumulator.
		out = append(out, sample)
	}

	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()

	c.accumulate(out)
}

func (c *channel) demodulate(mode rig.Mode, s complex64) float32 {
	switch mode.String() {
	case "USB", "DIG", "PKT":
		return real(s)
	case "LSB":
		return real(s) // mixer step already rotates LSB's IF the opposite way (sidebandSign)
	case "AM":
		mag := float32(cmplx.Abs(complex128(s)))
		c.dcRemove += 0.01 * (float64(mag) - c.dcRemove)
		return mag - float32(c.dcRemove)
	case "FM", "WFM":
		disc := s * complex64(cmplx.Conj(complex128(c.prevSamp)))
		c.prevSamp = s
		return float32(cmplx.Phase(complex128(disc)))
	case "CW", "CWR":
		// The tight FIR acts as the narrow BPF around the (mixed-to-DC)
		// carrier; the keying envelope then modulates a local sidetone at
		// cw_center_hz so the operator hears a tone, not a thump.
		env := float32(cmplx.Abs(complex128(s)))
		tone := c.cfg.CwCenterHz
		if tone <= 0 {
			tone = 700
		}
		c.cwPhase += 2 * math.Pi * float64(tone) / float64(c.audioRate)
		if c.cwPhase > 2*math.Pi {
			c.cwPhase -= 2 * math.Pi
		}
		return env * float32(math.Sin(c.cwPhase))
	default:
		return real(s)
	}
}

func (c *channel) accumulate(samples []float32) {
	c.mu.Lock()
	c.frameBuf = append(c.frameBuf, samples...)
	var frames [][]float32
	for len(c.frameBuf) >= c.frameSize {
		frame := append([]float32(nil), c.frameBuf[:c.frameSize]...)
		frames = append(frames, frame)
		c.frameBuf = c.frameBuf[c.frameSize:]
	}
	c.mu.Unlock()

	for _, f := range frames {
		c.pcmBus.publish(rig.PcmFrame{SampleRate: c.audioRate, Samples: f, CapturedAt: time.Now()})
	}
}

func (c *channel) subscribe() (<-chan rig.PcmFrame, func()) {
	return c.pcmBus.subscribe()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
