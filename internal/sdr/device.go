package sdr

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
)

// SampleSource abstracts the physical/virtual SDR device: one call per block,
// returning device-rate complex samples. A real implementation wraps an SDR
// library or hardware driver; tests use a synthetic generator.
type SampleSource interface {
	ReadBlock(buf []complex64) (n int, err error)
	Close() error
}

// TunableSource is the optional capability a SampleSource implements when
// the device's center frequency can be commanded from this process. Sources
// fed by an externally tuned receiver (a radiod multicast stream) don't
// implement it; SetFreq then only moves the channel mixers.
type TunableSource interface {
	Tune(centerHz int64) error
}

// deviceReader drives the non-cooperative read loop on its own OS thread
// (spec.md §4.3 "One dedicated OS thread drives the SDR device read loop,
// bypassing the cooperative scheduler to keep read cadence independent of
// task load"), publishing each block to the bounded IQ broadcast.
type deviceReader struct {
	source     SampleSource
	sampleRate int
	blockSize  int
	bus        *iqBroadcast
	logger     *log.Logger
}

func newDeviceReader(source SampleSource, sampleRate, blockSize int, bus *iqBroadcast, logger *log.Logger) *deviceReader {
	return &deviceReader{source: source, sampleRate: sampleRate, blockSize: blockSize, bus: bus, logger: logger}
}

// run locks its own goroutine to an OS thread for the whole read loop, so the
// caller only has to start it with `go reader.run(ctx)`.
func (d *deviceReader) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	buf := make([]complex64, d.blockSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.source.ReadBlock(buf)
		if err != nil {
			if d.logger != nil {
				d.logger.Error("sdr device read failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		if n == 0 {
			continue
		}

		block := IqBlock{
			Samples:    append([]complex64(nil), buf[:n]...),
			SampleRate: d.sampleRate,
			CapturedAt: time.Now(),
		}
		d.bus.publish(block, func(depth int) {
			if d.logger != nil {
				d.logger.Warn("iq subscriber lagging, advancing to newest block", "queued", depth)
			}
		})
	}
}

// ValidateChannelOffsets checks the invariant in spec.md §4.3:
// |center_offset_hz + channel.offset_hz| < device_rate/2 for every channel.
func ValidateChannelOffsets(deviceRate int, centerOffsetHz int64, channels []ChannelConfig) error {
	limit := int64(deviceRate) / 2
	for _, ch := range channels {
		iffreq := centerOffsetHz + ch.OffsetHz
		if iffreq >= limit || iffreq <= -limit {
			return fmt.Errorf("sdr: channel %q: |center_offset_hz(%d) + offset_hz(%d)| must be < device_rate/2(%d)",
				ch.ID, centerOffsetHz, ch.OffsetHz, limit)
		}
	}
	return nil
}

// ValidateDecimation checks that device_rate/audio_rate is an integer
// (spec.md §4.3 step 3, "non-integer ratios are rejected at startup").
func ValidateDecimation(deviceRate, audioRate int) (int, error) {
	if audioRate <= 0 || deviceRate%audioRate != 0 {
		return 0, fmt.Errorf("sdr: device_rate(%d) is not an integer multiple of audio_rate(%d)", deviceRate, audioRate)
	}
	return deviceRate / audioRate, nil
}
