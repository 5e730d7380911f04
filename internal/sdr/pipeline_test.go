package sdr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// silentSource produces zero samples; tests that need the DSP chain push
// blocks straight into the channels instead of going through the reader.
type silentSource struct {
	tunedTo int64
	tuned   bool
}

func (s *silentSource) ReadBlock(buf []complex64) (int, error) { return 0, nil }
func (s *silentSource) Close() error                           { return nil }
func (s *silentSource) Tune(centerHz int64) error {
	s.tunedTo = centerHz
	s.tuned = true
	return nil
}

func TestSetFreqTunesDeviceAndCascadesChannelOffsets(t *testing.T) {
	src := &silentSource{}
	p, err := New(Config{
		DeviceRate:     1_920_000,
		AudioRate:      12_000,
		CenterOffsetHz: 200_000,
		Channels: []ChannelConfig{
			{ID: "primary", OffsetHz: 0, AudioBwHz: 3000, FirTaps: 63},
			{ID: "wspr", OffsetHz: 21_600, AudioBwHz: 300, FirTaps: 63},
		},
	}, src, nil)
	require.NoError(t, err)

	require.NoError(t, p.SetFreq(context.Background(), 14_074_000))

	// Device retunes to hz - center_offset_hz, keeping the primary off DC.
	assert.True(t, src.tuned)
	assert.Equal(t, int64(13_874_000), src.tunedTo)
	assert.Equal(t, int64(13_874_000), p.DeviceFreq())

	// Every channel's IF stays inside Nyquist.
	for _, ch := range p.channels {
		iffreq := ch.centerOffs + ch.cfg.OffsetHz
		assert.Less(t, iffreq, int64(960_000), "channel %s", ch.cfg.ID)
		assert.Greater(t, iffreq, int64(-960_000), "channel %s", ch.cfg.ID)
	}

	status, err := p.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rig.Frequency(14_074_000), status.Frequency)
}

func TestNewRejectsNonIntegerDecimation(t *testing.T) {
	_, err := New(Config{
		DeviceRate:     1_920_000,
		AudioRate:      11_025,
		CenterOffsetHz: 0,
		Channels:       []ChannelConfig{{ID: "primary"}},
	}, &silentSource{}, nil)
	assert.Error(t, err)
}

func TestNewRejectsOffsetBeyondNyquist(t *testing.T) {
	_, err := New(Config{
		DeviceRate:     48_000,
		AudioRate:      12_000,
		CenterOffsetHz: 20_000,
		Channels: []ChannelConfig{
			{ID: "primary"},
			{ID: "far", OffsetHz: 5_000}, // 25 kHz IF >= 24 kHz Nyquist
		},
	}, &silentSource{}, nil)
	assert.Error(t, err)
}

func TestNewRejectsSecondOpusChannelAndDuplicateDecoder(t *testing.T) {
	_, err := New(Config{
		DeviceRate: 48_000, AudioRate: 12_000,
		Channels: []ChannelConfig{
			{ID: "a", StreamOpus: true},
			{ID: "b", StreamOpus: true},
		},
	}, &silentSource{}, nil)
	assert.Error(t, err)

	_, err = New(Config{
		DeviceRate: 48_000, AudioRate: 12_000,
		Channels: []ChannelConfig{
			{ID: "a", Decoders: []string{"ft8"}},
			{ID: "b", Decoders: []string{"ft8"}},
		},
	}, &silentSource{}, nil)
	assert.Error(t, err)
}

func TestInitialFreqSeedsStatusBeforeFirstTune(t *testing.T) {
	p, err := New(Config{
		DeviceRate: 48_000, AudioRate: 12_000,
		InitialFreqHz: 14_200_000,
		Channels:      []ChannelConfig{{ID: "primary"}},
	}, &silentSource{}, nil)
	require.NoError(t, err)

	status, err := p.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rig.Frequency(14_200_000), status.Frequency)
}
