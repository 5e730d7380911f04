package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalServerConfig() ServerConfig {
	cfg := defaultServerConfig()
	cfg.Rig.Access = AccessConfig{Type: "serial", Port: "/dev/ttyUSB0", Baud: 9600}
	return cfg
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := minimalServerConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := minimalServerConfig()
	cfg.General.LogLevel = "yell"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "general.log_level", err.(*ValidationError).Path)
}

func TestValidateRequiresLatAndLonTogether(t *testing.T) {
	cfg := minimalServerConfig()
	lat := 41.7
	cfg.General.Latitude = &lat
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latitude/longitude")
}

func TestValidateRejectsZeroPollInterval(t *testing.T) {
	cfg := minimalServerConfig()
	cfg.Behavior.PollIntervalMs = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "behavior.poll_interval_ms", err.(*ValidationError).Path)
}

func TestValidateRequiresAccessFieldsPerType(t *testing.T) {
	cfg := minimalServerConfig()
	cfg.Rig.Access = AccessConfig{Type: "tcp"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "rig.access.host", err.(*ValidationError).Path)
}

func TestValidateRejectsDuplicateRigIDs(t *testing.T) {
	cfg := minimalServerConfig()
	entry := RigEntry{ID: "a", Rig: cfg.Rig}
	cfg.Rigs = []RigEntry{entry, entry}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rig id")
}

func TestValidateSdrRejectsOffsetExceedingNyquist(t *testing.T) {
	cfg := minimalServerConfig()
	cfg.Rig.Access.Type = "sdr"
	cfg.Rig.Access.Args = "radiod://localhost"
	cfg.Sdr = SdrConfig{
		SampleRate: 48000,
		Channels: []SdrChannelConfig{
			{ID: "ch0", OffsetHz: 30000},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset_hz")
}

func TestValidateSdrRejectsDuplicateDecoderBinding(t *testing.T) {
	cfg := minimalServerConfig()
	cfg.Rig.Access.Type = "sdr"
	cfg.Rig.Access.Args = "radiod://localhost"
	cfg.Sdr = SdrConfig{
		SampleRate: 48000,
		Channels: []SdrChannelConfig{
			{ID: "ch0", Decoders: []string{"ft8"}},
			{ID: "ch1", Decoders: []string{"ft8"}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already bound")
}

func TestValidateSdrRejectsMoreThanOneOpusChannel(t *testing.T) {
	cfg := minimalServerConfig()
	cfg.Rig.Access.Type = "sdr"
	cfg.Rig.Access.Args = "radiod://localhost"
	cfg.Sdr = SdrConfig{
		SampleRate: 48000,
		Channels: []SdrChannelConfig{
			{ID: "ch0", StreamOpus: true},
			{ID: "ch1", StreamOpus: true},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream_opus")
}
