package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// A minimal legacy file naming only the rig must start: every section it
// omits keeps the documented default rather than decaying to Go zero values
// and failing validation.
func TestLoadServerMinimalLegacyFileKeepsDefaults(t *testing.T) {
	legacy := writeConfig(t, "trx-server.toml", `
[rig]
model = "FT-817"

[rig.access]
type = "serial"
port = "/dev/ttyUSB0"
baud = 38400
`)

	cfg, err := LoadServer(filepath.Join(t.TempDir(), "missing.toml"), legacy)
	require.NoError(t, err)

	assert.Equal(t, "FT-817", cfg.Rig.Model)
	assert.Equal(t, uint64(144_300_000), cfg.Rig.InitialFreqHz)

	assert.Equal(t, "N0CALL", cfg.General.Callsign)
	assert.Equal(t, "info", cfg.General.LogLevel)

	assert.Equal(t, 500, cfg.Behavior.PollIntervalMs)
	assert.Equal(t, 100, cfg.Behavior.PollIntervalTxMs)
	assert.Equal(t, 3, cfg.Behavior.MaxRetries)
	assert.Equal(t, 100, cfg.Behavior.RetryBaseDelayMs)

	assert.True(t, cfg.Listen.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.Listen.Listen)
	assert.Equal(t, 4532, cfg.Listen.Port)
	assert.Equal(t, 64*1024, cfg.Listen.MaxLineBytes)

	assert.Equal(t, 12000, cfg.Audio.SampleRate)
	assert.Equal(t, 20, cfg.Audio.FrameDurationMs)
	assert.Equal(t, int64(100_000), cfg.Sdr.CenterOffsetHz)
}

// The combined [trx-server] layout merges the same way: a section present in
// the file overrides only the keys it names.
func TestLoadServerCombinedFileOverridesOnlyNamedKeys(t *testing.T) {
	combinedFile := writeConfig(t, "trx-rs.toml", `
[trx-server.rig]
model = "IC-7300"

[trx-server.rig.access]
type = "tcp"
host = "192.168.1.20"
tcp_port = 4992

[trx-server.behavior]
max_retries = 5
`)

	cfg, err := LoadServer(combinedFile, filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "IC-7300", cfg.Rig.Model)
	assert.Equal(t, 5, cfg.Behavior.MaxRetries)
	// The rest of [behavior] was omitted and keeps its defaults.
	assert.Equal(t, 500, cfg.Behavior.PollIntervalMs)
	assert.Equal(t, 100, cfg.Behavior.PollIntervalTxMs)
	assert.Equal(t, 100, cfg.Behavior.RetryBaseDelayMs)
	assert.Equal(t, 4532, cfg.Listen.Port)
}

func TestLoadServerRejectsInvalidMergedConfig(t *testing.T) {
	legacy := writeConfig(t, "trx-server.toml", `
[rig]
model = "FT-817"

[rig.access]
type = "serial"
port = "/dev/ttyUSB0"
baud = 38400

[behavior]
poll_interval_ms = 0
`)

	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.toml"), legacy)
	require.Error(t, err)
	assert.Equal(t, "behavior.poll_interval_ms", err.(*ValidationError).Path)
}

func TestLoadClientKeepsDefaultLogLevelWhenFileOmitsIt(t *testing.T) {
	combinedFile := writeConfig(t, "trx-rs.toml", `
[trx-client]
server_url = "radio.example.net:4532"
`)

	cfg, err := LoadClient(combinedFile, filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "radio.example.net:4532", cfg.ServerURL)
	assert.Equal(t, "info", cfg.LogLevel)

	legacy := writeConfig(t, "trx-client.toml", `server_url = "10.0.0.2:4532"`)
	cfg, err = LoadClient(filepath.Join(t.TempDir(), "missing.toml"), legacy)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:4532", cfg.ServerURL)
	assert.Equal(t, "info", cfg.LogLevel)
}
