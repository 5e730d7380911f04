package config

import (
	"fmt"
)

// ValidationError is a Configuration-class error (spec.md §7), always
// path-qualified to the offending TOML key.
type ValidationError struct {
	Path    string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Problem)
}

func invalid(path, format string, a ...any) *ValidationError {
	return &ValidationError{Path: path, Problem: fmt.Sprintf(format, a...)}
}

var allowedModes = map[string]bool{
	"LSB": true, "USB": true, "CW": true, "CWR": true, "AM": true,
	"WFM": true, "FM": true, "DIG": true, "PKT": true,
}

var allowedFrameDurations = map[int]bool{3: true, 5: true, 10: true, 20: true, 40: true, 60: true}

// Validate enforces every constraint spec.md §6 enumerates. It returns the
// first violation found, path-qualified.
func (c *ServerConfig) Validate() error {
	if c.General.LogLevel != "" {
		switch c.General.LogLevel {
		case "trace", "debug", "info", "warn", "error":
		default:
			return invalid("general.log_level", "must be one of trace/debug/info/warn/error, got %q", c.General.LogLevel)
		}
	}
	if (c.General.Latitude == nil) != (c.General.Longitude == nil) {
		return invalid("general.latitude/longitude", "must be both set or both absent")
	}
	if c.General.Latitude != nil {
		if *c.General.Latitude < -90 || *c.General.Latitude > 90 {
			return invalid("general.latitude", "must be in -90..=90")
		}
		if *c.General.Longitude < -180 || *c.General.Longitude > 180 {
			return invalid("general.longitude", "must be in -180..=180")
		}
	}

	if c.Behavior.PollIntervalMs <= 0 {
		return invalid("behavior.poll_interval_ms", "must be > 0")
	}
	if c.Behavior.PollIntervalTxMs <= 0 {
		return invalid("behavior.poll_interval_tx_ms", "must be > 0")
	}
	if c.Behavior.MaxRetries <= 0 {
		return invalid("behavior.max_retries", "must be > 0")
	}
	if c.Behavior.RetryBaseDelayMs <= 0 {
		return invalid("behavior.retry_base_delay_ms", "must be > 0")
	}

	if c.Listen.Enabled && c.Listen.Port <= 0 {
		return invalid("listen.port", "must be > 0 when listen.enabled is true")
	}
	if c.Listen.MaxLineBytes < 0 {
		return invalid("listen.max_line_bytes", "must be >= 0 (0 means the 64 KiB default)")
	}
	for i, tok := range c.Listen.Auth.Tokens {
		if tok == "" {
			return invalid(fmt.Sprintf("listen.auth.tokens[%d]", i), "empty token strings are never accepted")
		}
	}

	if len(c.Rigs) > 0 {
		seenIDs := map[string]bool{}
		seenPorts := map[int]bool{}
		for i, r := range c.Rigs {
			path := fmt.Sprintf("rigs[%d]", i)
			if r.ID == "" {
				return invalid(path+".id", "must be non-empty")
			}
			if seenIDs[r.ID] {
				return invalid(path+".id", "duplicate rig id %q", r.ID)
			}
			seenIDs[r.ID] = true
			if err := r.Rig.validate(path + ".rig"); err != nil {
				return err
			}
			if err := r.Audio.validate(path+".audio", false); err != nil {
				return err
			}
			if r.Audio.Enabled {
				if seenPorts[r.Audio.Port] {
					return invalid(path+".audio.port", "duplicate audio port %d across rigs", r.Audio.Port)
				}
				seenPorts[r.Audio.Port] = true
			}
			if r.Rig.Access.Type == string(accessSdr) {
				if err := r.Sdr.validate(path + ".sdr"); err != nil {
					return err
				}
			}
		}
	} else {
		if err := c.Rig.validate("rig"); err != nil {
			return err
		}
		if err := c.Audio.validate("audio", false); err != nil {
			return err
		}
		if c.Rig.Access.Type == string(accessSdr) {
			if err := c.Sdr.validate("sdr"); err != nil {
				return err
			}
		}
	}

	return nil
}

const accessSdr = "sdr"

func (r RigConfig) validate(path string) error {
	if r.InitialFreqHz == 0 {
		return invalid(path+".initial_freq_hz", "must be > 0")
	}
	if r.InitialMode != "" && !allowedModes[r.InitialMode] {
		return invalid(path+".initial_mode", "unknown mode %q", r.InitialMode)
	}
	switch r.Access.Type {
	case "serial":
		if r.Access.Port == "" {
			return invalid(path+".access.port", "required for type=serial")
		}
		if r.Access.Baud <= 0 {
			return invalid(path+".access.baud", "required for type=serial")
		}
	case "tcp":
		if r.Access.Host == "" {
			return invalid(path+".access.host", "required for type=tcp")
		}
		if r.Access.TCPPort <= 0 {
			return invalid(path+".access.tcp_port", "required for type=tcp")
		}
	case "sdr":
		if r.Access.Args == "" {
			return invalid(path+".access.args", "required for type=sdr")
		}
	case "":
		return invalid(path+".access.type", "required, must be one of serial/tcp/sdr")
	default:
		return invalid(path+".access.type", "unknown access type %q", r.Access.Type)
	}
	return nil
}

func (a AudioConfig) validate(path string, forceCheck bool) error {
	if !a.Enabled && !forceCheck {
		return nil
	}
	if a.Enabled {
		if a.Port <= 0 {
			return invalid(path+".port", "must be > 0 when enabled")
		}
		if !a.RxEnabled && !a.TxEnabled {
			return invalid(path, "at least one of rx_enabled/tx_enabled must be true when enabled")
		}
		if a.SampleRate < 8000 || a.SampleRate > 192000 {
			return invalid(path+".sample_rate", "must be in 8000..=192000, got %d", a.SampleRate)
		}
		if a.Channels != 1 && a.Channels != 2 {
			return invalid(path+".channels", "must be 1 or 2, got %d", a.Channels)
		}
		if !allowedFrameDurations[a.FrameDurationMs] {
			return invalid(path+".frame_duration_ms", "must be one of 3/5/10/20/40/60, got %d", a.FrameDurationMs)
		}
		if a.BitrateBps <= 0 {
			return invalid(path+".bitrate_bps", "must be > 0")
		}
	}
	return nil
}

func (s SdrConfig) validate(path string) error {
	if s.SampleRate <= 0 {
		return invalid(path+".sample_rate", "must be > 0")
	}
	if s.Gain.Mode != "" && s.Gain.Mode != "auto" && s.Gain.Mode != "manual" {
		return invalid(path+".gain.mode", "must be auto or manual, got %q", s.Gain.Mode)
	}
	if len(s.Channels) == 0 {
		return invalid(path+".channels", "at least one channel required")
	}
	streamOpusCount := 0
	decoderOwner := map[string]string{}
	for i, ch := range s.Channels {
		cpath := fmt.Sprintf("%s.channels[%d]", path, i)
		if ch.ID == "" {
			return invalid(cpath+".id", "must be non-empty")
		}
		offsetLimit := s.SampleRate / 2
		iffreq := s.CenterOffsetHz + ch.OffsetHz
		if iffreq >= int64(offsetLimit) || iffreq <= -int64(offsetLimit) {
			return invalid(cpath+".offset_hz", "|center_offset_hz + offset_hz| must be < sample_rate/2")
		}
		if ch.Mode != "" && ch.Mode != "auto" && !allowedModes[ch.Mode] {
			return invalid(cpath+".mode", "must be \"auto\" or a known mode, got %q", ch.Mode)
		}
		if ch.StreamOpus {
			streamOpusCount++
		}
		for _, d := range ch.Decoders {
			if owner, ok := decoderOwner[d]; ok {
				return invalid(cpath+".decoders", "decoder %q already bound to channel %q", d, owner)
			}
			decoderOwner[d] = ch.ID
		}
	}
	if streamOpusCount > 1 {
		return invalid(path+".channels", "at most one channel may have stream_opus=true")
	}
	return nil
}
