package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Device describes one host audio output, for the --list-audio-devices CLI
// and for validating the [audio].device config option against real hardware.
type Device struct {
	Index       int
	Name        string
	MaxChannels int
	SampleRate  float64
	IsDefault   bool
}

// OutputDevices enumerates the host's audio outputs via PortAudio. The
// library is initialized and terminated around the enumeration, so callers
// need no setup of their own.
func OutputDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: device list: %w", err)
	}

	var defaultName string
	if d, err := portaudio.DefaultOutputDevice(); err == nil && d != nil {
		defaultName = d.Name
	}

	var out []Device
	for i, d := range devices {
		if d.MaxOutputChannels <= 0 {
			continue
		}
		out = append(out, Device{
			Index:       i,
			Name:        d.Name,
			MaxChannels: d.MaxOutputChannels,
			SampleRate:  d.DefaultSampleRate,
			IsDefault:   d.Name == defaultName,
		})
	}
	return out, nil
}
