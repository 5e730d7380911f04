package cat

import (
	"context"
	"fmt"

	"github.com/jochenvg/go-udev"
)

// DiscoverSerialPorts enumerates tty devices via udev. The runtime consults
// it when a serial access descriptor names "auto" instead of a device path;
// it is also usable as a plain listing surface for CLI tooling.
func DiscoverSerialPorts(ctx context.Context) ([]string, error) {
	u := udev.Udev{}
	enum := u.NewEnumerate()
	if err := enum.AddMatchSubsystem("tty"); err != nil {
		return nil, fmt.Errorf("cat: udev match subsystem: %w", err)
	}
	devices, err := enum.Devices()
	if err != nil {
		return nil, fmt.Errorf("cat: udev enumerate: %w", err)
	}

	var paths []string
	for _, d := range devices {
		if d == nil {
			continue
		}
		if path := d.Devnode(); path != "" {
			paths = append(paths, path)
		}
	}
	return paths, nil
}
