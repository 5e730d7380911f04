// Package logging configures the structured leveled logger shared by every
// component (SPEC_FULL.md A2), grounded on the charmbracelet/log usage found
// elsewhere in the retrieval corpus.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New builds the root logger for a server or client process at the given
// level ("trace", "debug", "info", "warn", "error"). An unknown level falls
// back to "info" rather than failing startup over a cosmetic option.
func New(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Component returns a child logger tagged with a component name, the
// convention every package in this repository follows instead of ad-hoc
// log.Printf prefixes.
func Component(root *log.Logger, name string) *log.Logger {
	return root.With("component", name)
}

// ForRig returns a child logger additionally tagged with a rig id.
func ForRig(root *log.Logger, rigID string) *log.Logger {
	return root.With("rig_id", rigID)
}
