// Package rig defines the capability-typed interface every backend (CAT or SDR)
// implements, and the data model shared by the controller, runtime, and wire codec.
package rig

import (
	"context"
	"fmt"
	"time"
)

// Frequency is an integer hertz value. Never negative.
type Frequency uint64

// Band returns the derived band label for a frequency, e.g. "20m".
// Unknown ranges return "unknown".
func (f Frequency) Band() string {
	hz := uint64(f)
	switch {
	case hz >= 135_700 && hz <= 137_800:
		return "2200m"
	case hz >= 472_000 && hz <= 479_000:
		return "630m"
	case hz >= 1_800_000 && hz <= 2_000_000:
		return "160m"
	case hz >= 3_500_000 && hz <= 4_000_000:
		return "80m"
	case hz >= 5_330_000 && hz <= 5_410_000:
		return "60m"
	case hz >= 7_000_000 && hz <= 7_300_000:
		return "40m"
	case hz >= 10_100_000 && hz <= 10_150_000:
		return "30m"
	case hz >= 14_000_000 && hz <= 14_350_000:
		return "20m"
	case hz >= 18_068_000 && hz <= 18_168_000:
		return "17m"
	case hz >= 21_000_000 && hz <= 21_450_000:
		return "15m"
	case hz >= 24_890_000 && hz <= 24_990_000:
		return "12m"
	case hz >= 28_000_000 && hz <= 29_700_000:
		return "10m"
	case hz >= 50_000_000 && hz <= 54_000_000:
		return "6m"
	case hz >= 144_000_000 && hz <= 148_000_000:
		return "2m"
	case hz >= 420_000_000 && hz <= 450_000_000:
		return "70cm"
	default:
		return "unknown"
	}
}

// Mode is the closed set of demodulation/keying modes, with an escape hatch
// for vendor- or plugin-specific modes.
type Mode struct {
	kind  modeKind
	other string
}

type modeKind uint8

const (
	ModeLSB modeKind = iota
	ModeUSB
	ModeCW
	ModeCWR
	ModeAM
	ModeWFM
	ModeFM
	ModeDIG
	ModePKT
	modeOther
)

var namedModes = map[modeKind]string{
	ModeLSB: "LSB", ModeUSB: "USB", ModeCW: "CW", ModeCWR: "CWR",
	ModeAM: "AM", ModeWFM: "WFM", ModeFM: "FM", ModeDIG: "DIG", ModePKT: "PKT",
}

// NewMode constructs one of the closed-set modes.
func NewMode(k modeKind) Mode { return Mode{kind: k} }

// OtherMode constructs the Other(string) escape mode.
func OtherMode(name string) Mode { return Mode{kind: modeOther, other: name} }

// ParseMode maps a wire string onto a Mode, falling back to Other.
func ParseMode(s string) Mode {
	for k, name := range namedModes {
		if name == s {
			return Mode{kind: k}
		}
	}
	return OtherMode(s)
}

func (m Mode) String() string {
	if m.kind == modeOther {
		return m.other
	}
	return namedModes[m.kind]
}

func (m Mode) IsOther() bool { return m.kind == modeOther }

func (m Mode) Equal(o Mode) bool { return m.kind == o.kind && m.other == o.other }

// MarshalJSON/UnmarshalJSON let Mode round-trip through the wire codec as a plain string.
func (m Mode) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", m.String())), nil
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) >= 2 && b[0] == '"' {
		s = string(b[1 : len(b)-1])
	}
	*m = ParseMode(s)
	return nil
}

// TxBand is one transmit-band pair with a TX-allowed flag.
type TxBand struct {
	LowHz     Frequency `json:"low_hz"`
	HighHz    Frequency `json:"high_hz"`
	TxAllowed bool      `json:"tx_allowed"`
}

// Contains reports whether f falls within [LowHz, HighHz].
func (b TxBand) Contains(f Frequency) bool { return f >= b.LowHz && f <= b.HighHz }

// RigCapabilities describes what a backend can do.
type RigCapabilities struct {
	SupportedModes   []Mode   `json:"supported_modes"`
	TxBands          []TxBand `json:"tx_bands"`
	NumVfos          int      `json:"num_vfos"`
	MinFreqStepHz    uint64   `json:"min_freq_step_hz"`
	Tx               bool     `json:"tx"`
	TxLimit          bool     `json:"tx_limit"`
	VfoSwitch        bool     `json:"vfo_switch"`
	SignalMeter      bool     `json:"signal_meter"`
	FilterControls   bool     `json:"filter_controls"`
}

// SupportsMode reports whether m is in the capability's supported mode set.
func (c RigCapabilities) SupportsMode(m Mode) bool {
	for _, sm := range c.SupportedModes {
		if sm.Equal(m) {
			return true
		}
	}
	return false
}

// TxAllowedAt reports whether f falls inside a tx_allowed band.
func (c RigCapabilities) TxAllowedAt(f Frequency) bool {
	for _, b := range c.TxBands {
		if b.TxAllowed && b.Contains(f) {
			return true
		}
	}
	return false
}

// AccessKind distinguishes the three ways a rig is physically reached.
type AccessKind string

const (
	AccessSerial AccessKind = "serial"
	AccessTcp    AccessKind = "tcp"
	AccessSdr    AccessKind = "sdr"
)

// AccessDescriptor is a tagged union over the three access kinds.
type AccessDescriptor struct {
	Kind AccessKind `json:"type"`
	Path string     `json:"path,omitempty"` // serial
	Baud int        `json:"baud,omitempty"` // serial
	Host string     `json:"host,omitempty"` // tcp
	Port int        `json:"port,omitempty"` // tcp
	Args string     `json:"args,omitempty"` // sdr
}

// RigInfo identifies a backend's make/model/revision and how it's reached.
type RigInfo struct {
	Manufacturer string           `json:"manufacturer"`
	Model        string           `json:"model"`
	Revision     string           `json:"revision"`
	Access       AccessDescriptor `json:"access"`
	Capabilities RigCapabilities  `json:"capabilities"`
}

// VfoEntry is one tuning slot.
type VfoEntry struct {
	Name      string    `json:"name"`
	Frequency Frequency `json:"frequency"`
	Mode      Mode      `json:"mode"`
}

// VfoBank is the ordered set of VFOs plus the active index.
// Invariant: 0 <= Active < len(Entries).
type VfoBank struct {
	Entries []VfoEntry `json:"entries"`
	Active  int        `json:"active"`
}

// ActiveEntry returns the currently selected VFO, panicking if the invariant is violated
// (callers are expected to only ever construct valid banks via NewVfoBank/Toggle).
func (b VfoBank) ActiveEntry() VfoEntry {
	if b.Active < 0 || b.Active >= len(b.Entries) {
		panic(fmt.Sprintf("vfo bank invariant violated: active=%d len=%d", b.Active, len(b.Entries)))
	}
	return b.Entries[b.Active]
}

// NewVfoBank builds a bank of n VFOs named VFO-A, VFO-B, ..., each set to
// freq and mode, with the first one active.
func NewVfoBank(n int, freq Frequency, mode Mode) VfoBank {
	entries := make([]VfoEntry, n)
	for i := range entries {
		entries[i] = VfoEntry{Name: vfoName(i), Frequency: freq, Mode: mode}
	}
	return VfoBank{Entries: entries, Active: 0}
}

func vfoName(i int) string {
	return fmt.Sprintf("VFO-%c", 'A'+i)
}

// Toggle advances the active VFO, wrapping around.
func (b VfoBank) Toggle() VfoBank {
	if len(b.Entries) == 0 {
		return b
	}
	b.Active = (b.Active + 1) % len(b.Entries)
	return b
}

// WithActiveFreq returns a copy of the bank with the active entry's frequency replaced.
func (b VfoBank) WithActiveFreq(f Frequency) VfoBank {
	entries := append([]VfoEntry(nil), b.Entries...)
	entries[b.Active].Frequency = f
	b.Entries = entries
	return b
}

// WithActiveMode returns a copy of the bank with the active entry's mode replaced.
func (b VfoBank) WithActiveMode(m Mode) VfoBank {
	entries := append([]VfoEntry(nil), b.Entries...)
	entries[b.Active].Mode = m
	b.Entries = entries
	return b
}

// RxStatus is instantaneous receive signal strength.
type RxStatus struct {
	SignalDbm float64 `json:"signal_dbm"`
}

// TxStatus is instantaneous transmit state.
type TxStatus struct {
	Transmitting bool     `json:"transmitting"`
	PowerPercent int      `json:"power_percent"`
	Swr          float64  `json:"swr"`
	TxLimit      *float64 `json:"tx_limit,omitempty"`
}

// RigStatus mirrors the active VFO plus TX/RX meters and lock state.
type RigStatus struct {
	Frequency Frequency `json:"frequency"`
	Mode      Mode      `json:"mode"`
	TxEn      bool      `json:"tx_en"`
	Vfos      VfoBank   `json:"vfos"`
	Rx        RxStatus  `json:"rx"`
	Tx        TxStatus  `json:"tx"`
	Locked    bool      `json:"locked"`
}

// ErrorKind classifies a RigError for the retry policy.
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

// RigError is the error type every backend operation returns.
type RigError struct {
	Kind    ErrorKind
	Message string
}

func (e *RigError) Error() string { return e.Message }

func NewTransientError(format string, a ...any) *RigError {
	return &RigError{Kind: Transient, Message: fmt.Sprintf(format, a...)}
}

func NewPermanentError(format string, a ...any) *RigError {
	return &RigError{Kind: Permanent, Message: fmt.Sprintf(format, a...)}
}

// ErrNotSupported is the canonical Permanent error for unimplemented operations.
func ErrNotSupported(op string) *RigError {
	return NewPermanentError("%s: not supported by this backend", op)
}

// PcmFrame is one block of demodulated real-valued audio samples.
type PcmFrame struct {
	SampleRate int
	Samples    []float32
	CapturedAt time.Time
}

// PcmSubscribe lets a controller hand its audio consumer (decoder fan-out,
// Opus encoder) a channel of demodulated frames without depending on the
// concrete backend type.
type PcmSubscribe func() (<-chan PcmFrame, func())

// TxAudioSink is the optional capability a backend implements to accept
// uploaded TX audio. The audio transport type-asserts the backend against it;
// backends without a TX audio path (the SDR pipeline) simply don't implement
// it and uploaded frames are dropped.
type TxAudioSink interface {
	WriteTxAudio(frame PcmFrame) error
}

// Backend is the capability-typed interface every rig implementation exposes.
// Every operation honours ctx's deadline and returns *RigError on failure.
type Backend interface {
	Probe(ctx context.Context) (RigInfo, error)
	GetStatus(ctx context.Context) (RigStatus, error)
	SetFreq(ctx context.Context, hz Frequency) error
	SetMode(ctx context.Context, m Mode) error
	SetPtt(ctx context.Context, on bool) error
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	ToggleVfo(ctx context.Context) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	GetTxLimit(ctx context.Context) (float64, error)
	SetTxLimit(ctx context.Context, v float64) error
	GetSignalStrength(ctx context.Context) (float64, error)
	// AsAudioSource returns a PCM subscription function if this backend also
	// produces audio (the SDR pipeline's primary channel); ok is false otherwise.
	AsAudioSource() (sub PcmSubscribe, ok bool)
}
