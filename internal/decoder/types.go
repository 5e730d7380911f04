// Package decoder implements C4: decoder fan-out. Each decoder subscribes to
// exactly one channel's PCM broadcast; decoded events are published on a
// per-rig decode broadcast and kept in bounded ring-buffer histories
// (spec.md §4.4). Grounded on the teacher's decoder.go/decoder_types.go
// structure, generalized from its fixed APRS/CW/FT8/WSPR band set to the
// pluggable Decoder interface below, and on mqtt_publisher.go for the spot
// uplink (SPEC_FULL.md A5).
package decoder

import (
	"time"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// Mode names the four decoder kinds spec.md §3/§4.4 enumerate.
type Mode string

const (
	ModeAPRS Mode = "aprs"
	ModeCW   Mode = "cw"
	ModeFT8  Mode = "ft8"
	ModeWSPR Mode = "wspr"
)

// Event is one decoded spot/packet/message, shape varying by Mode.
type Event struct {
	Mode      Mode      `json:"mode"`
	RigID     string    `json:"rig_id"`
	ChannelID string    `json:"channel_id"`
	Time      time.Time `json:"time"`
	Callsign  string    `json:"callsign,omitempty"`
	Message   string    `json:"message,omitempty"`
	FreqHz    rig.Frequency `json:"freq_hz,omitempty"`
	SNRdb     float64   `json:"snr_db,omitempty"`
	Grid      string    `json:"grid,omitempty"`
}

// Decoder is one pluggable symbol-level decoder. Process receives
// demodulated PCM and returns zero or more decoded events; heavy
// (FT8/WSPR/CW/APRS symbol-level) decoding itself is external per spec.md §1 —
// a Decoder here is expected to shell out to, or bind, that external decoder
// and translate its output into Event.
type Decoder interface {
	Mode() Mode
	Process(frame rig.PcmFrame) []Event
}

const historyCap = 200

// ring is a fixed-capacity append-only ring buffer of decode events.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(cap int) *ring {
	return &ring{buf: make([]Event, cap)}
}

func (r *ring) push(e Event) {
	idx := (r.start + r.count) % len(r.buf)
	r.buf[idx] = e
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

func (r *ring) snapshot() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) clear() {
	r.start = 0
	r.count = 0
}
