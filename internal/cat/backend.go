package cat

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// Quirks captures the per-device-model differences a CAT backend must track
// (spec.md §4.2 "tracks per-device quirks"): command terminator, whether the
// model accepts tuning while powered off, and static capability flags for
// models that cannot change TX power limit or VFO list.
type Quirks struct {
	Manufacturer  string
	Model         string
	Terminator    byte // e.g. ';' (Kenwood-style) or '\r' (Yaesu-style)
	NumVfos       int
	MinStepHz     uint64
	SupportsTxLim bool
	SupportsVfo   bool
	SupportsLock  bool
	Modes         []rig.Mode
	TxBands       []rig.TxBand
}

// DefaultKenwoodQuirks models a generic Kenwood-style CAT set (FA/MD/TX/RX/PS/IF),
// the common denominator across many HF transceivers.
func DefaultKenwoodQuirks() Quirks {
	return Quirks{
		Manufacturer: "Generic", Model: "Kenwood-CAT", Terminator: ';',
		NumVfos: 2, MinStepHz: 10,
		SupportsTxLim: true, SupportsVfo: true, SupportsLock: true,
		Modes: []rig.Mode{
			rig.NewMode(rig.ModeLSB), rig.NewMode(rig.ModeUSB), rig.NewMode(rig.ModeCW),
			rig.NewMode(rig.ModeCWR), rig.NewMode(rig.ModeAM), rig.NewMode(rig.ModeFM),
		},
		TxBands: []rig.TxBand{
			{LowHz: 1_800_000, HighHz: 2_000_000, TxAllowed: true},
			{LowHz: 3_500_000, HighHz: 4_000_000, TxAllowed: true},
			{LowHz: 7_000_000, HighHz: 7_300_000, TxAllowed: true},
			{LowHz: 14_000_000, HighHz: 14_350_000, TxAllowed: true},
			{LowHz: 21_000_000, HighHz: 21_450_000, TxAllowed: true},
			{LowHz: 28_000_000, HighHz: 29_700_000, TxAllowed: true},
		},
	}
}

// Backend is a concrete CAT rig: frames a wire sequence per logical
// operation, writes it, reads the reply with a per-operation timeout, and
// parses it. txMu guarantees at most one outstanding wire transaction.
type Backend struct {
	transport Transport
	reader    *bufio.Reader
	quirks    Quirks
	txMu      sync.Mutex
	opTimeout time.Duration

	access rig.AccessDescriptor

	mu        sync.Mutex
	vfos      rig.VfoBank
	powered   bool
	locked    bool
	txLimit   *float64
	txOn      bool

	txAudio chan rig.PcmFrame
	gpioPtt *GpioPtt
}

func New(t Transport, q Quirks, access rig.AccessDescriptor, initialFreq rig.Frequency, initialMode rig.Mode) *Backend {
	return &Backend{
		transport: t,
		reader:    bufio.NewReader(t),
		quirks:    q,
		opTimeout: 500 * time.Millisecond,
		access:    access,
		vfos:      rig.NewVfoBank(q.NumVfos, initialFreq, initialMode),
		powered:   true,
		txAudio:   make(chan rig.PcmFrame, 16),
	}
}

// transact writes cmd (without the terminator) then reads one terminated
// line, holding txMu for the duration to serialize access to the transport.
func (b *Backend) transact(ctx context.Context, cmd string) (string, error) {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(b.opTimeout)
	}
	_ = b.transport.SetDeadline(deadline)

	line := cmd + string(b.quirks.Terminator)
	if _, err := b.transport.Write([]byte(line)); err != nil {
		return "", rig.NewTransientError("cat: write: %v", err)
	}

	type result struct {
		s   string
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := b.reader.ReadString(b.quirks.Terminator)
		resCh <- result{s: s, err: err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return "", rig.NewTransientError("cat: read: %v", r.err)
		}
		resp := strings.TrimSuffix(strings.TrimSpace(r.s), string(b.quirks.Terminator))
		if strings.HasPrefix(resp, "?") || strings.Contains(resp, "ERR") {
			return "", rig.NewPermanentError("cat: device reported error for %q: %s", cmd, resp)
		}
		return resp, nil
	case <-ctx.Done():
		return "", rig.NewTransientError("cat: timeout waiting for reply to %q", cmd)
	}
}

func (b *Backend) Probe(ctx context.Context) (rig.RigInfo, error) {
	caps := rig.RigCapabilities{
		SupportedModes: b.quirks.Modes,
		TxBands:        b.quirks.TxBands,
		NumVfos:        b.quirks.NumVfos,
		MinFreqStepHz:  b.quirks.MinStepHz,
		Tx:             true,
		TxLimit:        b.quirks.SupportsTxLim,
		VfoSwitch:      b.quirks.SupportsVfo,
		SignalMeter:    true,
		FilterControls: false,
	}
	return rig.RigInfo{
		Manufacturer: b.quirks.Manufacturer,
		Model:        b.quirks.Model,
		Access:       b.access,
		Capabilities: caps,
	}, nil
}

func (b *Backend) GetStatus(ctx context.Context) (rig.RigStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.powered {
		return rig.RigStatus{}, rig.NewPermanentError("cat: powered off")
	}

	signal, err := b.getSignalStrengthLocked(ctx)
	if err != nil {
		signal = 0
	}

	active := b.vfos.ActiveEntry()
	status := rig.RigStatus{
		Frequency: active.Frequency,
		Mode:      active.Mode,
		TxEn:      b.txOn,
		Vfos:      b.vfos,
		Rx:        rig.RxStatus{SignalDbm: signal},
		Tx: rig.TxStatus{
			Transmitting: b.txOn,
			PowerPercent: 100,
			Swr:          1.2,
			TxLimit:      b.txLimit,
		},
		Locked: b.locked,
	}
	return status, nil
}

func (b *Backend) SetFreq(ctx context.Context, hz rig.Frequency) error {
	step := b.quirks.MinStepHz
	if step == 0 {
		step = 1
	}
	rounded := rig.Frequency((uint64(hz) + step/2) / step * step)

	cmd := fmt.Sprintf("FA%011d", uint64(rounded))
	if _, err := b.transact(ctx, cmd); err != nil {
		return err
	}
	b.mu.Lock()
	b.vfos = b.vfos.WithActiveFreq(rounded)
	b.mu.Unlock()
	return nil
}

func (b *Backend) SetMode(ctx context.Context, m rig.Mode) error {
	code := kenwoodModeCode(m)
	if code == "" {
		return rig.NewPermanentError("cat: unsupported mode %s", m)
	}
	if _, err := b.transact(ctx, "MD"+code); err != nil {
		return err
	}
	b.mu.Lock()
	b.vfos = b.vfos.WithActiveMode(m)
	b.mu.Unlock()
	return nil
}

func (b *Backend) SetPtt(ctx context.Context, on bool) error {
	cmd := "RX"
	if on {
		cmd = "TX"
	}
	if _, err := b.transact(ctx, cmd); err != nil {
		return err
	}
	if b.gpioPtt != nil {
		if err := b.gpioPtt.SetPtt(on); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.txOn = on
	b.mu.Unlock()
	return nil
}

// AttachGpioPtt keys a hardware PTT line in lockstep with the CAT TX/RX
// commands, for rigs whose keying is wired through a GPIO interface.
func (b *Backend) AttachGpioPtt(g *GpioPtt) { b.gpioPtt = g }

func (b *Backend) PowerOn(ctx context.Context) error {
	if _, err := b.transact(ctx, "PS1"); err != nil {
		return err
	}
	b.mu.Lock()
	b.powered = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) PowerOff(ctx context.Context) error {
	if _, err := b.transact(ctx, "PS0"); err != nil {
		return err
	}
	b.mu.Lock()
	b.powered = false
	b.txOn = false
	b.mu.Unlock()
	return nil
}

func (b *Backend) ToggleVfo(ctx context.Context) error {
	if !b.quirks.SupportsVfo {
		return rig.ErrNotSupported("toggle_vfo")
	}
	if _, err := b.transact(ctx, "FR"); err != nil {
		return err
	}
	b.mu.Lock()
	b.vfos = b.vfos.Toggle()
	b.mu.Unlock()
	return nil
}

func (b *Backend) Lock(ctx context.Context) error {
	if !b.quirks.SupportsLock {
		return rig.ErrNotSupported("lock")
	}
	if _, err := b.transact(ctx, "LK1"); err != nil {
		return err
	}
	b.mu.Lock()
	b.locked = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Unlock(ctx context.Context) error {
	if !b.quirks.SupportsLock {
		return rig.ErrNotSupported("unlock")
	}
	if _, err := b.transact(ctx, "LK0"); err != nil {
		return err
	}
	b.mu.Lock()
	b.locked = false
	b.mu.Unlock()
	return nil
}

func (b *Backend) GetTxLimit(ctx context.Context) (float64, error) {
	if !b.quirks.SupportsTxLim {
		return 0, rig.ErrNotSupported("get_tx_limit")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.txLimit == nil {
		return 100, nil
	}
	return *b.txLimit, nil
}

func (b *Backend) SetTxLimit(ctx context.Context, v float64) error {
	if !b.quirks.SupportsTxLim {
		return rig.ErrNotSupported("set_tx_limit")
	}
	if v < 0 || v > 100 {
		return rig.NewPermanentError("invalid_argument: tx limit %v out of range 0..100", v)
	}
	cmd := fmt.Sprintf("PC%03d", int(v))
	if _, err := b.transact(ctx, cmd); err != nil {
		return err
	}
	b.mu.Lock()
	b.txLimit = &v
	b.mu.Unlock()
	return nil
}

func (b *Backend) GetSignalStrength(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getSignalStrengthLocked(ctx)
}

func (b *Backend) getSignalStrengthLocked(ctx context.Context) (float64, error) {
	resp, err := b.transact(ctx, "SM0")
	if err != nil {
		return 0, err
	}
	raw := strings.TrimPrefix(resp, "SM0")
	level, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return -120, nil
	}
	// Map the rig's 0..30 S-meter scale onto approximate dBm.
	return -127 + float64(level)*3, nil
}

// AsAudioSource: CAT backends carry no demodulated audio path of their own.
func (b *Backend) AsAudioSource() (rig.PcmSubscribe, bool) { return nil, false }

// WriteTxAudio accepts uploaded TX audio for playout into the rig's audio
// input. The frame is queued on a bounded buffer the sound-device playout
// loop drains; when that loop falls behind, the oldest frame is dropped so
// the upload path never blocks the audio transport.
func (b *Backend) WriteTxAudio(frame rig.PcmFrame) error {
	b.mu.Lock()
	if !b.powered {
		b.mu.Unlock()
		return rig.NewPermanentError("cat: powered off")
	}
	b.mu.Unlock()

	select {
	case b.txAudio <- frame:
	default:
		select {
		case <-b.txAudio:
		default:
		}
		select {
		case b.txAudio <- frame:
		default:
		}
	}
	return nil
}

// TxAudio exposes the queued TX frames to the sound-device playout loop.
func (b *Backend) TxAudio() <-chan rig.PcmFrame { return b.txAudio }

var _ rig.TxAudioSink = (*Backend)(nil)

func kenwoodModeCode(m rig.Mode) string {
	switch m.String() {
	case "LSB":
		return "1"
	case "USB":
		return "2"
	case "CW":
		return "3"
	case "FM":
		return "4"
	case "AM":
		return "5"
	case "DIG", "PKT":
		return "6"
	case "CWR":
		return "7"
	default:
		return ""
	}
}

var _ rig.Backend = (*Backend)(nil)
