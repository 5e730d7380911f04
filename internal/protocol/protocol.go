// Package protocol implements C7: the line-delimited JSON control protocol
// clients speak over TCP (spec.md §4.6). Grounded on the teacher's
// websocket.go ClientMessage/ServerMessage flat tagged-struct framing,
// adapted from a WebSocket/JSON-text frame to one JSON object per newline,
// and on session.go's per-connection goroutine-and-writer-mutex shape.
package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/n0call/trx-rs-go/internal/decoder"
	"github.com/n0call/trx-rs-go/internal/rig"
	"github.com/n0call/trx-rs-go/internal/runtime"
)

// MaxLineBytes is the default bound on one request/response line, spec.md
// §4.7 "maximum line length: configurable, default 64 KiB".
const MaxLineBytes = 64 * 1024

// ErrorCode enumerates the protocol-level error responses spec.md §4.6 names.
type ErrorCode string

const (
	ErrBadRequest      ErrorCode = "bad_request"
	ErrUnknownRig      ErrorCode = "unknown_rig"
	ErrInvalidState    ErrorCode = "invalid_state"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotSupported    ErrorCode = "not_supported"
	ErrUnauthenticated ErrorCode = "unauthenticated"
)

// authCommand is the literal first-line handshake spec.md §4.7 mandates when
// [listen.auth].tokens is non-empty: {"command":"auth","token":"…"}.
const authCommand = "auth"

// serverScope is the rig_id carried on responses that address the whole
// server rather than one rig's backend (auth, get_rigs, spec.md §3/§4.7).
const serverScope = "server"

// Envelope is one client request: a command name, optional rig scope, a
// correlation id the response echoes back, and command-specific fields laid
// out flat (ClientMessage's style) rather than as a nested polymorphic payload.
type Envelope struct {
	ID      string `json:"id,omitempty"`
	Token   string `json:"token,omitempty"`
	Command string `json:"command"`
	// Cmd is the short-form alias single-rig clients historically send
	// ({"cmd":"set_freq",...}); Command wins when both are present.
	Cmd       string  `json:"cmd,omitempty"`
	RigID     string  `json:"rig_id,omitempty"`
	FreqHz    int64   `json:"freq_hz,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	PttOn     bool    `json:"ptt_on,omitempty"`
	TxLimit   float64 `json:"tx_limit,omitempty"`
	Bandwidth int     `json:"bandwidth,omitempty"`
	FirTaps   int     `json:"fir_taps,omitempty"`
	CwAuto    bool    `json:"cw_auto,omitempty"`
	CwWpm     int     `json:"cw_wpm,omitempty"`
	CwToneHz  int     `json:"cw_tone_hz,omitempty"`
	TargetRig string  `json:"target_rig_id,omitempty"` // select_rig's argument
}

// command resolves the long-form key against the short-form alias.
func (e Envelope) command() string {
	if e.Command != "" {
		return e.Command
	}
	return e.Cmd
}

// Response is one reply line: at most one of Result/Rigs or Code is set.
// RigID is always present (spec.md §3, §4.7, §8 Testable Property 1): the
// resolved rig id on a rig-scoped reply, the requested rig id on an
// unknown-rig failure, and serverScope for replies that address the server
// rather than one rig. On failure, Code carries the short machine-readable
// reason (the wire `error` key) and Message the human-readable detail.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Ok      bool            `json:"success"`
	RigID   string          `json:"rig_id"`
	Result  json.RawMessage `json:"state,omitempty"`
	Rigs    json.RawMessage `json:"rigs,omitempty"`
	Code    ErrorCode       `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// rigEntry is one element of a get_rigs reply: the rig's id alongside its
// full snapshot under `state`, mirroring the per-command response shape.
type rigEntry struct {
	RigID string          `json:"rig_id"`
	State rig.RigSnapshot `json:"state"`
}

// Push is one unsolicited server-to-client line, interleaved with responses
// on the same connection: a snapshot change or a decode event for a rig the
// session is (implicitly) subscribed to. The `event` key distinguishes it
// from a Response, which never carries one.
type Push struct {
	Event  string          `json:"event"` // "snapshot" or "decode"
	RigID  string          `json:"rig_id"`
	State  json.RawMessage `json:"state,omitempty"`
	Decode json.RawMessage `json:"decode,omitempty"`
}

// RigSource is the subset of runtime.Runtime the listener needs.
type RigSource interface {
	Rig(id string) (*runtime.Handle, bool)
	Handles() []*runtime.Handle
	GetRigs() []rig.RigSnapshot
	Snapshot(rigID string) (rig.RigSnapshot, bool)
	SelectRig(rigID string) error
	IncClientCount()
	DecClientCount()
}

// Listener accepts TCP connections and speaks one Envelope/Response per line
// on each (spec.md §4.6).
type Listener struct {
	rt      RigSource
	tokens  map[string]struct{}
	maxLine int
	logger  *log.Logger
}

// NewListener builds a Listener; an empty tokens set disables auth (every
// request is accepted), matching spec.md §6's default [listen.auth] being
// empty, and maxLine <= 0 falls back to the 64 KiB default.
func NewListener(rt RigSource, tokens []string, maxLine int, logger *log.Logger) *Listener {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	if maxLine <= 0 {
		maxLine = MaxLineBytes
	}
	return &Listener{rt: rt, tokens: set, maxLine: maxLine, logger: logger}
}

// Serve accepts connections on ln until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	l.rt.IncClientCount()
	defer l.rt.DecClientCount()

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	var writeMu sync.Mutex
	writeLine := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.Write(append(b, '\n'))
	}
	write := func(r Response) { writeLine(r) }

	scanner := bufio.NewScanner(conn)
	// +1 leaves room for the terminator, so a line of exactly maxLine bytes
	// is accepted and maxLine+1 trips ErrTooLong. The initial buffer must
	// not exceed the cap: Scanner takes the larger of the two as its limit.
	initial := 4096
	if initial > l.maxLine+1 {
		initial = l.maxLine + 1
	}
	scanner.Buffer(make([]byte, initial), l.maxLine+1)

	// authenticated tracks this one connection's handshake state (spec.md
	// §4.7): with no tokens configured, auth is skipped entirely; otherwise
	// the literal first line must be {"command":"auth","token":"…"}.
	authenticated := len(l.tokens) == 0
	pushing := false
	startPush := func() {
		if pushing {
			return
		}
		pushing = true
		l.startPushers(connCtx, writeLine)
	}
	if authenticated {
		startPush()
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			write(Response{Ok: false, RigID: serverScope, Message: err.Error(), Code: ErrBadRequest})
			return // malformed JSON closes the session, spec.md §4.7
		}
		if env.ID == "" {
			env.ID = uuid.NewString()
		}

		if !authenticated {
			if env.command() != authCommand {
				write(Response{ID: env.ID, RigID: serverScope, Ok: false, Message: "unauthenticated", Code: ErrUnauthenticated})
				return
			}
			if _, ok := l.tokens[env.Token]; !ok {
				write(Response{ID: env.ID, RigID: serverScope, Ok: false, Message: "unauthenticated", Code: ErrUnauthenticated})
				return
			}
			authenticated = true
			write(Response{ID: env.ID, RigID: serverScope, Ok: true})
			startPush()
			continue
		}

		write(l.dispatch(ctx, env))
	}
	if err := scanner.Err(); err != nil && l.logger != nil {
		// An oversized line surfaces here as bufio.ErrTooLong: a protocol
		// error that tears the session down (spec.md §8 boundary behavior).
		l.logger.Warn("protocol: session closed on read error", "err", err)
	}
}

// startPushers streams every rig's snapshot changes and decode events to
// this session, the implicit all-rigs subscription spec.md §4.7 describes.
// Push lines share the response writer, serialized by its mutex.
func (l *Listener) startPushers(ctx context.Context, writeLine func(any)) {
	for _, h := range l.rt.Handles() {
		h := h
		go func() {
			snaps, cancel := h.Controller.Subscribe()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-snaps:
					if !ok {
						return
					}
					// Re-read through the runtime so the pushed value
					// carries the enriched server-scoped fields.
					snap, ok := l.rt.Snapshot(h.ID)
					if !ok {
						return
					}
					writeLine(Push{Event: "snapshot", RigID: h.ID, State: marshalOrNil(snap)})
				}
			}
		}()
		go func() {
			events, cancel := h.FanOut.Subscribe()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					writeLine(Push{Event: "decode", RigID: h.ID, Decode: marshalOrNil(e)})
				}
			}
		}()
	}
}

func (l *Listener) dispatch(ctx context.Context, env Envelope) Response {
	command := env.command()
	if command == authCommand {
		// The handshake already succeeded earlier in this connection
		// (handleConn gates on it); a repeat auth line is accepted as a
		// harmless no-op rather than falling through to rig resolution
		// with an empty rig_id and failing as unknown_rig.
		return Response{ID: env.ID, RigID: serverScope, Ok: true}
	}
	if command == "get_rigs" {
		snaps := l.rt.GetRigs()
		entries := make([]rigEntry, 0, len(snaps))
		for _, s := range snaps {
			entries = append(entries, rigEntry{RigID: s.RigID, State: s})
		}
		return Response{ID: env.ID, RigID: serverScope, Ok: true, Rigs: marshalOrNil(entries)}
	}
	if command == "select_rig" {
		if err := l.rt.SelectRig(env.TargetRig); err != nil {
			return Response{ID: env.ID, RigID: env.TargetRig, Ok: false, Message: err.Error(), Code: ErrUnknownRig}
		}
		return Response{ID: env.ID, RigID: env.TargetRig, Ok: true}
	}

	h, ok := l.rt.Rig(env.RigID)
	if !ok {
		return Response{ID: env.ID, RigID: env.RigID, Ok: false, Message: fmt.Sprintf("no such rig %q", env.RigID), Code: ErrUnknownRig}
	}

	// Decoder fan-out and SDR-channel tuning commands address state the
	// controller's backend gate doesn't own, so they're handled here rather
	// than routed through Controller.Enqueue.
	if resp, handled := l.dispatchLocal(env, h); handled {
		return resp
	}

	cmd, err := toCommand(env)
	if err != nil {
		if code, ok := err.(*argumentError); ok {
			return Response{ID: env.ID, RigID: h.ID, Ok: false, Message: code.Error(), Code: ErrInvalidArgument}
		}
		return Response{ID: env.ID, RigID: h.ID, Ok: false, Message: err.Error(), Code: ErrBadRequest}
	}

	outcome, err := h.Controller.Enqueue(ctx, cmd)
	if err != nil {
		return Response{ID: env.ID, RigID: h.ID, Ok: false, Message: err.Error(), Code: ErrInvalidState}
	}
	if !outcome.IsSuccess() {
		return Response{ID: env.ID, RigID: h.ID, Ok: false, Message: outcome.Message, Code: codeForOutcome(outcome)}
	}

	// Every successful mutating command reports the rig's post-command
	// state, spec.md §6's worked example (not just a bare ok:true) — the
	// command-specific payload (e.g. get_tx_limit's numeric value) wins
	// when the handler produced one, otherwise the fresh snapshot is attached.
	payload := outcome.Payload
	if payload == nil {
		if snap, ok := l.rt.Snapshot(h.ID); ok {
			payload = marshalOrNil(snap)
		}
	}
	return Response{ID: env.ID, RigID: h.ID, Ok: true, Result: payload}
}

// codeForOutcome maps a failed CommandOutcome onto the short wire reason.
// Permanent rejections encode their class as a message prefix (the
// controller's gate and the backends both follow that convention); anything
// else surfaces as invalid_state.
func codeForOutcome(o rig.CommandOutcome) ErrorCode {
	switch {
	case strings.HasPrefix(o.Message, "invalid_argument"):
		return ErrInvalidArgument
	case strings.Contains(o.Message, "not supported"):
		return ErrNotSupported
	default:
		return ErrInvalidState
	}
}

// dispatchLocal handles the commands that belong to the decoder fan-out or
// SDR channel rather than to a rig.Backend. handled is false for every other
// command, signalling the caller to fall through to the controller.
func (l *Listener) dispatchLocal(env Envelope, h *runtime.Handle) (Response, bool) {
	switch rig.CommandKind(env.command()) {
	case rig.CmdGetSnapshot:
		snap, ok := l.rt.Snapshot(h.ID)
		if !ok {
			return Response{ID: env.ID, RigID: h.ID, Ok: false, Message: fmt.Sprintf("no such rig %q", h.ID), Code: ErrUnknownRig}, true
		}
		return Response{ID: env.ID, RigID: h.ID, Ok: true, Result: marshalOrNil(snap)}, true
	case rig.CmdSetBandwidth:
		ok := h.SetFilter(env.Bandwidth, 0)
		return filterResponse(env.ID, h.ID, ok), true
	case rig.CmdSetFirTaps:
		ok := h.SetFilter(0, env.FirTaps)
		return filterResponse(env.ID, h.ID, ok), true
	case rig.CmdSetCwAuto:
		ok := h.FanOut.ConfigureCw(env.CwAuto, 0, 0)
		return filterResponse(env.ID, h.ID, ok), true
	case rig.CmdSetCwWpm:
		ok := h.FanOut.ConfigureCw(false, env.CwWpm, 0)
		return filterResponse(env.ID, h.ID, ok), true
	case rig.CmdSetCwTone:
		ok := h.FanOut.ConfigureCw(false, 0, env.CwToneHz)
		return filterResponse(env.ID, h.ID, ok), true
	case rig.CmdToggleFt8Decode:
		h.FanOut.SetEnabled(decoder.ModeFT8, !h.FanOut.IsEnabled(decoder.ModeFT8))
		return Response{ID: env.ID, RigID: h.ID, Ok: true}, true
	case rig.CmdToggleWsprDecode:
		h.FanOut.SetEnabled(decoder.ModeWSPR, !h.FanOut.IsEnabled(decoder.ModeWSPR))
		return Response{ID: env.ID, RigID: h.ID, Ok: true}, true
	case rig.CmdClearAprsHistory:
		h.FanOut.Clear(decoder.ModeAPRS)
		return Response{ID: env.ID, RigID: h.ID, Ok: true}, true
	case rig.CmdClearFt8History:
		h.FanOut.Clear(decoder.ModeFT8)
		return Response{ID: env.ID, RigID: h.ID, Ok: true}, true
	case rig.CmdClearWsprHistory:
		h.FanOut.Clear(decoder.ModeWSPR)
		return Response{ID: env.ID, RigID: h.ID, Ok: true}, true
	case rig.CmdClearCwHistory:
		h.FanOut.Clear(decoder.ModeCW)
		return Response{ID: env.ID, RigID: h.ID, Ok: true}, true
	}
	return Response{}, false
}

func filterResponse(id, rigID string, ok bool) Response {
	if !ok {
		return Response{ID: id, RigID: rigID, Ok: false, Message: "rig has no tunable channel for this command", Code: ErrInvalidState}
	}
	return Response{ID: id, RigID: rigID, Ok: true}
}

// argumentError marks a request whose fields parsed but fall outside the
// command's value domain; it maps to invalid_argument and the session stays
// open, unlike a bad_request.
type argumentError struct{ msg string }

func (e *argumentError) Error() string { return e.msg }

// toCommand maps an Envelope onto the rig.Command sum type spec.md §4.6
// names; this is the line-protocol's only coupling to the command enum.
func toCommand(env Envelope) (rig.Command, error) {
	command := env.command()
	switch rig.CommandKind(command) {
	case rig.CmdSetFreq:
		if env.FreqHz < 0 {
			return rig.Command{}, &argumentError{fmt.Sprintf("freq_hz must be non-negative, got %d", env.FreqHz)}
		}
		return rig.Command{Kind: rig.CmdSetFreq, FreqHz: rig.Frequency(env.FreqHz)}, nil
	case rig.CmdSetMode:
		return rig.Command{Kind: rig.CmdSetMode, Mode: rig.ParseMode(env.Mode)}, nil
	case rig.CmdSetPtt:
		return rig.Command{Kind: rig.CmdSetPtt, PttOn: env.PttOn}, nil
	case rig.CmdPowerOn, rig.CmdPowerOff, rig.CmdToggleVfo, rig.CmdLock, rig.CmdUnlock, rig.CmdGetTxLimit, rig.CmdGetSnapshot:
		return rig.Command{Kind: rig.CommandKind(command)}, nil
	case rig.CmdSetTxLimit:
		if env.TxLimit < 0 || env.TxLimit > 100 {
			return rig.Command{}, &argumentError{fmt.Sprintf("tx_limit must be in 0..=100, got %v", env.TxLimit)}
		}
		return rig.Command{Kind: rig.CmdSetTxLimit, TxLimit: env.TxLimit}, nil
	default:
		return rig.Command{}, fmt.Errorf("unknown command %q", command)
	}
}

func marshalOrNil(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
