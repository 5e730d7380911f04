// Package audio implements C8: per-rig Opus-over-TCP audio streaming.
// Grounded on the teacher's audio.go (per-connection writer goroutine,
// StreamInfo-style handshake) and pcm_binary.go (self-describing binary
// frame header), generalized from the teacher's WebSocket/base64-JSON frames
// to a raw TCP connection carrying one JSON StreamInfo line followed by
// 2-byte big-endian length-prefixed Opus (or PCM fallback) packets. Opus
// support itself follows opus_support.go/opus_stub.go's build-tag split.
package audio

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// keepaliveInterval paces the zero-length packets the server emits when no
// audio frame has been written for a while, so half-open connections are
// detected by the write failing.
const keepaliveInterval = 5 * time.Second

// StreamInfo is the single JSON line a client reads before the binary packet
// stream begins, announcing the codec actually in use (opus may silently
// fall back to pcm when built without the opus tag).
type StreamInfo struct {
	RigID           string `json:"rig_id"`
	Codec           string `json:"codec"` // "opus" or "pcm"
	SampleRate      int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
	FrameDurationMs int    `json:"frame_duration_ms"`
	BitrateBps      int    `json:"bitrate_bps"`
}

// frameEncoder abstracts over the real Opus encoder and the PCM passthrough,
// so Server doesn't need a build tag of its own.
type frameEncoder interface {
	encode(pcm []int16) ([]byte, error)
	codecName() string
}

// frameDecoder is the mirror image for the client-to-server TX direction.
type frameDecoder interface {
	decode(packet []byte) ([]int16, error)
}

// pcmPassthrough is the always-available fallback codec: big-endian int16,
// same wire shape as the teacher's pcm_binary.go PCM frames.
type pcmPassthrough struct{}

func (pcmPassthrough) encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (pcmPassthrough) decode(packet []byte) ([]int16, error) {
	out := make([]int16, len(packet)/2)
	for i := range out {
		out[i] = int16(binary.BigEndian.Uint16(packet[i*2:]))
	}
	return out, nil
}

func (pcmPassthrough) codecName() string { return "pcm" }

// Config seeds one rig's audio Server.
type Config struct {
	RigID      string
	SampleRate int
	Channels   int
	FrameMs    int
	BitrateBps int
	WantOpus   bool
	RxEnabled  bool
	TxEnabled  bool
	Source     rig.PcmSubscribe
	TxSink     rig.TxAudioSink // nil when the backend has no TX audio path
}

// Server accepts TCP connections and streams one rig's demodulated audio to
// each; the reverse direction carries uploaded TX frames to the backend.
type Server struct {
	cfg    Config
	logger *log.Logger
}

func NewServer(cfg Config, logger *log.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Serve(ln net.Listener, stop <-chan struct{}) {
	go func() {
		<-stop
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				if s.logger != nil {
					s.logger.Error("audio: accept failed", "rig_id", s.cfg.RigID, "err", err)
				}
				return
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	enc, codec := s.buildEncoder()
	info := StreamInfo{
		RigID:           s.cfg.RigID,
		Codec:           codec,
		SampleRate:      s.cfg.SampleRate,
		Channels:        s.cfg.Channels,
		FrameDurationMs: s.cfg.FrameMs,
		BitrateBps:      s.cfg.BitrateBps,
	}
	header, err := json.Marshal(info)
	if err != nil {
		return
	}
	w := bufio.NewWriter(conn)
	w.Write(header)
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		return
	}

	done := make(chan struct{})
	if s.cfg.TxEnabled && s.cfg.TxSink != nil {
		go func() {
			defer close(done)
			s.readTxFrames(conn)
		}()
	} else {
		// Still drain (and discard) anything the client sends, so its
		// writes don't eventually block on a full socket buffer.
		go func() {
			defer close(done)
			io.Copy(io.Discard, conn)
		}()
	}

	if !s.cfg.RxEnabled || s.cfg.Source == nil {
		<-done
		return
	}

	pcm, cancel := s.cfg.Source()
	defer cancel()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-done:
			return
		case <-keepalive.C:
			// Zero-length packet, spec'd as a keepalive.
			if err := writePacket(w, nil); err != nil {
				return
			}
		case frame, ok := <-pcm:
			if !ok {
				return
			}
			payload, err := enc.encode(toInt16(frame.Samples))
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("audio: encode failed", "rig_id", s.cfg.RigID, "err", err)
				}
				continue
			}
			if err := writePacket(w, payload); err != nil {
				return
			}
			keepalive.Reset(keepaliveInterval)
		}
	}
}

// writePacket frames one payload with the 2-byte big-endian length prefix;
// a nil payload is the zero-length keepalive.
func writePacket(w *bufio.Writer, payload []byte) error {
	if len(payload) > 0xFFFF {
		payload = payload[:0xFFFF]
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readTxFrames consumes client-to-server packets in the same 2-byte framing,
// decodes them, and forwards PCM to the backend's TX path. Zero-length
// keepalives are skipped.
func (s *Server) readTxFrames(conn net.Conn) {
	dec := s.buildDecoder()
	r := bufio.NewReader(conn)
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n == 0 {
			continue
		}
		packet := make([]byte, n)
		if _, err := io.ReadFull(r, packet); err != nil {
			return
		}
		samples, err := dec.decode(packet)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("audio: tx decode failed", "rig_id", s.cfg.RigID, "err", err)
			}
			continue
		}
		frame := rig.PcmFrame{
			SampleRate: s.cfg.SampleRate,
			Samples:    toFloat32(samples),
			CapturedAt: time.Now(),
		}
		if err := s.cfg.TxSink.WriteTxAudio(frame); err != nil {
			if s.logger != nil {
				s.logger.Warn("audio: tx forward failed", "rig_id", s.cfg.RigID, "err", err)
			}
		}
	}
}

func (s *Server) buildEncoder() (frameEncoder, string) {
	if s.cfg.WantOpus {
		enc, err := newOpusEncoder(s.cfg.SampleRate, s.cfg.Channels, s.cfg.BitrateBps)
		if err == nil {
			return enc, enc.codecName()
		}
		if s.logger != nil {
			s.logger.Warn("audio: opus unavailable, falling back to pcm", "rig_id", s.cfg.RigID, "err", err)
		}
	}
	p := pcmPassthrough{}
	return p, p.codecName()
}

func (s *Server) buildDecoder() frameDecoder {
	if s.cfg.WantOpus {
		if dec, err := newOpusDecoder(s.cfg.SampleRate, s.cfg.Channels, s.cfg.FrameMs); err == nil {
			return dec
		}
	}
	return pcmPassthrough{}
}

func toInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		v := f * 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

func toFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
