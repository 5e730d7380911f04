package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// WsjtxBroadcaster re-emits FanOut decode events as WSJT-X UDP protocol
// datagrams, so third-party tools that already speak that protocol (JTAlert,
// GridTracker) can follow along. Grounded directly on the teacher's
// decoder_wsjtx_udp.go wire encoding (QDataStream-style length-prefixed
// strings, big-endian fixed-width fields), generalized from the teacher's
// band/DecodeInfo model to this package's rig-agnostic decoder.Event.
type WsjtxBroadcaster struct {
	conn     *net.UDPConn
	clientID string

	sendMu sync.Mutex

	heartbeat *time.Ticker
	stopCh    chan struct{}

	statusMu     sync.Mutex
	lastMode     Mode
	lastDialFreq uint64

	logger *log.Logger
}

const (
	wsjtxMagicNumber  = 0xadbccbda
	wsjtxSchemaNumber = 3

	wsjtxMsgHeartbeat  = 0
	wsjtxMsgStatus     = 1
	wsjtxMsgDecode     = 2
	wsjtxMsgClose      = 6
	wsjtxMsgWSPRDecode = 10

	wsjtxHeartbeatInterval = 15 * time.Second
)

// NewWsjtxBroadcaster dials addr (host:port, typically a multicast or
// localhost UDP target) and starts the WSJT-X-mandated heartbeat.
func NewWsjtxBroadcaster(addr, clientID string, logger *log.Logger) (*WsjtxBroadcaster, error) {
	if clientID == "" {
		clientID = "trx-rs"
	}
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("wsjtx udp: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("wsjtx udp: dial %q: %w", addr, err)
	}
	w := &WsjtxBroadcaster{
		conn:     conn,
		clientID: clientID,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
	w.sendHeartbeat()
	w.heartbeat = time.NewTicker(wsjtxHeartbeatInterval)
	go w.heartbeatLoop()
	return w, nil
}

// Run consumes fan's decode broadcast until ctx is cancelled, translating
// FT8 and WSPR events into WSJT-X Decode datagrams (the protocol has no
// analogue for APRS or CW, so those modes are not forwarded).
func (w *WsjtxBroadcaster) Run(ctx context.Context, fan *FanOut) {
	sub, cancel := fan.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			switch e.Mode {
			case ModeFT8:
				w.sendDecode(e)
			case ModeWSPR:
				w.sendWsprDecode(e)
			}
		}
	}
}

func (w *WsjtxBroadcaster) maybeSendStatus(e Event) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if e.Mode == w.lastMode && uint64(e.FreqHz) == w.lastDialFreq {
		return
	}
	w.lastMode = e.Mode
	w.lastDialFreq = uint64(e.FreqHz)
	if err := w.sendStatus(uint64(e.FreqHz), string(e.Mode)); err != nil && w.logger != nil {
		w.logger.Warn("wsjtx udp: status send failed", "err", err)
	}
}

func (w *WsjtxBroadcaster) sendDecode(e Event) {
	w.maybeSendStatus(e)
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	buf := new(bytes.Buffer)
	w.writeHeader(buf, wsjtxMsgDecode)
	w.writeBool(buf, true)
	w.writeUint32(buf, qTimeOf(e.Time))
	w.writeInt32(buf, int32(e.SNRdb))
	w.writeDouble(buf, 0)
	w.writeUint32(buf, 0) // delta frequency: dial==signal frequency in our model
	w.writeString(buf, string(e.Mode))
	w.writeString(buf, e.Message)
	w.writeBool(buf, false)
	w.writeBool(buf, false)
	if _, err := w.conn.Write(buf.Bytes()); err != nil && w.logger != nil {
		w.logger.Warn("wsjtx udp: decode send failed", "err", err)
	}
}

func (w *WsjtxBroadcaster) sendWsprDecode(e Event) {
	w.maybeSendStatus(e)
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	buf := new(bytes.Buffer)
	w.writeHeader(buf, wsjtxMsgWSPRDecode)
	w.writeBool(buf, true)
	w.writeUint32(buf, qTimeOf(e.Time))
	w.writeInt32(buf, int32(e.SNRdb))
	w.writeDouble(buf, 0)
	w.writeUint64(buf, uint64(e.FreqHz))
	w.writeInt32(buf, 0) // drift: not modeled by decoder.Event
	w.writeString(buf, e.Callsign)
	w.writeString(buf, e.Grid)
	w.writeInt32(buf, 0) // dBm: not modeled by decoder.Event
	w.writeBool(buf, false)
	if _, err := w.conn.Write(buf.Bytes()); err != nil && w.logger != nil {
		w.logger.Warn("wsjtx udp: wspr decode send failed", "err", err)
	}
}

func (w *WsjtxBroadcaster) sendStatus(dialFreq uint64, mode string) error {
	buf := new(bytes.Buffer)
	w.writeHeader(buf, wsjtxMsgStatus)
	w.writeUint64(buf, dialFreq)
	w.writeString(buf, mode)
	w.writeString(buf, "")
	w.writeString(buf, "")
	w.writeString(buf, mode)
	w.writeBool(buf, false)
	w.writeBool(buf, false)
	w.writeBool(buf, true)
	w.writeUint32(buf, 0)
	w.writeUint32(buf, 0)
	w.writeString(buf, "")
	w.writeString(buf, "")
	w.writeString(buf, "")
	w.writeBool(buf, false)
	w.writeString(buf, "")
	w.writeBool(buf, false)
	w.writeBool(buf, false)
	w.writeUint32(buf, 0)
	w.writeUint32(buf, 0)
	w.writeString(buf, "")
	_, err := w.conn.Write(buf.Bytes())
	return err
}

func (w *WsjtxBroadcaster) sendHeartbeat() {
	buf := new(bytes.Buffer)
	w.writeHeader(buf, wsjtxMsgHeartbeat)
	w.writeUint32(buf, wsjtxSchemaNumber)
	w.writeString(buf, "trx-rs")
	w.writeString(buf, "1.0")
	w.conn.Write(buf.Bytes())
}

func (w *WsjtxBroadcaster) heartbeatLoop() {
	for {
		select {
		case <-w.heartbeat.C:
			w.sendHeartbeat()
		case <-w.stopCh:
			return
		}
	}
}

// Close sends the WSJT-X close message and tears down the socket.
func (w *WsjtxBroadcaster) Close() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	buf := new(bytes.Buffer)
	w.writeHeader(buf, wsjtxMsgClose)
	w.conn.Write(buf.Bytes())
	w.heartbeat.Stop()
	close(w.stopCh)
	w.conn.Close()
}

func (w *WsjtxBroadcaster) writeHeader(buf *bytes.Buffer, msgType uint32) {
	binary.Write(buf, binary.BigEndian, uint32(wsjtxMagicNumber))
	binary.Write(buf, binary.BigEndian, uint32(wsjtxSchemaNumber))
	binary.Write(buf, binary.BigEndian, msgType)
	w.writeString(buf, w.clientID)
}

func (w *WsjtxBroadcaster) writeString(buf *bytes.Buffer, s string) {
	data := []byte(s)
	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}

func (w *WsjtxBroadcaster) writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func (w *WsjtxBroadcaster) writeUint32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.BigEndian, v) }
func (w *WsjtxBroadcaster) writeInt32(buf *bytes.Buffer, v int32)   { binary.Write(buf, binary.BigEndian, v) }
func (w *WsjtxBroadcaster) writeUint64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.BigEndian, v) }
func (w *WsjtxBroadcaster) writeDouble(buf *bytes.Buffer, v float64) {
	binary.Write(buf, binary.BigEndian, v)
}

func qTimeOf(t time.Time) uint32 {
	utc := t.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(utc.Sub(midnight).Milliseconds())
}
