package decoder

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenUDP(t *testing.T) (*net.UDPConn, string) {
	t.Helper()
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.LocalAddr().String()
}

func readDatagram(t *testing.T, ln *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	ln.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := ln.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestNewWsjtxBroadcasterSendsHeartbeatOnConstruction(t *testing.T) {
	ln, addr := listenUDP(t)
	w, err := NewWsjtxBroadcaster(addr, "trx-test", nil)
	require.NoError(t, err)
	defer w.Close()

	pkt := readDatagram(t, ln)
	require.GreaterOrEqual(t, len(pkt), 12)
	magic := binary.BigEndian.Uint32(pkt[0:4])
	assert.Equal(t, uint32(wsjtxMagicNumber), magic)
	schema := binary.BigEndian.Uint32(pkt[4:8])
	assert.Equal(t, uint32(wsjtxSchemaNumber), schema)
	msgType := binary.BigEndian.Uint32(pkt[8:12])
	assert.Equal(t, uint32(wsjtxMsgHeartbeat), msgType)
}

func TestSendDecodeEmitsDecodeMessageType(t *testing.T) {
	ln, addr := listenUDP(t)
	w, err := NewWsjtxBroadcaster(addr, "trx-test", nil)
	require.NoError(t, err)
	defer w.Close()
	readDatagram(t, ln) // drain the construction-time heartbeat

	w.sendDecode(Event{Mode: ModeFT8, Message: "CQ N0CALL FN31", SNRdb: -10, FreqHz: 14_074_000, Time: time.Now()})

	// The status datagram (triggered by maybeSendStatus) arrives before the
	// decode datagram since sendDecode calls maybeSendStatus first.
	status := readDatagram(t, ln)
	assert.Equal(t, uint32(wsjtxMsgStatus), binary.BigEndian.Uint32(status[8:12]))

	pkt := readDatagram(t, ln)
	assert.Equal(t, uint32(wsjtxMsgDecode), binary.BigEndian.Uint32(pkt[8:12]))
}

func TestSendWsprDecodeEmitsWSPRMessageType(t *testing.T) {
	ln, addr := listenUDP(t)
	w, err := NewWsjtxBroadcaster(addr, "trx-test", nil)
	require.NoError(t, err)
	defer w.Close()
	readDatagram(t, ln)

	w.sendWsprDecode(Event{Mode: ModeWSPR, Callsign: "N0CALL", Grid: "FN31", FreqHz: 14_095_600, Time: time.Now()})

	readDatagram(t, ln) // status
	pkt := readDatagram(t, ln)
	assert.Equal(t, uint32(wsjtxMsgWSPRDecode), binary.BigEndian.Uint32(pkt[8:12]))
}

func TestQTimeOfIsMillisecondsSinceUTCMidnight(t *testing.T) {
	tm := time.Date(2026, 7, 30, 1, 2, 3, 0, time.UTC)
	got := qTimeOf(tm)
	want := uint32((1*time.Hour + 2*time.Minute + 3*time.Second).Milliseconds())
	assert.Equal(t, want, got)
}

func TestCloseSendsCloseMessageOnce(t *testing.T) {
	ln, addr := listenUDP(t)
	w, err := NewWsjtxBroadcaster(addr, "trx-test", nil)
	require.NoError(t, err)
	readDatagram(t, ln) // heartbeat

	w.Close()
	pkt := readDatagram(t, ln)
	assert.Equal(t, uint32(wsjtxMsgClose), binary.BigEndian.Uint32(pkt[8:12]))

	w.Close() // idempotent, must not panic or double-send
}
