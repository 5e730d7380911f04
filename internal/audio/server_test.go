package audio

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// fixedSource hands every subscriber the same pre-baked frames then closes.
func fixedSource(frames ...rig.PcmFrame) rig.PcmSubscribe {
	return func() (<-chan rig.PcmFrame, func()) {
		ch := make(chan rig.PcmFrame, len(frames))
		for _, f := range frames {
			ch <- f
		}
		close(ch)
		return ch, func() {}
	}
}

type captureSink struct {
	mu     sync.Mutex
	frames []rig.PcmFrame
}

func (s *captureSink) WriteTxAudio(f rig.PcmFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func startAudioServer(t *testing.T, cfg Config) (net.Conn, chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	stop := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-stop:
		default:
			close(stop)
		}
	})
	srv := NewServer(cfg, nil)
	go srv.Serve(ln, stop)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, stop
}

func TestFirstMessageIsStreamInfoThenLengthPrefixedPackets(t *testing.T) {
	frame := rig.PcmFrame{SampleRate: 12000, Samples: []float32{0.5, -0.5, 0.25, 0}}
	conn, _ := startAudioServer(t, Config{
		RigID:      "rig1",
		SampleRate: 12000,
		Channels:   1,
		FrameMs:    20,
		BitrateBps: 16000,
		RxEnabled:  true,
		Source:     fixedSource(frame),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	header, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var info StreamInfo
	require.NoError(t, json.Unmarshal(header, &info))
	assert.Equal(t, "rig1", info.RigID)
	assert.Equal(t, "pcm", info.Codec) // built without the opus tag
	assert.Equal(t, 12000, info.SampleRate)
	assert.Equal(t, 20, info.FrameDurationMs)
	assert.Equal(t, 16000, info.BitrateBps)

	var lenBuf [2]byte
	_, err = io.ReadFull(r, lenBuf[:])
	require.NoError(t, err)
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	require.Equal(t, len(frame.Samples)*2, n)

	payload := make([]byte, n)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	assert.Equal(t, int16(16383), int16(binary.BigEndian.Uint16(payload[0:])))
	assert.Equal(t, int16(-16383), int16(binary.BigEndian.Uint16(payload[2:])))
}

func TestUploadedTxPacketsReachTheBackendSink(t *testing.T) {
	sink := &captureSink{}
	conn, _ := startAudioServer(t, Config{
		RigID:      "rig1",
		SampleRate: 12000,
		Channels:   1,
		FrameMs:    20,
		TxEnabled:  true,
		TxSink:     sink,
	})

	// Consume the StreamInfo line first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	_, err := r.ReadBytes('\n')
	require.NoError(t, err)

	// A zero-length keepalive must be skipped, not forwarded.
	keepalive := []byte{0, 0}
	_, err = conn.Write(keepalive)
	require.NoError(t, err)

	pcm := []int16{1000, -1000}
	packet := make([]byte, 2+len(pcm)*2)
	binary.BigEndian.PutUint16(packet[0:], uint16(len(pcm)*2))
	for i, s := range pcm {
		binary.BigEndian.PutUint16(packet[2+i*2:], uint16(s))
	}
	_, err = conn.Write(packet)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.frames[0].Samples, 2)
	assert.InDelta(t, float32(1000)/32768, sink.frames[0].Samples[0], 1e-6)
	assert.Equal(t, 12000, sink.frames[0].SampleRate)
}

func TestWritePacketEmitsZeroLengthKeepalive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		w := bufio.NewWriter(server)
		writePacket(w, nil)
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	var lenBuf [2]byte
	_, err := io.ReadFull(client, lenBuf[:])
	require.NoError(t, err)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(lenBuf[:]))
}
