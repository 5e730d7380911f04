package sdr

import (
	"fmt"
	"math"
	"net"

	"github.com/pion/rtp"
)

// UdpIqSource reads device-rate IQ samples from a UDP multicast stream of
// RTP-framed interleaved little-endian int16 I/Q pairs, grounded on the
// teacher's radiod.go multicast-socket setup (resolveMulticastAddr/
// setupControlSocket) and audio.go's AudioReceiver.receiveLoop, which parses
// the same kind of ka9q-radio multicast feed with pion/rtp before routing the
// payload by SSRC. The AccessDescriptor.Sdr.args selector is
// "group:port[@iface]".
type UdpIqSource struct {
	conn *net.UDPConn
	ssrc uint32 // locked to the first packet's SSRC; later streams on the group are ignored
	have bool
}

// OpenUdpIqSource joins the multicast group named by args and returns a
// SampleSource reading from it.
func OpenUdpIqSource(args string) (*UdpIqSource, error) {
	addr, err := net.ResolveUDPAddr("udp4", args)
	if err != nil {
		return nil, fmt.Errorf("sdr: resolve %q: %w", args, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("sdr: join multicast %q: %w", args, err)
	}
	conn.SetReadBuffer(4 << 20)
	return &UdpIqSource{conn: conn}, nil
}

// ReadBlock fills buf with up to len(buf) complex samples from one RTP
// datagram's payload, each sample a pair of int16 divided by 32767 (so in
// [-32768/32767, 1]). Packets
// from an SSRC other than the one this source locked onto (another radiod
// stream sharing the multicast group) are skipped.
func (s *UdpIqSource) ReadBlock(buf []complex64) (int, error) {
	// 12 bytes of fixed RTP header plus room for CSRCs/extensions most
	// ka9q-radio streams never use; generous enough that Unmarshal never
	// truncates a real datagram.
	raw := make([]byte, len(buf)*4+64)
	for {
		n, err := s.conn.Read(raw)
		if err != nil {
			return 0, err
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(raw[:n]); err != nil {
			continue // too small/malformed to be valid RTP; try the next datagram
		}
		if !s.have {
			s.ssrc = pkt.SSRC
			s.have = true
		} else if pkt.SSRC != s.ssrc {
			continue
		}

		payload := pkt.Payload
		nSamples := len(payload) / 4
		if nSamples > len(buf) {
			nSamples = len(buf)
		}
		for i := 0; i < nSamples; i++ {
			re := int16(payload[i*4]) | int16(payload[i*4+1])<<8
			im := int16(payload[i*4+2]) | int16(payload[i*4+3])<<8
			buf[i] = complex(float32(re)/math.MaxInt16, float32(im)/math.MaxInt16)
		}
		return nSamples, nil
	}
}

func (s *UdpIqSource) Close() error {
	return s.conn.Close()
}

var _ SampleSource = (*UdpIqSource)(nil)
