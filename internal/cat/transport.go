// Package cat implements C2: a CAT backend that frames commands over a
// byte-oriented transport (serial or TCP), parses replies, and guarantees at
// most one outstanding wire transaction at a time (spec.md §4.2). Grounded on
// the teacher's radiod.go connection-setup idiom, generalized from a UDP
// multicast control socket to a serial/TCP duplex transport, and on
// github.com/pkg/term (present in the retrieval corpus) for the serial case.
package cat

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/term"
)

// Transport is the minimal byte-duplex surface a CAT backend needs: deadline
// aware reads/writes over either a serial port or a TCP socket.
type Transport interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// tcpTransport adapts net.Conn, which already satisfies Transport.
type tcpTransport struct {
	net.Conn
}

// DialTCP opens a TCP CAT link, e.g. to a rigctld-compatible or
// manufacturer-native network CAT port.
func DialTCP(host string, port int) (Transport, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("cat: dial %s: %w", addr, err)
	}
	return &tcpTransport{Conn: conn}, nil
}

// serialTransport wraps a POSIX tty opened via github.com/pkg/term.
type serialTransport struct {
	t *term.Term
}

// OpenSerial opens a serial CAT link at the given device path and baud rate.
func OpenSerial(path string, baud int) (Transport, error) {
	t, err := term.Open(path, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("cat: open %s: %w", path, err)
	}
	return &serialTransport{t: t}, nil
}

func (s *serialTransport) Read(p []byte) (int, error)  { return s.t.Read(p) }
func (s *serialTransport) Write(p []byte) (int, error) { return s.t.Write(p) }
func (s *serialTransport) Close() error                { return s.t.Close() }

// SetDeadline is a best-effort no-op: termios-backed serial ports don't carry
// Go's deadline abstraction, so per-operation timeouts are instead enforced
// by the backend's own read loop via a fixed VTIME/read-size budget.
func (s *serialTransport) SetDeadline(t time.Time) error { return nil }
