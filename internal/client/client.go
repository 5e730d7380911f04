// Package client implements C9: the remote control client core. Grounded on
// the teacher's rotctl.go RotctlClient reconnect loop (connectLocked/reconnect
// with doubling-delay-capped-at-max backoff), generalized from a fixed
// rotctld TCP address to the host:port / scheme://host:port/path URL forms
// spec.md §4.7 names, and from rotctl's text protocol to this repo's
// line-delimited JSON envelopes (internal/protocol).
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/n0call/trx-rs-go/internal/protocol"
	"github.com/n0call/trx-rs-go/internal/rig"
)

// reconnectBase/reconnectCap are spec.md §4.7's reconnect backoff bounds.
const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 10 * time.Second
)

// ParseServerURL accepts "host:port" or "scheme://host:port/path", returning
// the dial address and the request path (empty for the bare host:port form).
// IPv4 and bracketed IPv6 hosts are both accepted via net/url and
// net.SplitHostPort.
func ParseServerURL(raw string) (addr, path string, err error) {
	if !strings.Contains(raw, "://") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return "", "", fmt.Errorf("client: invalid address %q: %w", raw, err)
		}
		return raw, "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("client: invalid URL %q: %w", raw, err)
	}
	host := u.Host
	if u.Port() == "" {
		return "", "", fmt.Errorf("client: URL %q has no port", raw)
	}
	return host, u.Path, nil
}

// Client is a reconnecting TCP client speaking the line-delimited JSON
// control protocol, mirroring the RotctlClient's connect/reconnect/send
// shape but against this repo's own wire format rather than rotctld's.
type Client struct {
	addr  string
	token string

	logger *log.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	snapMu sync.RWMutex
	latest map[string]rig.RigSnapshot // rig_id -> most recent snapshot mirror
	subs   map[chan rig.RigSnapshot]string

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response // envelope id -> awaiting caller
}

// New builds a Client targeting addr ("host:port"); call Run to connect and
// maintain the connection until ctx is cancelled.
func New(addr, token string, logger *log.Logger) *Client {
	return &Client{
		addr:    addr,
		token:   token,
		logger:  logger,
		latest:  make(map[string]rig.RigSnapshot),
		subs:    make(map[chan rig.RigSnapshot]string),
		pending: make(map[string]chan protocol.Response),
	}
}

// Run connects, and on any read/write failure reconnects with exponential
// backoff (base 500ms, cap 10s, spec.md §4.7), until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	delay := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil {
			if c.logger != nil {
				c.logger.Warn("client: connect failed, retrying", "addr", c.addr, "delay", delay, "err", err)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > reconnectCap {
				delay = reconnectCap
			}
			continue
		}
		delay = reconnectBase
		c.readLoop(ctx) // blocks until the connection drops or ctx is cancelled
	}
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)
	c.mu.Unlock()
	return nil
}

// readLoop consumes response/push lines until the connection errors, then
// returns so Run can reconnect.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	r := c.reader
	conn := c.conn
	c.mu.Unlock()
	if r == nil {
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		c.handleLine(line)
	}
}

// handleLine routes one received line: an unsolicited Push (it carries an
// `event` key) feeds the snapshot mirror; a Response additionally completes
// its awaiting SendAwait caller, matched by envelope id.
func (c *Client) handleLine(line []byte) {
	var push protocol.Push
	if json.Unmarshal(line, &push) == nil && push.Event != "" {
		if push.Event == "snapshot" && len(push.State) > 0 {
			c.mergeSnapshot(push.State)
		}
		return
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return
	}
	if resp.Ok && len(resp.Result) > 0 {
		c.mergeSnapshot(resp.Result)
	}
	if resp.Ok && len(resp.Rigs) > 0 {
		var entries []struct {
			RigID string          `json:"rig_id"`
			State json.RawMessage `json:"state"`
		}
		if json.Unmarshal(resp.Rigs, &entries) == nil {
			for _, e := range entries {
				c.mergeSnapshot(e.State)
			}
		}
	}

	if resp.ID != "" {
		c.pendingMu.Lock()
		waiter, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			waiter <- resp
		}
	}
}

func (c *Client) mergeSnapshot(raw []byte) {
	var snap rig.RigSnapshot
	if json.Unmarshal(raw, &snap) != nil || snap.RigID == "" {
		return
	}
	c.snapMu.Lock()
	c.latest[snap.RigID] = snap
	for ch, want := range c.subs {
		if want != "" && want != snap.RigID {
			continue
		}
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	c.snapMu.Unlock()
}

// SubscribeSnapshots fans mirrored snapshots out to a frontend (HTTP SSE,
// rigctl, JSON-over-TCP sessions); rigID "" means all rigs. Latest-value
// semantics: a slow consumer sees the newest snapshot, not every one.
func (c *Client) SubscribeSnapshots(rigID string) (<-chan rig.RigSnapshot, func()) {
	ch := make(chan rig.RigSnapshot, 1)
	c.snapMu.Lock()
	c.subs[ch] = rigID
	c.snapMu.Unlock()
	cancel := func() {
		c.snapMu.Lock()
		defer c.snapMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Send writes one envelope and blocks only on the write itself (the
// response is consumed asynchronously by readLoop and merged into the
// snapshot mirror; callers needing the literal reply should use SendAwait).
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("client: not connected")
	}
	env.Token = c.token
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	return w.Flush()
}

// SendAwait writes one envelope and blocks until its correlated response
// arrives or ctx expires, mapping a wire success=false onto a local error
// (spec.md §4.9 "issues commands synchronously from frontend callers").
func (c *Client) SendAwait(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	waiter := make(chan protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[env.ID] = waiter
	c.pendingMu.Unlock()
	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
	}

	if err := c.Send(env); err != nil {
		cleanup()
		return protocol.Response{}, err
	}
	select {
	case resp := <-waiter:
		if !resp.Ok {
			return resp, fmt.Errorf("client: %s: %s", resp.Code, resp.Message)
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return protocol.Response{}, ctx.Err()
	}
}

// Snapshot returns the mirrored snapshot for rigID, or the zero value and
// false if none has arrived yet.
func (c *Client) Snapshot(rigID string) (rig.RigSnapshot, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	s, ok := c.latest[rigID]
	return s, ok
}
