package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0call/trx-rs-go/internal/rig"
	"github.com/n0call/trx-rs-go/internal/runtime"
)

// fakeRigSource exercises every RigSource method without needing a fully
// constructed runtime.Runtime; Rig always reports "not found" since
// constructing a real *runtime.Handle is the runtime package's own concern.
type fakeRigSource struct {
	selectErr  error
	selected   string
	clientDiff int32
}

func (f *fakeRigSource) Rig(id string) (*runtime.Handle, bool) { return nil, false }
func (f *fakeRigSource) Handles() []*runtime.Handle            { return nil }
func (f *fakeRigSource) GetRigs() []rig.RigSnapshot {
	return []rig.RigSnapshot{{RigID: "rig1", State: rig.StateReady}}
}
func (f *fakeRigSource) Snapshot(rigID string) (rig.RigSnapshot, bool) {
	return rig.RigSnapshot{}, false
}
func (f *fakeRigSource) SelectRig(rigID string) error {
	f.selected = rigID
	return f.selectErr
}
func (f *fakeRigSource) IncClientCount() { atomic.AddInt32(&f.clientDiff, 1) }
func (f *fakeRigSource) DecClientCount() { atomic.AddInt32(&f.clientDiff, -1) }

func startTestListener(t *testing.T, rt RigSource, tokens []string) (net.Conn, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := NewListener(rt, tokens, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, cancel
}

func sendLine(t *testing.T, conn net.Conn, v any) Response {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestGetRigsReturnsSnapshotList(t *testing.T) {
	rt := &fakeRigSource{}
	conn, cancel := startTestListener(t, rt, nil)
	defer cancel()

	resp := sendLine(t, conn, Envelope{Command: "get_rigs"})
	assert.True(t, resp.Ok)
	assert.Equal(t, serverScope, resp.RigID)
	var entries []rigEntry
	require.NoError(t, json.Unmarshal(resp.Rigs, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "rig1", entries[0].RigID)
	assert.Equal(t, rig.StateReady, entries[0].State.State)
}

func TestShortFormCmdAliasRoutesLikeCommand(t *testing.T) {
	rt := &fakeRigSource{}
	conn, cancel := startTestListener(t, rt, nil)
	defer cancel()

	resp := sendLine(t, conn, map[string]any{"cmd": "get_rigs"})
	assert.True(t, resp.Ok)
	assert.Equal(t, serverScope, resp.RigID)
}

func TestOversizedLineClosesTheSession(t *testing.T) {
	rt := &fakeRigSource{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := NewListener(rt, nil, 256, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// A line one byte past the limit tears the session down with no reply.
	big := make([]byte, 257)
	for i := range big {
		big[i] = 'a'
	}
	conn.Write(append(big, '\n'))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(conn).ReadByte()
	assert.Error(t, err)
}

func TestLineAtExactLimitIsAccepted(t *testing.T) {
	rt := &fakeRigSource{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	limit := 256
	l := NewListener(rt, nil, limit, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Pad the envelope with an ignored field to land exactly on the limit.
	pad := limit - len(`{"command":"get_rigs","pad":""}`)
	line := `{"command":"get_rigs","pad":"` + repeat('x', pad) + `"}`
	require.Len(t, line, limit)
	conn.Write(append([]byte(line), '\n'))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Ok)
}

func repeat(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func TestSelectRigForwardsTargetAndReportsFailure(t *testing.T) {
	rt := &fakeRigSource{selectErr: fmt.Errorf("no such rig")}
	conn, cancel := startTestListener(t, rt, nil)
	defer cancel()

	resp := sendLine(t, conn, Envelope{Command: "select_rig", TargetRig: "rig2"})
	assert.False(t, resp.Ok)
	assert.Equal(t, ErrUnknownRig, resp.Code)
	assert.Equal(t, "rig2", resp.RigID)
	assert.Equal(t, "rig2", rt.selected)
}

func TestUnknownRigLookupReturnsUnknownRigCode(t *testing.T) {
	rt := &fakeRigSource{}
	conn, cancel := startTestListener(t, rt, nil)
	defer cancel()

	resp := sendLine(t, conn, Envelope{Command: "set_freq", RigID: "ghost", FreqHz: 14_000_000})
	assert.False(t, resp.Ok)
	assert.Equal(t, ErrUnknownRig, resp.Code)
	assert.Equal(t, "ghost", resp.RigID)
}

func TestMalformedJSONReturnsBadRequestAndClosesConnection(t *testing.T) {
	rt := &fakeRigSource{}
	conn, cancel := startTestListener(t, rt, nil)
	defer cancel()

	conn.Write([]byte("{not json\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.False(t, resp.Ok)
	assert.Equal(t, ErrBadRequest, resp.Code)

	// spec.md §4.7: a malformed line closes the session, it doesn't just
	// skip that one message — a further write must observe EOF, not a reply.
	conn.Write(append(mustJSON(t, Envelope{Command: "get_rigs"}), '\n'))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = reader.ReadByte()
	assert.Error(t, err)
}

func TestUnauthenticatedFirstLineIsRejectedAndConnectionCloses(t *testing.T) {
	rt := &fakeRigSource{}
	conn, cancel := startTestListener(t, rt, []string{"secret"})
	defer cancel()

	resp := sendLine(t, conn, Envelope{Command: "get_rigs"})
	assert.False(t, resp.Ok)
	assert.Equal(t, ErrUnauthenticated, resp.Code)
	assert.Equal(t, serverScope, resp.RigID)

	// The session is closed, not kept open for a retry on the same conn.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	_, err := reader.ReadByte()
	assert.Error(t, err)
}

func TestInvalidAuthTokenIsRejectedAndConnectionCloses(t *testing.T) {
	rt := &fakeRigSource{}
	conn, cancel := startTestListener(t, rt, []string{"secret"})
	defer cancel()

	resp := sendLine(t, conn, Envelope{Command: "auth", Token: "wrong"})
	assert.False(t, resp.Ok)
	assert.Equal(t, ErrUnauthenticated, resp.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	_, err := reader.ReadByte()
	assert.Error(t, err)
}

func TestValidAuthHandshakeUnlocksTheSession(t *testing.T) {
	rt := &fakeRigSource{}
	conn, cancel := startTestListener(t, rt, []string{"secret"})
	defer cancel()

	resp := sendLine(t, conn, Envelope{Command: "auth", Token: "secret"})
	assert.True(t, resp.Ok)
	assert.Equal(t, serverScope, resp.RigID)

	// Subsequent lines no longer need to carry a token at all.
	resp = sendLine(t, conn, Envelope{Command: "get_rigs"})
	assert.True(t, resp.Ok)

	// A redundant auth line after the handshake is a harmless no-op.
	resp = sendLine(t, conn, Envelope{Command: "auth", Token: "secret"})
	assert.True(t, resp.Ok)
	assert.Equal(t, serverScope, resp.RigID)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestToCommandMapsKnownKinds(t *testing.T) {
	cmd, err := toCommand(Envelope{Command: "set_freq", FreqHz: 7_040_000})
	require.NoError(t, err)
	assert.Equal(t, rig.CmdSetFreq, cmd.Kind)
	assert.Equal(t, rig.Frequency(7_040_000), cmd.FreqHz)

	cmd, err = toCommand(Envelope{Command: "set_mode", Mode: "USB"})
	require.NoError(t, err)
	assert.Equal(t, rig.CmdSetMode, cmd.Kind)
	assert.Equal(t, "USB", cmd.Mode.String())

	_, err = toCommand(Envelope{Command: "not_a_real_command"})
	assert.Error(t, err)
}

func TestToCommandRejectsOutOfDomainArguments(t *testing.T) {
	_, err := toCommand(Envelope{Command: "set_freq", FreqHz: -1})
	var argErr *argumentError
	require.ErrorAs(t, err, &argErr)

	_, err = toCommand(Envelope{Command: "set_tx_limit", TxLimit: 101})
	require.ErrorAs(t, err, &argErr)

	// The short-form alias resolves identically.
	cmd, err := toCommand(Envelope{Cmd: "set_freq", FreqHz: 7_040_000})
	require.NoError(t, err)
	assert.Equal(t, rig.CmdSetFreq, cmd.Kind)
}
