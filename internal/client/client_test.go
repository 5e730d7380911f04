package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0call/trx-rs-go/internal/protocol"
	"github.com/n0call/trx-rs-go/internal/rig"
)

func TestParseServerURLPlainHostPort(t *testing.T) {
	addr, path, err := ParseServerURL("127.0.0.1:4532")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4532", addr)
	assert.Empty(t, path)
}

func TestParseServerURLWithScheme(t *testing.T) {
	addr, path, err := ParseServerURL("trx://example.com:4532/rig1")
	require.NoError(t, err)
	assert.Equal(t, "example.com:4532", addr)
	assert.Equal(t, "/rig1", path)
}

func TestParseServerURLRejectsMissingPort(t *testing.T) {
	_, _, err := ParseServerURL("justahost")
	assert.Error(t, err)
}

func TestParseServerURLRejectsSchemeWithoutPort(t *testing.T) {
	_, _, err := ParseServerURL("trx://example.com/rig1")
	assert.Error(t, err)
}

// fakeServer accepts one connection and replies to every line with a fixed
// RigSnapshot-bearing Response, letting Client.readLoop's snapshot-mirror
// path be exercised end to end.
func fakeServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			snap := rig.RigSnapshot{RigID: "rig1", State: rig.StateReady}
			payload, _ := json.Marshal(snap)
			resp := protocol.Response{Ok: true, Result: payload}
			b, _ := json.Marshal(resp)
			conn.Write(append(b, '\n'))
		}
	}()
	return ln.Addr().String()
}

func TestClientSendAndSnapshotMirror(t *testing.T) {
	addr := fakeServer(t)
	c := New(addr, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.Send(protocol.Envelope{Command: "get_rigs"}) == nil
	}, time.Second, 10*time.Millisecond, "client never connected")

	require.NoError(t, c.Send(protocol.Envelope{Command: "get_rigs"}))

	assert.Eventually(t, func() bool {
		_, ok := c.Snapshot("rig1")
		return ok
	}, time.Second, 10*time.Millisecond)

	snap, ok := c.Snapshot("rig1")
	require.True(t, ok)
	assert.Equal(t, rig.StateReady, snap.State)
}

func TestSnapshotMissingRigReturnsFalse(t *testing.T) {
	c := New("127.0.0.1:1", "", nil)
	_, ok := c.Snapshot("nope")
	assert.False(t, ok)
}

func TestHandleLineRoutesPushesAndCorrelatedResponses(t *testing.T) {
	c := New("127.0.0.1:1", "", nil)

	// A snapshot push (carries an `event` key) feeds the mirror directly.
	snap, _ := json.Marshal(rig.RigSnapshot{RigID: "sdr", State: rig.StateReady})
	push, _ := json.Marshal(protocol.Push{Event: "snapshot", RigID: "sdr", State: snap})
	c.handleLine(push)

	got, ok := c.Snapshot("sdr")
	require.True(t, ok)
	assert.Equal(t, rig.StateReady, got.State)

	// A response line completes its awaiting caller, matched by id.
	waiter := make(chan protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending["req-1"] = waiter
	c.pendingMu.Unlock()

	resp, _ := json.Marshal(protocol.Response{ID: "req-1", Ok: true, RigID: "sdr"})
	c.handleLine(resp)

	select {
	case r := <-waiter:
		assert.True(t, r.Ok)
		assert.Equal(t, "sdr", r.RigID)
	default:
		t.Fatal("pending response was not delivered")
	}
}

func TestSubscribeSnapshotsFiltersByRigAndCoalesces(t *testing.T) {
	c := New("127.0.0.1:1", "", nil)

	all, cancelAll := c.SubscribeSnapshots("")
	defer cancelAll()
	only, cancelOnly := c.SubscribeSnapshots("hf")
	defer cancelOnly()

	push := func(rigID string, st rig.MachineStateKind) {
		raw, _ := json.Marshal(rig.RigSnapshot{RigID: rigID, State: st})
		c.mergeSnapshot(raw)
	}

	push("sdr", rig.StateReady)
	push("hf", rig.StatePoweredOff)

	// The filtered subscriber only ever sees its own rig. The unfiltered
	// one has latest-value semantics: its single-slot buffer holds the
	// newest snapshot, the earlier one was coalesced away.
	sel := <-only
	assert.Equal(t, "hf", sel.RigID)
	got := <-all
	assert.Equal(t, "hf", got.RigID)
	assert.Equal(t, rig.StatePoweredOff, got.State)
}
