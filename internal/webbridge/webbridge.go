// Package webbridge implements A8: a thin web-facing bridge so a browser
// client can watch rig snapshots over WebSocket (push) or SSE (pull) without
// speaking the line-delimited TCP control protocol. Grounded on the
// teacher's websocket.go upgrader/handler shape (buffer sizing,
// CheckOrigin-allow-all with a comment flagging it for production
// hardening), adapted from streaming compressed audio frames to streaming
// JSON RigSnapshot values.
package webbridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/n0call/trx-rs-go/internal/rig"
	"github.com/n0call/trx-rs-go/internal/runtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; deployments behind a reverse proxy are expected
		// to restrict this at that layer.
		return true
	},
}

// Bridge serves /ws (WebSocket push) and /events (SSE) against one Runtime.
type Bridge struct {
	rt *runtime.Runtime
}

func New(rt *runtime.Runtime) *Bridge {
	return &Bridge{rt: rt}
}

func (b *Bridge) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWebSocket)
	mux.HandleFunc("/audio", b.handleAudio)
	mux.HandleFunc("/events", b.handleSSE)
	return mux
}

// handleAudio relays the rig's demodulated RX audio to a browser as binary
// WebSocket messages of big-endian int16 samples, the shape the teacher's
// own audio WebSocket clients consume.
func (b *Bridge) handleAudio(w http.ResponseWriter, r *http.Request) {
	rigID := r.URL.Query().Get("rig_id")
	h, ok := b.rt.Rig(rigID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown rig %q", rigID), http.StatusNotFound)
		return
	}
	source, ok := h.AudioSource()
	if !ok {
		http.Error(w, "rig has no audio source", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	pcm, cancel := source()
	defer cancel()

	for frame := range pcm {
		buf := make([]byte, len(frame.Samples)*2)
		for i, f := range frame.Samples {
			v := f * 32767
			switch {
			case v > 32767:
				v = 32767
			case v < -32768:
				v = -32768
			}
			binary.BigEndian.PutUint16(buf[i*2:], uint16(int16(v)))
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			return
		}
	}
}

// handleWebSocket pushes every snapshot change for the rig named by
// ?rig_id=, defaulting to the first configured rig, until the client
// disconnects.
func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rigID := r.URL.Query().Get("rig_id")
	h, ok := b.rt.Rig(rigID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown rig %q", rigID), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, cancel := h.Controller.Subscribe()
	defer cancel()

	conn.WriteJSON(h.Controller.Latest())

	for snap := range sub {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

// handleSSE streams the same snapshots as a text/event-stream, for browsers
// or tools that would rather not speak WebSocket.
func (b *Bridge) handleSSE(w http.ResponseWriter, r *http.Request) {
	rigID := r.URL.Query().Get("rig_id")
	h, ok := b.rt.Rig(rigID)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown rig %q", rigID), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub, cancel := h.Controller.Subscribe()
	defer cancel()

	writeEvent(w, h.Controller.Latest())
	flusher.Flush()

	ctx := r.Context()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			writeEvent(w, snap)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap rig.RigSnapshot) {
	b, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}
