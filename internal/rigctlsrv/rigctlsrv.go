// Package rigctlsrv implements A9: a Hamlib rigctld-compatible TCP frontend,
// so existing rigctl clients (and the "rigctl" command line tool itself) can
// drive a trx-rs rig without speaking its native JSON protocol. Grounded on
// the teacher's clients/go/rigctl_control.go, which is itself a rigctld
// *client* (f/F/m/M/t/T one-line commands, newline-terminated responses) —
// this server implements that same vocabulary from the other side. No
// corpus example implements a rigctld server, so this one is plain net/bufio
// rather than a wired third-party library (DESIGN.md).
package rigctlsrv

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/n0call/trx-rs-go/internal/rig"
	"github.com/n0call/trx-rs-go/internal/runtime"
)

// Server speaks the rigctld line protocol against one Handle.
type Server struct {
	rt     *runtime.Runtime
	rigID  string
	logger *log.Logger
}

func New(rt *runtime.Runtime, rigID string, logger *log.Logger) *Server {
	return &Server{rt: rt, rigID: rigID, logger: logger}
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		reply := s.execute(ctx, line)
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
	}
}

// execute runs one rigctld command line and returns its reply, "RPRT n" on
// error per the Hamlib convention the teacher's client parses against.
func (s *Server) execute(ctx context.Context, line string) string {
	h, ok := s.rt.Rig(s.rigID)
	if !ok {
		return "RPRT -1"
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "RPRT -1"
	}

	switch fields[0] {
	case "f": // get_freq
		snap := h.Controller.Latest()
		if snap.Status == nil {
			return "RPRT -1"
		}
		return fmt.Sprintf("%d", snap.Status.Frequency)

	case "F": // set_freq <hz>
		if len(fields) < 2 {
			return "RPRT -1"
		}
		hz, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return "RPRT -1"
		}
		outcome, err := h.Controller.Enqueue(ctx, rig.Command{Kind: rig.CmdSetFreq, FreqHz: rig.Frequency(hz)})
		return rprtFor(outcome, err)

	case "m": // get_mode
		snap := h.Controller.Latest()
		if snap.Status == nil {
			return "RPRT -1"
		}
		return fmt.Sprintf("%s\n0", snap.Status.Mode.String())

	case "M": // set_mode <mode> <passband>
		if len(fields) < 2 {
			return "RPRT -1"
		}
		outcome, err := h.Controller.Enqueue(ctx, rig.Command{Kind: rig.CmdSetMode, Mode: rig.ParseMode(fields[1])})
		return rprtFor(outcome, err)

	case "t": // get_ptt
		snap := h.Controller.Latest()
		if snap.Status == nil {
			return "RPRT -1"
		}
		if snap.Status.Tx.Transmitting {
			return "1"
		}
		return "0"

	case "T": // set_ptt <0|1>
		if len(fields) < 2 {
			return "RPRT -1"
		}
		on := fields[1] == "1"
		outcome, err := h.Controller.Enqueue(ctx, rig.Command{Kind: rig.CmdSetPtt, PttOn: on})
		return rprtFor(outcome, err)

	case "q", "Q": // close session
		return "RPRT 0"

	default:
		return "RPRT -1"
	}
}

func rprtFor(outcome rig.CommandOutcome, err error) string {
	if err != nil || !outcome.IsSuccess() {
		return "RPRT -1"
	}
	return "RPRT 0"
}
