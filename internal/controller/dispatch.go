package controller

import (
	"context"
	"time"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// gateResult is the outcome of a command's can_execute validation gate.
type gateResult int

const (
	gateOK gateResult = iota
	gateRejectedTransient
	gateRejectedPermanent
)

// canExecute implements the validation gate table in spec.md §4.5.
func (c *Controller) canExecute(state rig.MachineState, cmd rig.Command) (gateResult, *rig.RigError) {
	switch cmd.Kind {
	case rig.CmdGetSnapshot, rig.CmdGetRigs:
		return gateOK, nil
	}

	disconnectedLike := state.Kind == rig.StateDisconnected ||
		state.Kind == rig.StateConnecting ||
		state.Kind == rig.StateInitializing ||
		state.Kind == rig.StateError

	if disconnectedLike {
		return gateRejectedPermanent, rig.NewPermanentError("invalid_state: rig %s is %s", c.RigID, state.Kind)
	}

	switch cmd.Kind {
	case rig.CmdSetPtt:
		if cmd.PttOn && state.Kind != rig.StateReady {
			return gateRejectedPermanent, rig.NewPermanentError("invalid_state: set_ptt(true) requires Ready, got %s", state.Kind)
		}
		if !c.caps.Tx {
			return gateRejectedPermanent, rig.ErrNotSupported("set_ptt")
		}
	case rig.CmdSetTxLimit, rig.CmdGetTxLimit:
		if !c.caps.Tx || !c.caps.TxLimit {
			return gateRejectedPermanent, rig.ErrNotSupported("set_tx_limit")
		}
	case rig.CmdSetFreq, rig.CmdSetMode:
		if state.Kind != rig.StateReady && state.Kind != rig.StatePoweredOff && state.Kind != rig.StateTransmitting {
			return gateRejectedPermanent, rig.NewPermanentError("invalid_state: requires Ready, Transmitting or PoweredOff, got %s", state.Kind)
		}
		if cmd.Kind == rig.CmdSetFreq && state.Kind == rig.StateTransmitting {
			if !c.caps.TxAllowedAt(cmd.FreqHz) {
				return gateRejectedPermanent, rig.NewPermanentError("invalid_argument: %d Hz is outside every tx_allowed band", cmd.FreqHz)
			}
		}
	case rig.CmdToggleVfo:
		if !c.caps.VfoSwitch {
			return gateRejectedPermanent, rig.ErrNotSupported("toggle_vfo")
		}
	case rig.CmdPowerOn:
		if state.Kind != rig.StatePoweredOff {
			return gateRejectedPermanent, rig.NewPermanentError("invalid_state: power_on requires PoweredOff, got %s", state.Kind)
		}
	case rig.CmdPowerOff:
		if state.Kind != rig.StateReady && state.Kind != rig.StateTransmitting {
			return gateRejectedPermanent, rig.NewPermanentError("invalid_state: power_off requires Ready or Transmitting, got %s", state.Kind)
		}
	}

	return gateOK, nil
}

// dispatch runs the validation gate, then (for mutating commands) invokes the
// backend under the retry policy, converting the outcome into CommandOutcome
// and driving the corresponding state transition.
func (c *Controller) dispatch(ctx context.Context, cmd rig.Command) rig.CommandOutcome {
	start := time.Now()
	outcome := c.dispatchTimed(ctx, cmd)
	if c.metrics != nil {
		c.metrics.ObserveCommand(c.RigID, string(cmd.Kind), time.Since(start))
		if !outcome.IsSuccess() {
			c.metrics.IncCommandError(c.RigID, string(outcome.Kind_))
		}
	}
	return outcome
}

func (c *Controller) dispatchTimed(ctx context.Context, cmd rig.Command) rig.CommandOutcome {
	state := c.getState()

	if cmd.Kind == rig.CmdSelectRig {
		if c.selectRig == nil {
			return rig.Failure(rig.Permanent, "select_rig: not supported by this controller")
		}
		if err := c.selectRig(cmd.RigID); err != nil {
			return rig.Failure(rig.Permanent, err.Error())
		}
		return rig.Success(nil)
	}

	if cmd.Kind == rig.CmdGetSnapshot {
		return rig.Success(marshalPayload(c.Latest()))
	}

	gr, gerr := c.canExecute(state, cmd)
	switch gr {
	case gateRejectedPermanent:
		return rig.FailureFrom(gerr)
	case gateRejectedTransient:
		return rig.FailureFrom(gerr)
	}

	timeout := deadlineFor(c.retryPolicy.Base)
	attempts := c.retryPolicy.attempts()

	var lastErr *rig.RigError
	var payload any

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.IncRetry(c.RigID)
			}
			d := c.retryPolicy.delayFor(attempt)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return rig.Failure(rig.Transient, ctx.Err().Error())
			}
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		p, err := c.invoke(cctx, cmd)
		cancel()

		if err == nil {
			payload = p
			lastErr = nil
			break
		}
		rerr := asRigError(err)
		lastErr = rerr
		if rerr.Kind == rig.Permanent {
			break // never retried
		}
	}

	if lastErr != nil {
		c.setState(rig.ErrorState(lastErr, c.getState()))
		return rig.FailureFrom(lastErr)
	}

	return rig.Success(marshalPayload(payload))
}

// invoke calls the single backend method cmd addresses, and on success
// updates in-memory state to reflect it.
func (c *Controller) invoke(ctx context.Context, cmd rig.Command) (any, error) {
	switch cmd.Kind {
	case rig.CmdSetFreq:
		if err := c.backend.SetFreq(ctx, cmd.FreqHz); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	case rig.CmdSetMode:
		cur := c.getState()
		if cur.Status != nil && cur.Status.Mode.Equal(cmd.Mode) {
			return nil, nil // idempotent no-op: no state change, no event emission
		}
		if err := c.backend.SetMode(ctx, cmd.Mode); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	case rig.CmdSetPtt:
		if err := c.backend.SetPtt(ctx, cmd.PttOn); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	case rig.CmdPowerOn:
		if err := c.backend.PowerOn(ctx); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	case rig.CmdPowerOff:
		if err := c.backend.PowerOff(ctx); err != nil {
			return nil, err
		}
		c.setState(rig.PoweredOff(*c.infoOrEmpty()))
		return nil, nil
	case rig.CmdToggleVfo:
		if err := c.backend.ToggleVfo(ctx); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	case rig.CmdLock:
		if err := c.backend.Lock(ctx); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	case rig.CmdUnlock:
		if err := c.backend.Unlock(ctx); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	case rig.CmdGetTxLimit:
		return c.backend.GetTxLimit(ctx)
	case rig.CmdSetTxLimit:
		if err := c.backend.SetTxLimit(ctx, cmd.TxLimit); err != nil {
			return nil, err
		}
		c.refreshAfter(ctx)
		return nil, nil
	default:
		return nil, rig.ErrNotSupported(string(cmd.Kind))
	}
}

func (c *Controller) infoOrEmpty() *rig.RigInfo {
	s := c.getState()
	if s.Info != nil {
		return s.Info
	}
	return &rig.RigInfo{}
}

// refreshAfter re-reads status after a mutating call so the snapshot/events
// reflect the backend's authoritative state rather than the command's intent.
func (c *Controller) refreshAfter(ctx context.Context) {
	status, err := c.backend.GetStatus(ctx)
	if err != nil {
		return
	}
	c.updateStatus(status)
}
