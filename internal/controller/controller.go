// Package controller implements C5: the per-rig state machine, command
// dispatcher with validation and retry policy, adaptive polling, and typed
// event broadcaster described in spec.md §4.5. Grounded on the teacher's
// session.go ownership-and-locking idiom, generalized from a per-client
// session to a per-rig command/event loop.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// allStateKinds lists every MachineStateKind, for Metrics.SetState's
// zero-the-rest bookkeeping.
var allStateKinds = []string{
	string(rig.StateDisconnected), string(rig.StateConnecting), string(rig.StateInitializing),
	string(rig.StatePoweredOff), string(rig.StateReady), string(rig.StateTransmitting), string(rig.StateError),
}

// MetricsSink is the subset of metrics.Metrics a Controller reports to; kept
// as an interface so controller does not import internal/metrics directly
// (spec.md §9's "no cyclic ownership" preference generalized to packages).
type MetricsSink interface {
	SetState(rigID, current string, allStates []string)
	ObserveCommand(rigID, command string, d time.Duration)
	IncCommandError(rigID, kind string)
	IncRetry(rigID string)
	SetPollInterval(rigID string, d time.Duration)
}

// commandEnvelope is one entry on the single-producer/single-consumer command
// queue; resultCh always receives exactly one CommandOutcome.
type commandEnvelope struct {
	cmd      rig.Command
	resultCh chan rig.CommandOutcome
}

// SelectRigFunc lets a controller forward a SelectRig command to the runtime
// that owns the full rig map (spec.md §9 "cyclic references": a controller
// holds only a weak/functional reference to its parent, never a strong one).
type SelectRigFunc func(rigID string) error

// Controller owns one backend exclusively and is the single writer of its
// in-memory state.
type Controller struct {
	RigID       string
	DisplayName string
	backend     rig.Backend
	caps        rig.RigCapabilities

	retryPolicy RetryPolicy
	pollPolicy  PollPolicy

	cmdCh  chan commandEnvelope
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu    sync.Mutex
	state rig.MachineState

	listenersMu sync.RWMutex
	listeners   []rig.EventListener

	snapshot *snapshotBus

	selectRig SelectRigFunc

	logger  *log.Logger
	metrics MetricsSink
}

// Config seeds a new Controller.
type Config struct {
	RigID       string
	DisplayName string
	Backend     rig.Backend
	Retry       RetryPolicy
	Poll        PollPolicy
	SelectRig   SelectRigFunc
	Logger      *log.Logger
	Metrics     MetricsSink
}

func New(cfg Config) *Controller {
	return &Controller{
		RigID:       cfg.RigID,
		DisplayName: cfg.DisplayName,
		backend:     cfg.Backend,
		retryPolicy: cfg.Retry,
		pollPolicy:  cfg.Poll,
		cmdCh:       make(chan commandEnvelope, 64),
		stopCh:      make(chan struct{}),
		state:       rig.Disconnected(),
		snapshot:    newSnapshotBus(),
		selectRig:   cfg.SelectRig,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// AddListener registers a capability-typed event listener.
func (c *Controller) AddListener(l rig.EventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Subscribe returns a channel delivering the latest RigSnapshot whenever it
// changes (latest-value semantics: a slow consumer sees a prefix of the same
// sequence, never every intermediate value). The returned cancel func must be
// called when the subscriber is done.
func (c *Controller) Subscribe() (<-chan rig.RigSnapshot, func()) {
	return c.snapshot.subscribe()
}

// Latest returns the most recently broadcast snapshot, or a zero-value
// snapshot with State=Disconnected before the first one is produced.
func (c *Controller) Latest() rig.RigSnapshot {
	return c.snapshot.latest()
}

// Enqueue submits a command and blocks until its outcome is available or ctx
// is cancelled. Commands execute strictly FIFO and never overlap with each
// other or with a poll (spec.md §5).
func (c *Controller) Enqueue(ctx context.Context, cmd rig.Command) (rig.CommandOutcome, error) {
	env := commandEnvelope{cmd: cmd, resultCh: make(chan rig.CommandOutcome, 1)}
	select {
	case c.cmdCh <- env:
	case <-ctx.Done():
		return rig.CommandOutcome{}, ctx.Err()
	case <-c.stopCh:
		return rig.CommandOutcome{}, fmt.Errorf("rig %s: controller stopped", c.RigID)
	}
	select {
	case outcome := <-env.resultCh:
		return outcome, nil
	case <-ctx.Done():
		return rig.CommandOutcome{}, ctx.Err()
	case <-c.stopCh:
		select {
		case outcome := <-env.resultCh:
			return outcome, nil
		default:
		}
		return rig.CommandOutcome{}, fmt.Errorf("rig %s: controller stopped", c.RigID)
	}
}

// Run drives the connect sequence and then the command/poll loop until ctx is
// cancelled. Callers join it (spec.md §9 "every task joins the supervisor").
func (c *Controller) Run(ctx context.Context) {
	c.connect(ctx)
	c.loop(ctx)
}

// Stop signals Run to exit and unblocks any pending Enqueue callers.
func (c *Controller) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *Controller) connect(ctx context.Context) {
	c.setState(rig.Connecting(time.Now()))

	info, err := c.backend.Probe(ctx)
	if err != nil {
		c.setState(rig.ErrorState(asRigError(err), c.getState()))
		return
	}
	c.caps = info.Capabilities
	c.setState(rig.Initializing(&info))

	status, err := c.backend.GetStatus(ctx)
	if err != nil {
		// A backend that reports itself powered off on first status read
		// lands in PoweredOff rather than Error.
		if rerr := asRigError(err); rerr.Kind == rig.Permanent {
			c.setState(rig.PoweredOff(info))
			return
		}
		c.setState(rig.ErrorState(asRigError(err), c.getState()))
		return
	}
	c.setState(rig.Ready(info, status))
}

func (c *Controller) loop(ctx context.Context) {
	var pollTimer *time.Timer
	resetPoll := func() {
		if pollTimer != nil {
			pollTimer.Stop()
		}
		interval, ok := c.pollPolicy.intervalFor(c.getState().CanTransmit())
		if !ok {
			pollTimer = nil
			return
		}
		if c.metrics != nil {
			c.metrics.SetPollInterval(c.RigID, interval)
		}
		pollTimer = time.NewTimer(interval)
	}
	resetPoll()

	for {
		var pollFire <-chan time.Time
		if pollTimer != nil {
			pollFire = pollTimer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case env := <-c.cmdCh:
			outcome := c.dispatch(ctx, env.cmd)
			env.resultCh <- outcome
			resetPoll()
		case <-pollFire:
			c.poll(ctx)
			resetPoll()
		}
	}
}

func (c *Controller) poll(ctx context.Context) {
	state := c.getState()
	if state.Kind == rig.StateError {
		c.Recover(ctx)
		return
	}
	if state.Kind != rig.StateReady && state.Kind != rig.StateTransmitting {
		return
	}
	status, err := c.backend.GetStatus(ctx)
	if err != nil {
		// Transient poll failures are logged, not escalated to Error; only
		// command dispatch drives the Error transition (spec.md §4.5).
		if c.logger != nil {
			c.logger.Warn("poll failed", "rig_id", c.RigID, "err", err)
		}
		return
	}
	c.updateStatus(status)
}

// Recover probes the backend while the state machine is in Error and, on a
// successful status read, restores the state the error displaced (the
// Error -> Recovered -> previous_state transition). Reports whether a
// recovery happened. The polling loop calls this on every tick spent in
// Error; tests and operators may call it directly.
func (c *Controller) Recover(ctx context.Context) bool {
	state := c.getState()
	if state.Kind != rig.StateError || state.Previous == nil {
		return false
	}
	status, err := c.backend.GetStatus(ctx)
	if err != nil {
		return false
	}
	c.setState(*state.Previous)
	if state.Previous.Kind == rig.StateReady || state.Previous.Kind == rig.StateTransmitting {
		c.updateStatus(status)
	}
	if c.logger != nil {
		c.logger.Info("rig recovered", "rig_id", c.RigID, "restored", state.Previous.Kind)
	}
	return true
}

func (c *Controller) getState() rig.MachineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s rig.MachineState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev.Kind != s.Kind {
		c.listenersMu.RLock()
		for _, l := range c.listeners {
			rig.DispatchState(l, c.RigID, prev.Kind, s.Kind)
		}
		if s.Kind == rig.StatePoweredOff {
			for _, l := range c.listeners {
				rig.DispatchPower(l, c.RigID, false)
			}
		} else if prev.Kind == rig.StatePoweredOff {
			for _, l := range c.listeners {
				rig.DispatchPower(l, c.RigID, true)
			}
		}
		c.listenersMu.RUnlock()
	}
	if c.metrics != nil {
		c.metrics.SetState(c.RigID, string(s.Kind), allStateKinds)
	}
	c.publishSnapshot()
}

// updateStatus replaces the Ready/Transmitting status, transitioning between
// the two as tx.transmitting changes, and emits the per-field events.
func (c *Controller) updateStatus(status rig.RigStatus) {
	c.mu.Lock()
	prev := c.state
	var info rig.RigInfo
	if prev.Info != nil {
		info = *prev.Info
	}
	var newKind rig.MachineStateKind = rig.StateReady
	if status.Tx.Transmitting {
		newKind = rig.StateTransmitting
	}
	var next rig.MachineState
	if status.Tx.Transmitting {
		next = rig.Transmitting(info, status)
	} else {
		next = rig.Ready(info, status)
	}
	c.state = next
	c.mu.Unlock()

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	if prev.Status == nil || prev.Status.Frequency != status.Frequency {
		for _, l := range c.listeners {
			rig.DispatchFrequency(l, c.RigID, status.Frequency)
		}
	}
	if prev.Status == nil || !prev.Status.Mode.Equal(status.Mode) {
		for _, l := range c.listeners {
			rig.DispatchMode(l, c.RigID, status.Mode)
		}
	}
	if prev.Status == nil || prev.Status.Tx.Transmitting != status.Tx.Transmitting {
		for _, l := range c.listeners {
			rig.DispatchPtt(l, c.RigID, status.Tx.Transmitting)
		}
	}
	if prev.Status == nil || prev.Status.Locked != status.Locked {
		for _, l := range c.listeners {
			rig.DispatchLock(l, c.RigID, status.Locked)
		}
	}
	for _, l := range c.listeners {
		rig.DispatchMeter(l, c.RigID, status.Rx, status.Tx)
	}
	if prev.Kind != newKind {
		for _, l := range c.listeners {
			rig.DispatchState(l, c.RigID, prev.Kind, newKind)
		}
	}
	c.publishSnapshot()
}

func (c *Controller) publishSnapshot() {
	s := c.getState()
	snap := rig.RigSnapshot{
		RigID:       c.RigID,
		Info:        s.Info,
		Status:      s.Status,
		State:       s.Kind,
		Initialized: s.Initialized(),
		Enabled:     true,
	}
	if s.Status != nil {
		snap.Band = s.Status.Frequency.Band()
	}
	c.snapshot.publish(snap)
}

func deadlineFor(base time.Duration) time.Duration {
	d := base * 4
	if d < 500*time.Millisecond {
		d = 500 * time.Millisecond
	}
	return d
}

func asRigError(err error) *rig.RigError {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*rig.RigError); ok {
		return rerr
	}
	return rig.NewTransientError("%v", err)
}

func marshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
