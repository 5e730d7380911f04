package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// fakeBackend is a minimal in-memory rig.Backend for dispatch/state-machine tests.
type fakeBackend struct {
	mu sync.Mutex

	freq      rig.Frequency
	mode      rig.Mode
	ptt       bool
	caps      rig.RigCapabilities
	failNext  error // if set, the next mutating call returns this error once
	failCount int   // if > 0, that many mutating calls fail with a transient error
}

func (b *fakeBackend) Probe(ctx context.Context) (rig.RigInfo, error) {
	return rig.RigInfo{Manufacturer: "Fake", Model: "FT-Test", Capabilities: b.caps}, nil
}

func (b *fakeBackend) GetStatus(ctx context.Context) (rig.RigStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return rig.RigStatus{
		Frequency: b.freq,
		Mode:      b.mode,
		Vfos:      rig.NewVfoBank(2, b.freq, b.mode),
		Tx:        rig.TxStatus{Transmitting: b.ptt},
	}, nil
}

func (b *fakeBackend) consumeFailure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return err
	}
	if b.failCount > 0 {
		b.failCount--
		return rig.NewTransientError("radio busy")
	}
	return nil
}

func (b *fakeBackend) SetFreq(ctx context.Context, hz rig.Frequency) error {
	if err := b.consumeFailure(); err != nil {
		return err
	}
	b.mu.Lock()
	b.freq = hz
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) SetMode(ctx context.Context, m rig.Mode) error {
	if err := b.consumeFailure(); err != nil {
		return err
	}
	b.mu.Lock()
	b.mode = m
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) SetPtt(ctx context.Context, on bool) error {
	if err := b.consumeFailure(); err != nil {
		return err
	}
	b.mu.Lock()
	b.ptt = on
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) PowerOn(ctx context.Context) error  { return b.consumeFailure() }
func (b *fakeBackend) PowerOff(ctx context.Context) error { return b.consumeFailure() }
func (b *fakeBackend) ToggleVfo(ctx context.Context) error { return b.consumeFailure() }
func (b *fakeBackend) Lock(ctx context.Context) error       { return b.consumeFailure() }
func (b *fakeBackend) Unlock(ctx context.Context) error     { return b.consumeFailure() }
func (b *fakeBackend) GetTxLimit(ctx context.Context) (float64, error) { return 100, nil }
func (b *fakeBackend) SetTxLimit(ctx context.Context, v float64) error { return b.consumeFailure() }
func (b *fakeBackend) GetSignalStrength(ctx context.Context) (float64, error) { return -73, nil }
func (b *fakeBackend) AsAudioSource() (rig.PcmSubscribe, bool)          { return nil, false }

type fakeMetrics struct {
	mu       sync.Mutex
	states   []string
	retries  int
	cmdErrs  []string
}

func (m *fakeMetrics) SetState(rigID, current string, allStates []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, current)
}
func (m *fakeMetrics) ObserveCommand(rigID, command string, d time.Duration) {}
func (m *fakeMetrics) IncCommandError(rigID, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmdErrs = append(m.cmdErrs, kind)
}
func (m *fakeMetrics) IncRetry(rigID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}
func (m *fakeMetrics) SetPollInterval(rigID string, d time.Duration) {}

func startController(t *testing.T, backend *fakeBackend, metrics *fakeMetrics) (*Controller, context.CancelFunc) {
	t.Helper()
	c := New(Config{
		RigID:   "rig1",
		Backend: backend,
		Retry:   NewExponentialBackoff(5*time.Millisecond, 20*time.Millisecond, 3),
		Poll:    NewNoPolling(),
		Metrics: metrics,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	require.Eventually(t, func() bool {
		return c.Latest().State == rig.StateReady
	}, time.Second, 5*time.Millisecond, "controller never reached Ready")
	return c, cancel
}

func TestControllerConnectReachesReady(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: true}}
	metrics := &fakeMetrics{}
	c, cancel := startController(t, backend, metrics)
	defer cancel()

	assert.Equal(t, rig.StateReady, c.Latest().State)
	assert.Contains(t, metrics.states, string(rig.StateReady))
}

func TestSetFreqUpdatesSnapshot(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: true}}
	c, cancel := startController(t, backend, &fakeMetrics{})
	defer cancel()

	outcome, err := c.Enqueue(context.Background(), rig.Command{Kind: rig.CmdSetFreq, FreqHz: 14_074_000})
	require.NoError(t, err)
	assert.True(t, outcome.IsSuccess())

	assert.Eventually(t, func() bool {
		snap := c.Latest()
		return snap.Status != nil && snap.Status.Frequency == 14_074_000
	}, time.Second, 5*time.Millisecond)
}

func TestSetPttRejectedWithoutTxCapability(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: false}}
	c, cancel := startController(t, backend, &fakeMetrics{})
	defer cancel()

	outcome, err := c.Enqueue(context.Background(), rig.Command{Kind: rig.CmdSetPtt, PttOn: true})
	require.NoError(t, err)
	assert.False(t, outcome.IsSuccess())
	assert.Equal(t, rig.Permanent, outcome.Kind_)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: true}}
	metrics := &fakeMetrics{}
	c, cancel := startController(t, backend, metrics)
	defer cancel()

	backend.mu.Lock()
	backend.failNext = rig.NewTransientError("radio busy")
	backend.mu.Unlock()

	outcome, err := c.Enqueue(context.Background(), rig.Command{Kind: rig.CmdSetFreq, FreqHz: 7_040_000})
	require.NoError(t, err)
	assert.True(t, outcome.IsSuccess())
	assert.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.retries >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestPermanentFailureGoesToErrorStateAndRecordsMetric(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: true}}
	metrics := &fakeMetrics{}
	c, cancel := startController(t, backend, metrics)
	defer cancel()

	backend.mu.Lock()
	backend.failNext = rig.NewPermanentError("no such VFO")
	backend.mu.Unlock()

	outcome, err := c.Enqueue(context.Background(), rig.Command{Kind: rig.CmdSetFreq, FreqHz: 7_040_000})
	require.NoError(t, err)
	assert.False(t, outcome.IsSuccess())

	assert.Eventually(t, func() bool {
		return c.Latest().State == rig.StateError
	}, time.Second, 5*time.Millisecond)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Contains(t, metrics.cmdErrs, string(rig.Permanent))
}

func TestRetryExhaustionEntersErrorThenRecoverRestoresReady(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: true}}
	metrics := &fakeMetrics{}
	c, cancel := startController(t, backend, metrics)
	defer cancel()

	// Three transient failures against max_retries=3 exhausts the policy:
	// exactly one Failure outcome, state Error wrapping the displaced Ready.
	backend.mu.Lock()
	backend.failCount = 3
	backend.mu.Unlock()

	outcome, err := c.Enqueue(context.Background(), rig.Command{Kind: rig.CmdSetFreq, FreqHz: 7_040_000})
	require.NoError(t, err)
	assert.False(t, outcome.IsSuccess())
	assert.Equal(t, rig.Transient, outcome.Kind_)

	require.Eventually(t, func() bool {
		return c.Latest().State == rig.StateError
	}, time.Second, 5*time.Millisecond)
	st := c.getState()
	require.NotNil(t, st.Previous)
	assert.Equal(t, rig.StateReady, st.Previous.Kind)

	// The backend is healthy again; one recovery probe restores the
	// displaced state.
	assert.True(t, c.Recover(context.Background()))
	assert.Eventually(t, func() bool {
		return c.Latest().State == rig.StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestRecoverIsANoOpOutsideErrorState(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: true}}
	c, cancel := startController(t, backend, &fakeMetrics{})
	defer cancel()

	assert.False(t, c.Recover(context.Background()))
	assert.Equal(t, rig.StateReady, c.Latest().State)
}

func TestStopUnblocksPendingEnqueue(t *testing.T) {
	backend := &fakeBackend{caps: rig.RigCapabilities{Tx: true}}
	c, cancel := startController(t, backend, &fakeMetrics{})
	defer cancel()
	c.Stop()

	// The loop goroutine may already be gone by the time we enqueue, so bound
	// the wait with a timeout rather than risk hanging on a reply that will
	// never arrive.
	ctx, done := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer done()
	_, err := c.Enqueue(ctx, rig.Command{Kind: rig.CmdSetFreq, FreqHz: 1})
	assert.Error(t, err)
}
