package decoder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0call/trx-rs-go/internal/rig"
)

// fakeSource hands out one channel the test drives directly.
type fakeSource struct {
	ch chan rig.PcmFrame
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan rig.PcmFrame, 16)}
}

func (f *fakeSource) SubscribePCM(channelID string) (<-chan rig.PcmFrame, func(), error) {
	return f.ch, func() {}, nil
}

// echoDecoder turns every frame into a single fixed event.
type echoDecoder struct {
	mode Mode
}

func (d *echoDecoder) Mode() Mode { return d.mode }
func (d *echoDecoder) Process(frame rig.PcmFrame) []Event {
	return []Event{{Mode: d.mode, Message: "CQ TEST", Time: time.Now()}}
}

type countingMetrics struct{ n int }

func (m *countingMetrics) IncDecodeEvent(rigID, mode string) { m.n++ }

func TestBindRejectsDoubleBindingSameMode(t *testing.T) {
	src := newFakeSource()
	fan := New("rig1", src, nil)
	ctx := context.Background()

	require.NoError(t, fan.Bind(ctx, &echoDecoder{mode: ModeFT8}, "chan0"))
	err := fan.Bind(ctx, &echoDecoder{mode: ModeFT8}, "chan1")
	assert.Error(t, err)
}

func TestRecordPushesHistoryAndNotifiesSubscribersAndMetrics(t *testing.T) {
	src := newFakeSource()
	fan := New("rig1", src, nil)
	m := &countingMetrics{}
	fan.SetMetrics(m)
	ctx := context.Background()
	require.NoError(t, fan.Bind(ctx, &echoDecoder{mode: ModeFT8}, "chan0"))

	sub, cancel := fan.Subscribe()
	defer cancel()

	src.ch <- rig.PcmFrame{}

	select {
	case e := <-sub:
		assert.Equal(t, ModeFT8, e.Mode)
		assert.Equal(t, "rig1", e.RigID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decode event")
	}

	assert.Eventually(t, func() bool {
		return len(fan.History(ModeFT8)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return m.n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSetEnabledPausesWithoutUnbinding(t *testing.T) {
	src := newFakeSource()
	fan := New("rig1", src, nil)
	ctx := context.Background()
	require.NoError(t, fan.Bind(ctx, &echoDecoder{mode: ModeWSPR}, "chan0"))
	assert.True(t, fan.IsEnabled(ModeWSPR))

	fan.SetEnabled(ModeWSPR, false)
	assert.False(t, fan.IsEnabled(ModeWSPR))

	src.ch <- rig.PcmFrame{}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fan.History(ModeWSPR))

	err := fan.Bind(ctx, &echoDecoder{mode: ModeWSPR}, "chan1")
	assert.Error(t, err, "still bound even while disabled")
}

func TestClearEmptiesHistory(t *testing.T) {
	src := newFakeSource()
	fan := New("rig1", src, nil)
	ctx := context.Background()
	require.NoError(t, fan.Bind(ctx, &echoDecoder{mode: ModeAPRS}, "chan0"))

	src.ch <- rig.PcmFrame{}
	require.Eventually(t, func() bool { return len(fan.History(ModeAPRS)) == 1 }, time.Second, 10*time.Millisecond)

	fan.Clear(ModeAPRS)
	assert.Empty(t, fan.History(ModeAPRS))
}
