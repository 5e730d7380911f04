// Package metrics implements A3: Prometheus instrumentation for the rig
// runtime. Grounded on the teacher's prometheus.go (promauto.NewGaugeVec
// construction, per-rig label convention), scoped down from the teacher's
// spectrum/session/decode-rate metric set to this spec's own domain:
// machine state, command latency, retry counts, and decode throughput.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide Prometheus registration for every rig.
type Metrics struct {
	state          *prometheus.GaugeVec
	commandLatency *prometheus.HistogramVec
	commandErrors  *prometheus.CounterVec
	retries        *prometheus.CounterVec
	decodeEvents   *prometheus.CounterVec
	pollInterval   *prometheus.GaugeVec
}

// New registers every metric with the default registry; call once per process.
func New() *Metrics {
	return &Metrics{
		state: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trx_rig_state",
				Help: "1 for the rig's current machine state, labeled by state name; all other states for that rig are 0.",
			},
			[]string{"rig_id", "state"},
		),
		commandLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trx_command_duration_seconds",
				Help:    "Time from Enqueue to CommandOutcome, per command kind.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"rig_id", "command"},
		),
		commandErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trx_command_errors_total",
				Help: "Failed command outcomes, labeled by rig and error kind.",
			},
			[]string{"rig_id", "kind"},
		),
		retries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trx_command_retries_total",
				Help: "Retry attempts taken by the dispatch loop, per rig.",
			},
			[]string{"rig_id"},
		),
		decodeEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trx_decode_events_total",
				Help: "Decoded spots/packets emitted by the decoder fan-out, per rig and mode.",
			},
			[]string{"rig_id", "mode"},
		),
		pollInterval: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trx_poll_interval_seconds",
				Help: "Current adaptive poll interval in effect for a rig.",
			},
			[]string{"rig_id"},
		),
	}
}

// SetState marks rigID's current state and zeroes every other known state
// label so a Grafana panel reading this gauge directly reflects the latest
// transition rather than accumulating stale 1s.
func (m *Metrics) SetState(rigID string, current string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.state.WithLabelValues(rigID, s).Set(v)
	}
}

// ObserveCommand records one dispatch's latency.
func (m *Metrics) ObserveCommand(rigID, command string, d time.Duration) {
	m.commandLatency.WithLabelValues(rigID, command).Observe(d.Seconds())
}

// IncCommandError counts one failed outcome.
func (m *Metrics) IncCommandError(rigID, kind string) {
	m.commandErrors.WithLabelValues(rigID, kind).Inc()
}

// IncRetry counts one retry attempt.
func (m *Metrics) IncRetry(rigID string) {
	m.retries.WithLabelValues(rigID).Inc()
}

// IncDecodeEvent counts one decoded spot/packet.
func (m *Metrics) IncDecodeEvent(rigID, mode string) {
	m.decodeEvents.WithLabelValues(rigID, mode).Inc()
}

// SetPollInterval records the adaptive poll interval currently in effect.
func (m *Metrics) SetPollInterval(rigID string, d time.Duration) {
	m.pollInterval.WithLabelValues(rigID).Set(d.Seconds())
}
