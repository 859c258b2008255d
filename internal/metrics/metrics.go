// Package metrics is the coordination kernel's Prometheus metrics
// registry: gate allow/deny outcomes, tool-call latency, control-loop
// run health and sync-queue depth, exposed at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the central metrics registry for the coordination kernel.
type Metrics struct {
	registry *prometheus.Registry

	GateDecisions      *prometheus.CounterVec
	ToolCallDuration   *prometheus.HistogramVec
	ControlLoopRuns    *prometheus.CounterVec
	ControlLoopDuration *prometheus.HistogramVec
	SyncQueueDepth     prometheus.Gauge
	SyncQueueAbandoned prometheus.Counter
	RelayDeadLettered  prometheus.Counter
}

// New constructs a Metrics registry with all collectors pre-registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cachebash_gate_decisions_total",
			Help: "Gate pipeline outcomes by tool and decision reason.",
		}, []string{"tool", "allowed", "reason"}),

		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cachebash_tool_call_duration_seconds",
			Help:    "Tool invocation latency, measured inside the gate.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),

		ControlLoopRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cachebash_controlloop_runs_total",
			Help: "Control loop runs by loop name and outcome.",
		}, []string{"loop", "outcome"}),

		ControlLoopDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cachebash_controlloop_duration_seconds",
			Help:    "Control loop run duration by loop name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),

		SyncQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cachebash_syncqueue_depth",
			Help: "Current number of buffered mirror-write jobs.",
		}),

		SyncQueueAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "cachebash_syncqueue_abandoned_total",
			Help: "Mirror-write jobs abandoned after exhausting retries.",
		}),

		RelayDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "cachebash_relay_dead_lettered_total",
			Help: "Relay messages moved to dead-lettered after exceeding delivery attempts.",
		}),
	}
}

// TrackGateDecision records one gate pipeline outcome.
func (m *Metrics) TrackGateDecision(tool string, allowed bool, reason string) {
	m.GateDecisions.WithLabelValues(tool, boolLabel(allowed), reason).Inc()
}

// TrackToolCall records a tool invocation's latency in seconds.
func (m *Metrics) TrackToolCall(tool string, seconds float64) {
	m.ToolCallDuration.WithLabelValues(tool).Observe(seconds)
}

// TrackControlLoopRun records a control loop run's outcome and duration.
func (m *Metrics) TrackControlLoopRun(loop, outcome string, seconds float64) {
	m.ControlLoopRuns.WithLabelValues(loop, outcome).Inc()
	m.ControlLoopDuration.WithLabelValues(loop).Observe(seconds)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Handler returns an http.Handler serving /metrics in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
