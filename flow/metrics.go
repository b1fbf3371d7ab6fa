package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects pipeline and scheduler metrics.
//
// Metrics exposed (namespace "flowfiber"):
//   - passes_total{event_type, outcome}: pipeline passes by result
//     (outcome: suspended, finished, failed, killed, continued, error)
//   - pass_latency_ms{event_type}: pass duration
//   - inflight_fibers: fibers executing right now
//   - queue_depth: fiber tasks waiting for a worker
//   - flow_failures_total{code}: flow-logic failures by cause code
//   - retries_total{reason}: retries (reason: scheduled, manual, transient, conflict)
//   - dead_letters_total{kind}: events abandoned by the processor
//
// Labels never include flow IDs, so cardinality stays bounded.
type PrometheusMetrics struct {
	passes       *prometheus.CounterVec
	passLatency  *prometheus.HistogramVec
	inflight     prometheus.Gauge
	queueDepth   prometheus.Gauge
	flowFailures *prometheus.CounterVec
	retries      *prometheus.CounterVec
	deadLetters  *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the collectors with registry
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowfiber",
			Name:      "passes_total",
			Help:      "Pipeline passes by inbound event type and outcome",
		}, []string{"event_type", "outcome"}),
		passLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowfiber",
			Name:      "pass_latency_ms",
			Help:      "Pipeline pass duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"event_type"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowfiber",
			Name:      "inflight_fibers",
			Help:      "Fibers currently executing on the scheduler",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowfiber",
			Name:      "queue_depth",
			Help:      "Fiber tasks waiting for a scheduler worker",
		}),
		flowFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowfiber",
			Name:      "flow_failures_total",
			Help:      "Flow logic failures by cause code",
		}, []string{"code"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowfiber",
			Name:      "retries_total",
			Help:      "Retries of flows and events by reason",
		}, []string{"reason"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowfiber",
			Name:      "dead_letters_total",
			Help:      "Inbound events abandoned after a non-retryable error, by error kind",
		}, []string{"kind"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordPass counts one pass and observes its latency.
func (pm *PrometheusMetrics) RecordPass(eventType, outcome string, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.passes.WithLabelValues(eventType, outcome).Inc()
	pm.passLatency.WithLabelValues(eventType).Observe(float64(latency.Milliseconds()))
}

// UpdateInflightFibers sets the number of executing fibers.
func (pm *PrometheusMetrics) UpdateInflightFibers(n int) {
	if !pm.on() {
		return
	}
	pm.inflight.Set(float64(n))
}

// UpdateQueueDepth sets the number of queued fiber tasks.
func (pm *PrometheusMetrics) UpdateQueueDepth(n int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(n))
}

// IncrementFlowFailures counts a flow-logic failure.
func (pm *PrometheusMetrics) IncrementFlowFailures(code string) {
	if !pm.on() {
		return
	}
	pm.flowFailures.WithLabelValues(code).Inc()
}

// IncrementRetries counts a retry.
func (pm *PrometheusMetrics) IncrementRetries(reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(reason).Inc()
}

// IncrementDeadLetters counts an abandoned event.
func (pm *PrometheusMetrics) IncrementDeadLetters(kind string) {
	if !pm.on() {
		return
	}
	pm.deadLetters.WithLabelValues(kind).Inc()
}

// Disable stops metric collection.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric collection.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges.
func (pm *PrometheusMetrics) Reset() {
	pm.inflight.Set(0)
	pm.queueDepth.Set(0)
}
