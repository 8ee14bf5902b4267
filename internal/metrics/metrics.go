// Package metrics exposes Prometheus instrumentation for the liveness and
// comparison flows.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Liveness metrics
	EvaluationsTotal  *prometheus.CounterVec
	EvaluationSeconds *prometheus.HistogramVec
	GestureTimeouts   prometheus.Counter
	StreamSessions    prometheus.Gauge

	// Comparison metrics
	StrategySimilarity *prometheus.HistogramVec
	DecisionsTotal     *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "liveness"
	}

	registry := prometheus.NewRegistry()

	evaluationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of frame evaluations",
		},
		[]string{"detector", "outcome"},
	)

	evaluationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Frame evaluation duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
		[]string{"detector"},
	)

	gestureTimeouts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gesture_verdict_timeouts_total",
			Help:      "Total number of gesture daemon verdicts that timed out",
		},
	)

	streamSessions := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions_active",
			Help:      "Number of active liveness WebSocket sessions",
		},
	)

	strategySimilarity := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_similarity",
			Help:      "Similarity scores reported per comparison strategy",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99, 1},
		},
		[]string{"strategy"},
	)

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparison_decisions_total",
			Help:      "Total number of aggregated comparison decisions",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		evaluationsTotal,
		evaluationSeconds,
		gestureTimeouts,
		streamSessions,
		strategySimilarity,
		decisionsTotal,
	)

	return &Metrics{
		registry:           registry,
		EvaluationsTotal:   evaluationsTotal,
		EvaluationSeconds:  evaluationSeconds,
		GestureTimeouts:    gestureTimeouts,
		StreamSessions:     streamSessions,
		StrategySimilarity: strategySimilarity,
		DecisionsTotal:     decisionsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvaluation records one frame evaluation.
func (m *Metrics) RecordEvaluation(detector string, isLive bool, duration time.Duration) {
	outcome := "spoof"
	if isLive {
		outcome = "live"
	}
	m.EvaluationsTotal.WithLabelValues(detector, outcome).Inc()
	m.EvaluationSeconds.WithLabelValues(detector).Observe(duration.Seconds())
}

// RecordGestureTimeout records a verdict that never arrived.
func (m *Metrics) RecordGestureTimeout() {
	m.GestureTimeouts.Inc()
}

// StreamSessionStarted marks a WebSocket session as active.
func (m *Metrics) StreamSessionStarted() {
	m.StreamSessions.Inc()
}

// StreamSessionEnded marks a WebSocket session as closed.
func (m *Metrics) StreamSessionEnded() {
	m.StreamSessions.Dec()
}

// RecordStrategy records the similarity one strategy reported.
func (m *Metrics) RecordStrategy(strategy string, similarity float64) {
	m.StrategySimilarity.WithLabelValues(strategy).Observe(similarity)
}

// RecordDecision records an aggregated decision outcome.
func (m *Metrics) RecordDecision(status string) {
	m.DecisionsTotal.WithLabelValues(status).Inc()
}
