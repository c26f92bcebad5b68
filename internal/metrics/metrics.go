// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fusion_escrow"

// Outcome labels for bridge attempts.
const (
	OutcomeOK        = "ok"
	OutcomeRetry     = "retry"
	OutcomePermanent = "permanent"
	OutcomeExhausted = "exhausted"
)

var healthStates = []string{"healthy", "degraded", "unavailable"}

// Metrics groups the daemon's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EscrowTransitions *prometheus.CounterVec
	EscrowOperations  *prometheus.CounterVec
	BridgeAttempts    *prometheus.CounterVec
	BridgeLatency     *prometheus.HistogramVec
	SignerHealth      *prometheus.GaugeVec
	SignerFailures    prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EscrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by target state.",
		}, []string{"from", "to"}),
		EscrowOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_operations_total",
			Help:      "Lifecycle operations by name and error category.",
		}, []string{"op", "result"}),
		BridgeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_attempts_total",
			Help:      "Bridge request attempts by operation and outcome.",
		}, []string{"op", "outcome"}),
		BridgeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_request_seconds",
			Help:      "Latency of individual bridge request attempts.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}),
		SignerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signer_health",
			Help:      "1 for the current threshold signer health state, 0 otherwise.",
		}, []string{"state"}),
		SignerFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signer_recent_failures",
			Help:      "Consecutive failed signing health checks.",
		}),
	}

	m.registry.MustRegister(
		m.EscrowTransitions,
		m.EscrowOperations,
		m.BridgeAttempts,
		m.BridgeLatency,
		m.SignerHealth,
		m.SignerFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// EscrowTransition counts a state change.
func (m *Metrics) EscrowTransition(from, to string) {
	if m == nil {
		return
	}
	m.EscrowTransitions.WithLabelValues(from, to).Inc()
}

// EscrowOperation counts a lifecycle call. result is "ok" or an error category.
func (m *Metrics) EscrowOperation(op, result string) {
	if m == nil {
		return
	}
	m.EscrowOperations.WithLabelValues(op, result).Inc()
}

// BridgeAttempt records one attempt of a bridge request.
func (m *Metrics) BridgeAttempt(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.BridgeAttempts.WithLabelValues(op, outcome).Inc()
	m.BridgeLatency.WithLabelValues(op).Observe(seconds)
}

// SetSignerHealth flips the health gauge to state.
func (m *Metrics) SetSignerHealth(state string, recentFailures int) {
	if m == nil {
		return
	}
	for _, s := range healthStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SignerHealth.WithLabelValues(s).Set(v)
	}
	m.SignerFailures.Set(float64(recentFailures))
}
