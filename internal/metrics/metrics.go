// Package metrics exposes Prometheus instruments for the request gate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gate's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	pending      prometheus.Gauge
	decisionWait *prometheus.HistogramVec
	promptErrors prometheus.Counter
}

// New creates the instruments on a fresh registry, including Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "request_gate",
			Name:      "decisions_total",
			Help:      "Authorization decisions by kind, decision and deciding source.",
		}, []string{"kind", "decision", "source"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "request_gate",
			Name:      "pending_decisions",
			Help:      "Approval prompts currently waiting for an operator.",
		}),
		decisionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "request_gate",
			Name:      "decision_wait_seconds",
			Help:      "Time a check spent waiting for a human decision.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"kind"}),
		promptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "request_gate",
			Name:      "prompt_failures_total",
			Help:      "Prompt failures that were resolved as deny.",
		}),
	}
	reg.MustRegister(
		m.decisions,
		m.pending,
		m.decisionWait,
		m.promptErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDecision counts one decision.
func (m *Metrics) ObserveDecision(kind, decision, source string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(kind, decision, source).Inc()
}

// ObserveWait records how long a prompt took to resolve.
func (m *Metrics) ObserveWait(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.decisionWait.WithLabelValues(kind).Observe(seconds)
}

// PromptFailed counts a prompt failure.
func (m *Metrics) PromptFailed() {
	if m == nil {
		return
	}
	m.promptErrors.Inc()
}

// PendingAdded and PendingRemoved track the pending-decision gauge.
func (m *Metrics) PendingAdded() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) PendingRemoved() {
	if m == nil {
		return
	}
	m.pending.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
