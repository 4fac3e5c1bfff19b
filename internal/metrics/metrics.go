// Package metrics implements the Metrics Sink (spec.md §4.1's surrounding
// text names it C7): counters/histograms for request, attempt,
// request_complete and breaker_backend_unavailable, exposed on GET
// /metrics. Grounded on Iweisc-pxbin's internal/metrics/metrics.go
// (dedicated prometheus.Registry, promhttp.HandlerFor, CounterVec/
// HistogramVec/GaugeVec shape) — the teacher itself has no metrics sink at
// all.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the external interface the Router, the Breaker and the HTTP
// handlers emit to; kept narrow so a no-op implementation is trivial for
// tests.
type Sink interface {
	RequestStarted(operation string)
	AttemptCompleted(upstream, operation string, outcome string, errorClass string, elapsedSeconds float64)
	RequestCompleted(operation string, status string, cached bool, elapsedSeconds float64)
	BreakerBackendUnavailable(upstream string)
	BreakerState(upstream string, state float64)
}

// Prometheus is the concrete Sink backed by a dedicated registry (never
// the global default registry, so multiple gateway instances in one test
// binary don't collide).
type Prometheus struct {
	Registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	attemptsTotal        *prometheus.CounterVec
	attemptDuration      *prometheus.HistogramVec
	requestDuration      *prometheus.HistogramVec
	cachedTotal          *prometheus.CounterVec
	breakerBackendDown   *prometheus.CounterVec
	circuitBreakerState  *prometheus.GaugeVec
}

func New() *Prometheus {
	reg := prometheus.NewRegistry()

	m := &Prometheus{
		Registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of inbound requests accepted by the router, by operation.",
		}, []string{"operation"}),

		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_attempts_total",
			Help: "Total number of per-upstream attempts, by outcome and error class.",
		}, []string{"upstream", "operation", "outcome", "error_class"}),

		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_attempt_duration_seconds",
			Help:    "Duration of one upstream attempt in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream", "operation"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end duration of one routed request in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		cachedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cached_responses_total",
			Help: "Total number of requests served from the response cache.",
		}, []string{"operation"}),

		breakerBackendDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_backend_unavailable_total",
			Help: "Total number of times the circuit breaker's shared K/V store was unreachable and the breaker failed closed.",
		}, []string{"upstream"}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed, 1=half_open, 2=open).",
		}, []string{"upstream"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.attemptsTotal,
		m.attemptDuration,
		m.requestDuration,
		m.cachedTotal,
		m.breakerBackendDown,
		m.circuitBreakerState,
	)

	return m
}

func (m *Prometheus) RequestStarted(operation string) {
	m.requestsTotal.WithLabelValues(operation).Inc()
}

func (m *Prometheus) AttemptCompleted(upstream, operation, outcome, errorClass string, elapsedSeconds float64) {
	m.attemptsTotal.WithLabelValues(upstream, operation, outcome, errorClass).Inc()
	m.attemptDuration.WithLabelValues(upstream, operation).Observe(elapsedSeconds)
}

func (m *Prometheus) RequestCompleted(operation, status string, cached bool, elapsedSeconds float64) {
	m.requestDuration.WithLabelValues(operation, status).Observe(elapsedSeconds)
	if cached {
		m.cachedTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Prometheus) BreakerBackendUnavailable(upstream string) {
	m.breakerBackendDown.WithLabelValues(upstream).Inc()
}

// BreakerState records the breaker's current state as a gauge value
// (0=closed, 1=half_open, 2=open) so state flips are visible without a
// counter reset.
func (m *Prometheus) BreakerState(upstream string, state float64) {
	m.circuitBreakerState.WithLabelValues(upstream).Set(state)
}

// Handler exposes this Sink's dedicated registry via the standard
// Prometheus exposition format (spec.md §6 GET /metrics).
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Noop discards every observation; used where a Sink is required but the
// caller (tests, or a server built without a Prometheus sink) doesn't
// supply one.
type Noop struct{}

func (Noop) RequestStarted(string)                                 {}
func (Noop) AttemptCompleted(string, string, string, string, float64) {}
func (Noop) RequestCompleted(string, string, bool, float64)         {}
func (Noop) BreakerBackendUnavailable(string)                       {}
func (Noop) BreakerState(string, float64)                           {}
