package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/retailedge/gateway/internal/observability"
)

// Metrics holds forwarding metrics.
type Metrics struct {
	upstreamDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	failuresTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers proxy metrics.
func NewMetrics(registry *observability.Registry) *Metrics {
	m := &Metrics{
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Upstream round trip duration in seconds by route.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_retries_total",
				Help: "Total retried upstream requests by route.",
			},
			[]string{"route"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_upstream_breaker_open",
				Help: "Whether the circuit breaker for a backend is open.",
			},
			[]string{"backend"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_failures_total",
				Help: "Total upstream failures by route and kind.",
			},
			[]string{"route", "kind"},
		),
	}

	if registry != nil {
		registry.Register(
			m.upstreamDuration,
			m.retriesTotal,
			m.breakerState,
			m.failuresTotal,
		)
	}

	return m
}

// RecordUpstream records one upstream round trip.
func (m *Metrics) RecordUpstream(route string, duration time.Duration) {
	m.upstreamDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRetry records a retried upstream request.
func (m *Metrics) RecordRetry(route string) {
	m.retriesTotal.WithLabelValues(route).Inc()
}

// RecordBreakerState records a circuit breaker state change.
func (m *Metrics) RecordBreakerState(backend string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	m.breakerState.WithLabelValues(backend).Set(value)
}

// RecordFailure records an upstream failure.
func (m *Metrics) RecordFailure(route, kind string) {
	m.failuresTotal.WithLabelValues(route, kind).Inc()
}
