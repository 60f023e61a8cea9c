package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/retailedge/gateway/internal/observability"
)

// Metrics holds rate limiting metrics.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	storeErrorsTotal prometheus.Counter
}

// NewMetrics creates and registers rate limiting metrics.
func NewMetrics(registry *observability.Registry) *Metrics {
	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_decisions_total",
				Help: "Total rate limit decisions by bucket and outcome.",
			},
			[]string{"bucket", "outcome"},
		),
		storeErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_store_errors_total",
				Help: "Total counter store failures.",
			},
		),
	}

	if registry != nil {
		registry.Register(m.decisionsTotal, m.storeErrorsTotal)
	}

	return m
}

// RecordDecision records an admission decision.
func (m *Metrics) RecordDecision(bucket string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.decisionsTotal.WithLabelValues(bucket, outcome).Inc()
}

// RecordStoreError records a counter store failure.
func (m *Metrics) RecordStoreError() {
	m.storeErrorsTotal.Inc()
}
