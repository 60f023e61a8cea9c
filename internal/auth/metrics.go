package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/retailedge/gateway/internal/observability"
)

// Metrics holds token validation metrics.
type Metrics struct {
	validationsTotal   *prometheus.CounterVec
	validationDuration prometheus.Histogram
	cacheHitsTotal     prometheus.Counter
	cacheMissesTotal   prometheus.Counter
	keyRefreshesTotal  *prometheus.CounterVec
	keyRefreshDuration prometheus.Histogram
}

// NewMetrics creates and registers auth metrics.
func NewMetrics(registry *observability.Registry) *Metrics {
	m := &Metrics{
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_validations_total",
				Help: "Total token validations by outcome and failure kind.",
			},
			[]string{"outcome", "kind"},
		),
		validationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_auth_validation_duration_seconds",
				Help:    "Token validation duration in seconds.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_auth_claims_cache_hits_total",
				Help: "Total claims cache hits.",
			},
		),
		cacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_auth_claims_cache_misses_total",
				Help: "Total claims cache misses.",
			},
		),
		keyRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_key_refreshes_total",
				Help: "Total signing key refreshes by status.",
			},
			[]string{"status"},
		),
		keyRefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_auth_key_refresh_duration_seconds",
				Help:    "Signing key refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	if registry != nil {
		registry.Register(
			m.validationsTotal,
			m.validationDuration,
			m.cacheHitsTotal,
			m.cacheMissesTotal,
			m.keyRefreshesTotal,
			m.keyRefreshDuration,
		)
	}

	return m
}

// RecordValidation records a validation attempt.
func (m *Metrics) RecordValidation(outcome, kind string, duration time.Duration) {
	m.validationsTotal.WithLabelValues(outcome, kind).Inc()
	m.validationDuration.Observe(duration.Seconds())
}

// RecordCacheHit records a claims cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

// RecordCacheMiss records a claims cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

// RecordKeyRefresh records a signing key refresh attempt.
func (m *Metrics) RecordKeyRefresh(status string, duration time.Duration) {
	m.keyRefreshesTotal.WithLabelValues(status).Inc()
	m.keyRefreshDuration.Observe(duration.Seconds())
}
