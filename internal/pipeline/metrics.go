package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/retailedge/gateway/internal/observability"
)

// Metrics holds request pipeline metrics.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	correlationTotal *prometheus.CounterVec
}

// NewMetrics creates and registers pipeline metrics.
func NewMetrics(registry *observability.Registry) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests by route, outcome and status code.",
			},
			[]string{"route", "outcome", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End to end request duration in seconds by route.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_requests_in_flight",
				Help: "Requests currently inside the pipeline.",
			},
		),
		correlationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_correlation_ids_total",
				Help: "Correlation IDs by origin (reused or generated).",
			},
			[]string{"origin"},
		),
	}

	if registry != nil {
		registry.Register(
			m.requestsTotal,
			m.requestDuration,
			m.inFlight,
			m.correlationTotal,
		)
	}

	return m
}

// RecordRequest records a finished request.
func (m *Metrics) RecordRequest(route, outcome, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, outcome, status).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordCorrelation records whether the correlation ID was reused or
// generated.
func (m *Metrics) RecordCorrelation(reused bool) {
	origin := "generated"
	if reused {
		origin = "reused"
	}
	m.correlationTotal.WithLabelValues(origin).Inc()
}

// TrackInFlight marks a request entering the pipeline; the returned function
// marks it leaving.
func (m *Metrics) TrackInFlight() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}
