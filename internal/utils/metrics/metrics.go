package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Generation metrics
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration prometheus.Histogram

	// Quota metrics
	QuotaDenialsTotal prometheus.Counter
	QuotaRefundsTotal prometheus.Counter
}

// New creates a new Metrics instance with all metrics registered on the
// default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tryon"
	}

	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		GenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "requests_total",
				Help:      "Total number of generation requests by outcome",
			},
			[]string{"outcome"},
		),
		GenerationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "End-to-end generation request duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		QuotaDenialsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "denials_total",
				Help:      "Total number of attempts denied by the daily allowance",
			},
		),
		QuotaRefundsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quota",
				Name:      "refunds_total",
				Help:      "Total number of quota refunds after failed generations",
			},
		),
	}
}
