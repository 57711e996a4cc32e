// Package metrics exposes Prometheus instrumentation for the correlation
// subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcorr_http_requests_total",
		Help: "HTTP requests by method and path.",
	}, []string{"method", "path"})

	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcorr_resolutions_total",
		Help: "Event attributions by resolution method.",
	}, []string{"method"})

	CorrelationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcorr_correlations_total",
		Help: "Correlations written by quality tier.",
	}, []string{"tier"})

	CorrelationRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetcorr_correlation_run_seconds",
		Help:    "Batch correlation run duration.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcorr_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }
