package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	PeersKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mjnet",
			Name:      "peers_known",
			Help:      "Peers currently tracked by the registry, by state.",
		},
		[]string{"state"},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mjnet",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by outcome.",
		},
		[]string{"outcome"},
	)

	HandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mjnet",
			Name:      "handshake_duration_seconds",
			Help:      "Latency of completed handshakes.",
			// Covers 10ms .. ~40s; the attempt timeout caps the tail.
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	SessionFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mjnet",
			Name:      "session_frames_total",
			Help:      "Inbound session frames by disposition.",
		},
		[]string{"disposition"},
	)

	ContextUpdatesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mjnet",
			Name:      "context_updates_sent_total",
			Help:      "Outbound context updates that passed the filter.",
		},
	)

	CategoriesFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mjnet",
			Name:      "context_categories_filtered_total",
			Help:      "Context categories withheld by the relationship filter.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "mjnet",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PeersKnown,
		HandshakesTotal,
		HandshakeDuration,
		SessionFramesTotal,
		ContextUpdatesSent,
		CategoriesFiltered,
		uptime,
	)
}

// MetricsHandler exposes the registry for scraping. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
