// Package metrics defines the Prometheus registry exposed at /metrics:
// request duration by route and status, ingestion counters, cache
// hit/miss, rate-limit rejections, broker publish failures, and active
// subscription sessions. One struct of vectors built and registered at
// construction; callers update the exported fields directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this service emits. CacheHits, CacheMisses,
// BrokerPublishFailures and BatchOverflowDropped are registered and
// exported, but no component in this repository increments them, so they
// stay at zero.
type Registry struct {
	RequestDuration *prometheus.HistogramVec

	IngestReceived *prometheus.CounterVec
	IngestInserted prometheus.Counter
	IngestDropped  *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	RateLimitRejections      *prometheus.CounterVec
	RateLimitBackendDown     prometheus.Counter
	BrokerPublishFailures    prometheus.Counter
	BatchOverflowDropped     prometheus.Counter
	ActiveSubscriptionSessions prometheus.Gauge
}

// New builds and registers every metric against reg (pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's duplicate-registration panics across package-level test
// runs).
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedmesh_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, by route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
		IngestReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_ingest_observations_received_total",
				Help: "Observations received by the ingestion endpoint, before validation.",
			},
			[]string{"worker_id"},
		),
		IngestInserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedmesh_ingest_observations_inserted_total",
				Help: "Observations successfully persisted to the store.",
			},
		),
		IngestDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_ingest_observations_dropped_total",
				Help: "Observations rejected during ingestion, by reason.",
			},
			[]string{"reason"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_cache_hits_total",
				Help: "Cache hits by query kind.",
			},
			[]string{"kind"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_cache_misses_total",
				Help: "Cache misses by query kind.",
			},
			[]string{"kind"},
		),
		RateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmesh_rate_limit_rejections_total",
				Help: "Requests rejected for exceeding the per-tier rate limit.",
			},
			[]string{"tier"},
		),
		RateLimitBackendDown: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedmesh_rate_limit_backend_unavailable_total",
				Help: "Rate-limit checks that failed open because the broker was unreachable.",
			},
		),
		BrokerPublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedmesh_broker_publish_failures_total",
				Help: "Failed broker publish calls (cache refresh or price update fan-out).",
			},
		),
		BatchOverflowDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feedmesh_collector_batch_overflow_dropped_total",
				Help: "Observations dropped from a collector's retry queue past the overflow ceiling.",
			},
		),
		ActiveSubscriptionSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedmesh_active_subscription_sessions",
				Help: "Currently open WebSocket subscription sessions.",
			},
		),
	}

	reg.MustRegister(
		m.RequestDuration,
		m.IngestReceived,
		m.IngestInserted,
		m.IngestDropped,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejections,
		m.RateLimitBackendDown,
		m.BrokerPublishFailures,
		m.BatchOverflowDropped,
		m.ActiveSubscriptionSessions,
	)

	return m
}

// Handler renders gatherer (the same registry passed to New, both in
// cmd/pricefeed serve and in tests) in the Prometheus text exposition
// format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
