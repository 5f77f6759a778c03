package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octomem_cache_lookups_total",
			Help: "Cache lookups by level and result",
		},
		[]string{"level", "result"},
	)

	DiodeDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octomem_diode_decisions_total",
			Help: "Diode calls by diode and outcome",
		},
		[]string{"diode", "outcome"},
	)

	RouterQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octomem_router_queries_total",
			Help: "Router queries by classified type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RouterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octomem_router_query_duration_seconds",
			Help:    "Router query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	PoolWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octomem_graph_pool_wait_seconds",
			Help:    "Time spent waiting for a graph store connection slot",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	PoolTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "octomem_graph_pool_timeouts_total",
			Help: "Graph store calls rejected because no connection slot freed in time",
		},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octomem_rate_limited_total",
			Help: "Requests denied by the token bucket limiter",
		},
		[]string{"operation"},
	)

	VectorItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octomem_vector_items",
			Help: "Items per arm collection, refreshed by maintenance",
		},
		[]string{"arm"},
	)
)
