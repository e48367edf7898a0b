// Package metrics holds the Prometheus collectors shared across the
// runtime. Callers expose them through their own registry endpoint;
// the library never starts a server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Memory metrics
	MemoryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_memory_operations_total",
			Help: "Memory router operations by tier, op, and outcome",
		},
		[]string{"tier", "op", "outcome"},
	)

	MemoryCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_memory_cache_hits_total",
			Help: "Cache lookups by cache name and hit/miss",
		},
		[]string{"cache", "result"},
	)

	MemorySearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_memory_search_duration_seconds",
			Help:    "Semantic search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver"},
	)

	ChunksStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_memory_chunks_stored_total",
			Help: "Chunks written to the vector tier by domain",
		},
		[]string{"domain"},
	)

	ChunksDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_memory_chunks_deduped_total",
			Help: "Chunks skipped because an identical chunk_id already existed",
		},
	)

	// Provider metrics
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_provider_requests_total",
			Help: "Provider calls by provider, model, and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	ProviderFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_provider_fallbacks_total",
			Help: "Times the router fell past a candidate to the next one",
		},
		[]string{"from_provider", "reason"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	ProviderCostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_provider_cost_usd_total",
			Help: "Accumulated provider spend in USD",
		},
		[]string{"provider", "model"},
	)

	// Circuit breaker state: 0 closed, 1 half-open, 2 open
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// Connector metrics
	ConnectorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_connector_requests_total",
			Help: "Connector HTTP requests by connector and outcome",
		},
		[]string{"connector", "outcome"},
	)

	ConnectorSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_connector_syncs_total",
			Help: "Sync cycles by connector and outcome",
		},
		[]string{"connector", "outcome"},
	)

	ConnectorSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_connector_sync_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"connector"},
	)

	// Orchestrator metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_total",
			Help: "Tasks reaching a terminal state by domain, type, and status",
		},
		[]string{"domain", "task_type", "status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"domain", "task_type"},
	)

	TasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_tasks_active",
			Help: "Tasks currently executing per domain",
		},
		[]string{"domain"},
	)

	TasksQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_tasks_queued",
			Help: "Tasks waiting in the queue per domain",
		},
		[]string{"domain"},
	)

	BudgetRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_budget_rejections_total",
			Help: "Tasks rejected by the budget gate per domain and window",
		},
		[]string{"domain", "window"},
	)

	TaskCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_task_cost_usd_total",
			Help: "Accumulated spend of completed tasks in USD",
		},
		[]string{"domain", "task_type"},
	)
)

func init() {
	prometheus.MustRegister(MemoryOps)
	prometheus.MustRegister(MemoryCacheHits)
	prometheus.MustRegister(MemorySearchDuration)
	prometheus.MustRegister(ChunksStored)
	prometheus.MustRegister(ChunksDeduped)
	prometheus.MustRegister(ProviderRequests)
	prometheus.MustRegister(ProviderFallbacks)
	prometheus.MustRegister(ProviderLatency)
	prometheus.MustRegister(ProviderCostUSD)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(ConnectorRequests)
	prometheus.MustRegister(ConnectorSyncs)
	prometheus.MustRegister(ConnectorSyncDuration)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(TasksQueued)
	prometheus.MustRegister(BudgetRejections)
	prometheus.MustRegister(TaskCost)
}

// Handler returns the Prometheus HTTP handler for callers that want to
// mount the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
