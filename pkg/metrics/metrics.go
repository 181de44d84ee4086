package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventBus metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_events_published_total",
			Help: "Total number of events published by topic",
		},
		[]string{"topic"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_events_dropped_total",
			Help: "Total number of events dropped by topic and reason",
		},
		[]string{"topic", "reason"},
	)

	// Event store metrics
	EventStoreSizeTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cybersyn_event_store_events_total",
			Help: "Number of events currently retained per topic",
		},
		[]string{"topic"},
	)

	EventStoreEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_event_store_evictions_total",
			Help: "Total number of events evicted from the store by retention policy",
		},
		[]string{"topic"},
	)

	// Pattern matcher / temporal evaluator metrics
	PatternEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cybersyn_pattern_evaluation_duration_seconds",
			Help:    "Time taken to evaluate a compiled pattern against an event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pattern"},
	)

	PatternMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_pattern_matches_total",
			Help: "Total number of pattern matches by pattern name",
		},
		[]string{"pattern"},
	)

	// Semantic Fusion Engine metrics
	FusionCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cybersyn_fusion_cycle_duration_seconds",
			Help:    "Time taken for one semantic fusion cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	FusionCausalChainsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cybersyn_fusion_causal_chains_total",
			Help: "Total number of causal chains detected",
		},
	)

	FusionContextGraphNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybersyn_fusion_context_graph_nodes",
			Help: "Current number of nodes held in the context graph",
		},
	)

	FusionPatternCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybersyn_fusion_pattern_cache_size",
			Help: "Current number of entries in the fusion pattern cache",
		},
	)

	// HNSW vector index metrics
	HNSWSearchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cybersyn_hnsw_search_latency_seconds",
			Help:    "Time taken for a k-NN search over the HNSW index",
			Buckets: prometheus.DefBuckets,
		},
	)

	HNSWInsertLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cybersyn_hnsw_insert_latency_seconds",
			Help:    "Time taken to insert one vector into the HNSW index",
			Buckets: prometheus.DefBuckets,
		},
	)

	HNSWNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybersyn_hnsw_nodes_total",
			Help: "Total number of nodes currently held in the HNSW index",
		},
	)

	HNSWPruneEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_hnsw_prune_events_total",
			Help: "Total number of HNSW prune/compaction passes by trigger",
		},
		[]string{"trigger"},
	)

	HNSWSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cybersyn_hnsw_save_duration_seconds",
			Help:    "Time taken to persist the HNSW index to disk",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pattern registry / algedonic metrics
	AlgedonicSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_algedonic_signals_total",
			Help: "Total number of algedonic signals emitted by valence and destination",
		},
		[]string{"valence", "destination"},
	)

	AlgedonicBypassTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cybersyn_algedonic_bypass_total",
			Help: "Total number of algedonic signals that bypassed the hierarchy directly to S5/S3",
		},
	)

	RegistryActivePatterns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybersyn_registry_active_patterns",
			Help: "Current number of active patterns in the registry",
		},
	)

	// Clock metrics
	ClockSkewEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cybersyn_clock_skew_events_total",
			Help: "Total number of detected HLC clock skew violations",
		},
	)

	// External interface metrics
	RouterPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cybersyn_router_publish_duration_seconds",
			Help:    "Time taken to publish a message through the external router",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"exchange"},
	)

	RouterCircuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_router_circuit_open_total",
			Help: "Total number of times the router circuit breaker tripped open",
		},
		[]string{"exchange"},
	)

	EnricherRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_enricher_requests_total",
			Help: "Total number of LLM enrichment requests by outcome",
		},
		[]string{"outcome"},
	)

	RouterStubFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_router_stub_fallback_total",
			Help: "Total number of publishes routed through the local stub fallback instead of the transport",
		},
		[]string{"exchange"},
	)

	RouterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybersyn_router_retries_total",
			Help: "Total number of publish retry attempts issued by the router",
		},
		[]string{"exchange"},
	)
)

func init() {
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(EventStoreSizeTotal)
	prometheus.MustRegister(EventStoreEvictionsTotal)
	prometheus.MustRegister(PatternEvaluationDuration)
	prometheus.MustRegister(PatternMatchesTotal)
	prometheus.MustRegister(FusionCycleDuration)
	prometheus.MustRegister(FusionCausalChainsTotal)
	prometheus.MustRegister(FusionContextGraphNodes)
	prometheus.MustRegister(FusionPatternCacheSize)
	prometheus.MustRegister(HNSWSearchLatency)
	prometheus.MustRegister(HNSWInsertLatency)
	prometheus.MustRegister(HNSWNodesTotal)
	prometheus.MustRegister(HNSWPruneEventsTotal)
	prometheus.MustRegister(HNSWSaveDuration)
	prometheus.MustRegister(AlgedonicSignalsTotal)
	prometheus.MustRegister(AlgedonicBypassTotal)
	prometheus.MustRegister(RegistryActivePatterns)
	prometheus.MustRegister(ClockSkewEventsTotal)
	prometheus.MustRegister(RouterPublishDuration)
	prometheus.MustRegister(RouterCircuitOpenTotal)
	prometheus.MustRegister(EnricherRequestsTotal)
	prometheus.MustRegister(RouterStubFallbackTotal)
	prometheus.MustRegister(RouterRetriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
