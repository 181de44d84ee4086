/*
Package metrics provides Prometheus metrics collection and exposition for
the cybernetics fabric.

The metrics package defines and registers every fabric metric using the
Prometheus client library, giving observability into event throughput,
pattern evaluation, semantic fusion, HNSW index health, and algedonic
signal flow. Metrics are exposed via HTTP endpoint for scraping by
Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Event bus: published, dropped              │          │
	│  │  Event store: retained size, evictions      │          │
	│  │  Pattern: evaluation duration, matches       │          │
	│  │  Fusion: cycle duration, causal chains      │          │
	│  │  HNSW: search/insert latency, node count    │          │
	│  │  Algedonic: signals, bypass count           │          │
	│  │  Router/enricher: publish latency, retries  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Event bus:
  - cybersyn_events_published_total{topic}
  - cybersyn_events_dropped_total{topic, reason}

Event store:
  - cybersyn_event_store_events_total{topic}
  - cybersyn_event_store_evictions_total{topic}

Pattern registry:
  - cybersyn_pattern_evaluation_duration_seconds{pattern}
  - cybersyn_pattern_matches_total{pattern}
  - cybersyn_registry_active_patterns

Semantic fusion engine:
  - cybersyn_fusion_cycle_duration_seconds
  - cybersyn_fusion_causal_chains_total
  - cybersyn_fusion_context_graph_nodes
  - cybersyn_fusion_pattern_cache_size

HNSW index:
  - cybersyn_hnsw_search_latency_seconds
  - cybersyn_hnsw_insert_latency_seconds
  - cybersyn_hnsw_nodes_total
  - cybersyn_hnsw_prune_events_total{trigger}
  - cybersyn_hnsw_save_duration_seconds

Algedonic channel:
  - cybersyn_algedonic_signals_total{valence, destination}
  - cybersyn_algedonic_bypass_total

Clock:
  - cybersyn_clock_skew_events_total

External interfaces:
  - cybersyn_router_publish_duration_seconds{exchange}
  - cybersyn_router_circuit_open_total{exchange}
  - cybersyn_router_stub_fallback_total{exchange}
  - cybersyn_router_retries_total{exchange}
  - cybersyn_enricher_requests_total{outcome}

# Usage

Updating metrics:

	import "github.com/cuemby/cybersyn/pkg/metrics"

	metrics.PatternMatchesTotal.WithLabelValues("variety_overflow").Inc()
	metrics.RegistryActivePatterns.Set(float64(len(active)))

Timing an operation:

	timer := metrics.NewTimer()
	// ... evaluate pattern ...
	timer.ObserveDurationVec(metrics.PatternEvaluationDuration, patternName)

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so a collision surfaces immediately at startup.

Label Discipline:
  - Labels stay low-cardinality (pattern name, topic, valence, exchange).
    Per-event identifiers never become label values.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
