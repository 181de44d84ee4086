// Package telemetry exposes the fabric's operational surface over HTTP:
// Prometheus metrics plus health/ready/live/stats endpoints. chi composes
// the routes with request-id/recover middleware the way
// GoCodeAlone-modular's chimux module does for its own surface.
package telemetry

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/cybersyn/pkg/metrics"
	"github.com/cuemby/cybersyn/pkg/registry"
)

// StatsSource supplies the live counters /stats reports. Kept as a narrow
// interface so telemetry doesn't need to know about the registry's full
// surface, only the part worth exposing.
type StatsSource interface {
	ActiveNames() []string
	Stats(name string) (registry.Stats, bool)
}

// IndexSource supplies HNSW counters for /stats.
type IndexSource interface {
	NodeCount() int
	InsertionRatePerMinute() int
}

// NewRouter builds the HTTP surface. reg and idx may be nil; /stats simply
// omits the sections it has no source for.
func NewRouter(reg StatsSource, idx IndexSource) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Get("/stats", statsHandler(reg, idx))

	return r
}

type patternStats struct {
	Name      string `json:"name"`
	Matches   int64  `json:"matches"`
	NoMatches int64  `json:"no_matches"`
}

type statsResponse struct {
	Patterns          []patternStats `json:"patterns,omitempty"`
	HNSWNodeCount     int            `json:"hnsw_node_count,omitempty"`
	HNSWInsertionRate int            `json:"hnsw_insertion_rate_per_minute,omitempty"`
}

func statsHandler(reg StatsSource, idx IndexSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp statsResponse
		if reg != nil {
			for _, name := range reg.ActiveNames() {
				if s, ok := reg.Stats(name); ok {
					resp.Patterns = append(resp.Patterns, patternStats{Name: name, Matches: s.Matches, NoMatches: s.NoMatches})
				}
			}
		}
		if idx != nil {
			resp.HNSWNodeCount = idx.NodeCount()
			resp.HNSWInsertionRate = idx.InsertionRatePerMinute()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
