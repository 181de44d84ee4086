package hnsw

import (
	"sort"
	"time"

	"github.com/cuemby/cybersyn/pkg/metrics"
)

// CompactionStats summarizes the effect of a Compact pass.
type CompactionStats struct {
	OrphansRemoved  int
	NeighborsPruned int
}

// Compact removes orphan nodes (no neighbors at any level, and not the
// entry point) and re-prunes any node whose neighbor count at some level
// exceeds 1.5x that level's cap.
func (idx *Index) Compact() CompactionStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var stats CompactionStats
	for id, n := range idx.nodes {
		if id == idx.entryPoint {
			continue
		}
		if isOrphan(n) {
			idx.removeNodeLocked(id)
			stats.OrphansRemoved++
		}
	}

	for _, n := range idx.nodes {
		for level := range n.neighbors {
			cap := idx.params.M
			if level == 0 {
				cap = idx.params.maxM0()
			}
			if len(n.neighbors[level]) > int(1.5*float64(cap)) {
				n.neighbors[level] = nearestN(n.neighbors[level], n.vector, idx, cap)
				stats.NeighborsPruned++
			}
		}
	}

	metrics.HNSWPruneEventsTotal.WithLabelValues("compaction").Inc()
	metrics.HNSWNodesTotal.Set(float64(len(idx.nodes)))
	return stats
}

func isOrphan(n *node) bool {
	for _, neighbors := range n.neighbors {
		if len(neighbors) > 0 {
			return false
		}
	}
	return true
}

// removeNodeLocked deletes a node and scrubs it from every other node's
// neighbor lists. Caller must hold idx.mu.
func (idx *Index) removeNodeLocked(id uint64) {
	delete(idx.nodes, id)
	for _, n := range idx.nodes {
		for level, neighbors := range n.neighbors {
			n.neighbors[level] = removeID(neighbors, id)
		}
	}
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// PruneByAge removes nodes whose metadata.InsertedAt is older than maxAge,
// updating reverse edges, and replaces the entry point with the remaining
// highest-level node if the entry point itself was removed.
func (idx *Index) PruneByAge(maxAge time.Duration) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removedEntry := false
	removed := 0
	for id, n := range idx.nodes {
		if n.metadata.InsertedAt.Before(cutoff) {
			if id == idx.entryPoint {
				removedEntry = true
			}
			idx.removeNodeLocked(id)
			removed++
		}
	}

	if removedEntry {
		idx.reassignEntryPointLocked()
	}

	metrics.HNSWPruneEventsTotal.WithLabelValues("age").Add(float64(removed))
	metrics.HNSWNodesTotal.Set(float64(len(idx.nodes)))
	return removed
}

func (idx *Index) reassignEntryPointLocked() {
	idx.hasEntry = false
	bestLevel := -1
	for id, n := range idx.nodes {
		if n.level > bestLevel {
			bestLevel = n.level
			idx.entryPoint = id
			idx.hasEntry = true
		}
	}
}

// VarietyPressure reports node_count / maxPatterns.
func (idx *Index) VarietyPressure(maxPatterns int) float64 {
	if maxPatterns <= 0 {
		return 0
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return float64(len(idx.nodes)) / float64(maxPatterns)
}

// EmergencyPrune removes nodes with confidence below confidenceThreshold,
// oldest first, until variety pressure drops back to the limit or there is
// nothing left to remove. Returns the number of nodes removed.
func (idx *Index) EmergencyPrune(maxPatterns int, limit, confidenceThreshold float64) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	type candidate struct {
		id         uint64
		insertedAt time.Time
	}
	var candidates []candidate
	for id, n := range idx.nodes {
		if n.metadata.Confidence < confidenceThreshold {
			candidates = append(candidates, candidate{id, n.metadata.InsertedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].insertedAt.Before(candidates[j].insertedAt) })

	removed := 0
	for _, c := range candidates {
		if float64(len(idx.nodes))/float64(maxPatterns) <= limit {
			break
		}
		if c.id == idx.entryPoint {
			continue
		}
		idx.removeNodeLocked(c.id)
		removed++
	}

	metrics.HNSWPruneEventsTotal.WithLabelValues("emergency").Add(float64(removed))
	metrics.HNSWNodesTotal.Set(float64(len(idx.nodes)))
	return removed
}

// AdaptiveSaveInterval picks the persistence interval from the current
// insertion rate: >1000/min -> 1min, >100/min -> 3min, else 5min.
func AdaptiveSaveInterval(insertionsPerMinute int) time.Duration {
	switch {
	case insertionsPerMinute > 1000:
		return time.Minute
	case insertionsPerMinute > 100:
		return 3 * time.Minute
	default:
		return 5 * time.Minute
	}
}
