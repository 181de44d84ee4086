// Package hnsw implements an incremental Hierarchical Navigable Small World
// approximate k-NN index: multilayer proximity graph, greedy descent,
// bounded-degree neighbor pruning, batch search over a worker pool, and
// age/variety-pressure-driven maintenance. The index is a single owner of
// its graph; Search results hand back copies of node metadata, never the
// underlying neighbor lists, per the ownership rule the rest of the fabric
// follows.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cybersyn/pkg/cyberr"
	"github.com/cuemby/cybersyn/pkg/metrics"
)

// Distance names the metric used to compare vectors.
type Distance int

const (
	Cosine Distance = iota
	Euclidean
)

// Params configures the index's construction and search behavior.
type Params struct {
	M              int
	Ef             int
	EfConstruction int
	Distance       Distance
}

// DefaultParams returns the documented defaults for a new index.
func DefaultParams() Params {
	return Params{M: 16, Ef: 200, EfConstruction: 200, Distance: Cosine}
}

func (p Params) maxM0() int { return 2 * p.M }

// ml is 1/ln(2), the level-assignment decay constant.
var ml = 1 / math.Ln2

// NodeMetadata is the caller-supplied context stored alongside a vector.
type NodeMetadata struct {
	InsertedAt time.Time
	Confidence float64
	Tags       []string
}

type node struct {
	id        uint64
	level     int
	vector    []float32
	metadata  NodeMetadata
	neighbors [][]uint64 // neighbors[level] -> node ids
}

// Result is one entry of a Search response: a copy of the node's id,
// distance from the query, and metadata.
type Result struct {
	NodeID   uint64
	Distance float32
	Metadata NodeMetadata
}

// Index is the single-owner HNSW graph. All mutation happens under mu;
// Search takes the read lock so concurrent queries don't serialize.
type Index struct {
	mu sync.RWMutex

	params     Params
	nodes      map[uint64]*node
	entryPoint uint64
	hasEntry   bool
	nextID     uint64

	insertTimestamps []time.Time // sliding window for adaptive save interval
}

// New creates an empty index with the given parameters.
func New(params Params) *Index {
	if params.M == 0 {
		params = DefaultParams()
	}
	if params.EfConstruction < params.Ef {
		params.EfConstruction = params.Ef
	}
	if params.EfConstruction < 64 {
		params.EfConstruction = 64
	}
	return &Index{
		params: params,
		nodes:  make(map[uint64]*node),
	}
}

func (idx *Index) distance(a, b []float32) float32 {
	switch idx.params.Distance {
	case Euclidean:
		return euclidean(a, b)
	default:
		return cosineDistance(a, b)
	}
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return float32(1 - sim)
}

func euclidean(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

func assignLevel() int {
	u := rand.Float64()
	for u == 0 {
		u = rand.Float64()
	}
	return int(math.Floor(-math.Log(u) * ml))
}

// Insert assigns a level, stores the vector, and wires it into the graph
// per spec.md §4.7: greedy descent to find an entry candidate at the new
// node's top layer, then search_layer_for_insertion at each layer from
// level down to 0, keeping the M (or max_m0 at layer 0) nearest neighbors
// and pruning any neighbor whose degree now exceeds its cap.
func (idx *Index) Insert(vector []float32, meta NodeMetadata) uint64 {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HNSWInsertLatency)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	level := assignLevel()
	id := idx.nextID
	idx.nextID++
	if meta.InsertedAt.IsZero() {
		meta.InsertedAt = time.Now()
	}

	n := &node{
		id:        id,
		level:     level,
		vector:    vector,
		metadata:  meta,
		neighbors: make([][]uint64, level+1),
	}
	idx.nodes[id] = n
	idx.insertTimestamps = append(idx.insertTimestamps, meta.InsertedAt)

	if !idx.hasEntry {
		idx.entryPoint = id
		idx.hasEntry = true
		metrics.HNSWNodesTotal.Set(float64(len(idx.nodes)))
		return id
	}

	entry := idx.nodes[idx.entryPoint]
	curr := entry.id
	for l := entry.level; l > level; l-- {
		curr = idx.greedyDescend(curr, vector, l)
	}

	for l := min(level, entry.level); l >= 0; l-- {
		candidates := idx.searchLayer(vector, curr, idx.params.EfConstruction, l)
		cap := idx.params.M
		if l == 0 {
			cap = idx.params.maxM0()
		}
		neighbors := nearestN(candidates, vector, idx, cap)

		// A neighbor's own prune pass may drop id again immediately if a
		// closer candidate fills its slot; keep n's forward edge only where
		// the reciprocal edge survived, so the graph stays symmetric.
		kept := neighbors[:0:0]
		for _, nb := range neighbors {
			if idx.addEdgeAndPrune(nb, id, l) {
				kept = append(kept, nb)
			}
		}
		n.neighbors[l] = kept
		if len(candidates) > 0 {
			curr = candidates[0]
		}
	}

	if level > entry.level {
		idx.entryPoint = id
	}

	metrics.HNSWNodesTotal.Set(float64(len(idx.nodes)))
	return id
}

// addEdgeAndPrune adds a reciprocal edge nodeID->newNeighbor at level,
// pruning nodeID's neighbor list back down to cap if needed. It reports
// whether newNeighbor survived the prune, so the caller can keep its own
// forward edge in sync and preserve graph symmetry. Any other node the
// prune drops has its edge back to nodeID removed as well.
func (idx *Index) addEdgeAndPrune(nodeID, newNeighbor uint64, level int) bool {
	nb := idx.nodes[nodeID]
	if nb == nil || level >= len(nb.neighbors) {
		return false
	}
	nb.neighbors[level] = append(nb.neighbors[level], newNeighbor)

	cap := idx.params.M
	if level == 0 {
		cap = idx.params.maxM0()
	}
	if len(nb.neighbors[level]) <= cap {
		return true
	}
	before := nb.neighbors[level]
	nb.neighbors[level] = nearestN(before, nb.vector, idx, cap)
	for _, dropped := range before {
		if dropped == newNeighbor || containsID(nb.neighbors[level], dropped) {
			continue
		}
		if other := idx.nodes[dropped]; other != nil && level < len(other.neighbors) {
			other.neighbors[level] = removeID(other.neighbors[level], nodeID)
		}
	}
	return containsID(nb.neighbors[level], newNeighbor)
}

func containsID(ids []uint64, target uint64) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func nearestN(candidates []uint64, query []float32, idx *Index, n int) []uint64 {
	type scored struct {
		id   uint64
		dist float32
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if node := idx.nodes[c]; node != nil {
			scoredList = append(scoredList, scored{c, idx.distance(query, node.vector)})
		}
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].dist < scoredList[j].dist })
	if len(scoredList) > n {
		scoredList = scoredList[:n]
	}
	out := make([]uint64, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.id
	}
	return out
}

// greedyDescend performs a beam-1 greedy walk from curr toward query at the
// given layer, used to find an entry candidate for the next layer down.
func (idx *Index) greedyDescend(curr uint64, query []float32, level int) uint64 {
	improved := true
	best := curr
	bestDist := idx.distance(query, idx.nodes[curr].vector)
	for improved {
		improved = false
		n := idx.nodes[best]
		if level >= len(n.neighbors) {
			break
		}
		for _, nb := range n.neighbors[level] {
			nbNode := idx.nodes[nb]
			if nbNode == nil {
				continue
			}
			d := idx.distance(query, nbNode.vector)
			if d < bestDist {
				bestDist = d
				best = nb
				improved = true
			}
		}
	}
	return best
}

// searchLayer explores layer from curr with beam width ef, returning
// candidate node ids sorted nearest-first.
func (idx *Index) searchLayer(query []float32, curr uint64, ef, level int) []uint64 {
	visited := map[uint64]bool{curr: true}
	type candidate struct {
		id   uint64
		dist float32
	}
	dist0 := idx.distance(query, idx.nodes[curr].vector)
	candidates := []candidate{{curr, dist0}}
	results := []candidate{{curr, dist0}}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			break
		}

		n := idx.nodes[c.id]
		if level >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode := idx.nodes[nb]
			if nbNode == nil {
				continue
			}
			d := idx.distance(query, nbNode.vector)
			candidates = append(candidates, candidate{nb, d})
			results = append(results, candidate{nb, d})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	out := make([]uint64, len(results))
	for i, r := range results {
		out[i] = r.id
	}
	return out
}

// Search returns the k nearest nodes to q. ef defaults to the index's
// configured Ef when <= 0.
func (idx *Index) Search(q []float32, k int, ef int) ([]Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HNSWSearchLatency)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry {
		return nil, cyberr.New(cyberr.InvalidInput, "index is empty")
	}
	if ef <= 0 {
		ef = idx.params.Ef
	}

	entry := idx.nodes[idx.entryPoint]
	curr := entry.id
	for l := entry.level; l > 0; l-- {
		curr = idx.greedyDescend(curr, q, l)
	}

	candidates := idx.searchLayer(q, curr, ef, 0)
	results := make([]Result, 0, k)
	for _, id := range candidates {
		if len(results) >= k {
			break
		}
		n := idx.nodes[id]
		results = append(results, Result{NodeID: id, Distance: idx.distance(q, n.vector), Metadata: n.metadata})
	}
	return results, nil
}

// BatchSearch runs Search for each query, preserving input order, fanned
// out across a worker pool of size min(len(queries), concurrency).
func (idx *Index) BatchSearch(queries [][]float32, k int, ef int, concurrency int) [][]Result {
	out := make([][]Result, len(queries))
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(queries) {
		concurrency = len(queries)
	}
	if concurrency == 0 {
		return out
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, q []float32) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := idx.Search(q, k, ef)
			if err == nil {
				out[i] = res
			}
		}(i, q)
	}
	wg.Wait()
	return out
}

// NodeCount returns the number of nodes currently held.
func (idx *Index) NodeCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// InsertionRatePerMinute reports the insertion rate over the trailing
// minute, used to pick the adaptive save interval.
func (idx *Index) InsertionRatePerMinute() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	cutoff := time.Now().Add(-time.Minute)
	count := 0
	for i := len(idx.insertTimestamps) - 1; i >= 0; i-- {
		if idx.insertTimestamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
