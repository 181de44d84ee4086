package hnsw

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec(xs ...float32) []float32 { return xs }

func TestInsertFirstNodeBecomesEntryPoint(t *testing.T) {
	idx := New(DefaultParams())
	id := idx.Insert(vec(1, 0, 0), NodeMetadata{Confidence: 1})
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, 1, idx.NodeCount())
}

func TestSearchReturnsNearestFirst(t *testing.T) {
	idx := New(Params{M: 8, Ef: 32, EfConstruction: 64, Distance: Euclidean})
	idx.Insert(vec(0, 0), NodeMetadata{Confidence: 1})
	idx.Insert(vec(10, 10), NodeMetadata{Confidence: 1})
	idx.Insert(vec(1, 1), NodeMetadata{Confidence: 1})

	results, err := idx.Search(vec(0, 0), 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.LessOrEqual(t, results[0].Distance, results[1].Distance)
}

func TestSearchOnEmptyIndexErrors(t *testing.T) {
	idx := New(DefaultParams())
	_, err := idx.Search(vec(1, 2), 1, 0)
	require.Error(t, err)
}

func TestBatchSearchPreservesOrder(t *testing.T) {
	idx := New(Params{M: 8, Ef: 32, EfConstruction: 64, Distance: Euclidean})
	for i := 0; i < 20; i++ {
		idx.Insert(vec(float32(i), 0), NodeMetadata{Confidence: 1})
	}
	queries := [][]float32{vec(0, 0), vec(19, 0), vec(10, 0)}
	results := idx.BatchSearch(queries, 1, 0, 4)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotEmpty(t, r)
	}
}

func TestCompactRemovesOrphans(t *testing.T) {
	idx := New(Params{M: 4, Ef: 16, EfConstruction: 32, Distance: Euclidean})
	idx.Insert(vec(0, 0), NodeMetadata{Confidence: 1})
	before := idx.NodeCount()
	stats := idx.Compact()
	assert.GreaterOrEqual(t, before, idx.NodeCount())
	assert.GreaterOrEqual(t, stats.OrphansRemoved, 0)
}

func TestPruneByAgeRemovesOldNodesAndReassignsEntry(t *testing.T) {
	idx := New(Params{M: 4, Ef: 16, EfConstruction: 32, Distance: Euclidean})
	idx.Insert(vec(0, 0), NodeMetadata{InsertedAt: time.Now().Add(-2 * time.Hour), Confidence: 1})
	idx.Insert(vec(1, 1), NodeMetadata{InsertedAt: time.Now(), Confidence: 1})

	removed := idx.PruneByAge(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, idx.NodeCount())
}

func TestVarietyPressureAndEmergencyPrune(t *testing.T) {
	idx := New(Params{M: 4, Ef: 16, EfConstruction: 32, Distance: Euclidean})
	for i := 0; i < 10; i++ {
		idx.Insert(vec(float32(i), 0), NodeMetadata{Confidence: 0.1, InsertedAt: time.Now()})
	}
	pressure := idx.VarietyPressure(10)
	assert.InDelta(t, 1.0, pressure, 0.01)

	removed := idx.EmergencyPrune(10, 0.5, 0.5)
	assert.Greater(t, removed, 0)
}

func TestAdaptiveSaveInterval(t *testing.T) {
	assert.Equal(t, time.Minute, AdaptiveSaveInterval(1500))
	assert.Equal(t, 3*time.Minute, AdaptiveSaveInterval(500))
	assert.Equal(t, 5*time.Minute, AdaptiveSaveInterval(10))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "index")

	idx := New(Params{M: 4, Ef: 16, EfConstruction: 32, Distance: Euclidean})
	idx.Insert(vec(1, 2), NodeMetadata{Confidence: 0.9, Tags: []string{"a"}})
	idx.Insert(vec(3, 4), NodeMetadata{Confidence: 0.8, Tags: []string{"b"}})

	require.NoError(t, idx.Save(base))

	loaded, err := Load(base)
	require.NoError(t, err)
	assert.Equal(t, idx.NodeCount(), loaded.NodeCount())

	results, err := loaded.Search(vec(1, 2), 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

// TestSaveLoadSaveByteEqualModuloSavedAt exercises the round-trip property:
// saving, reloading, and saving again produces identical graph/data/levels
// files and a header that differs only in the saved_at timestamp field.
func TestSaveLoadSaveByteEqualModuloSavedAt(t *testing.T) {
	dir := t.TempDir()
	baseA := filepath.Join(dir, "a")
	baseB := filepath.Join(dir, "b")

	idx := New(Params{M: 4, Ef: 16, EfConstruction: 32, Distance: Euclidean})
	idx.Insert(vec(1, 2), NodeMetadata{Confidence: 0.9, Tags: []string{"a"}})
	idx.Insert(vec(3, 4), NodeMetadata{Confidence: 0.8, Tags: []string{"b"}})

	require.NoError(t, idx.Save(baseA))
	loaded, err := Load(baseA)
	require.NoError(t, err)
	require.NoError(t, loaded.Save(baseB))

	for _, suffix := range []string{".graph", ".data", ".levels"} {
		want, err := os.ReadFile(baseA + suffix)
		require.NoError(t, err)
		got, err := os.ReadFile(baseB + suffix)
		require.NoError(t, err)
		assert.Equal(t, want, got, "%s should be byte-equal", suffix)
	}

	headerA, err := os.ReadFile(baseA)
	require.NoError(t, err)
	headerB, err := os.ReadFile(baseB)
	require.NoError(t, err)
	require.Len(t, headerB, len(headerA))

	// magic(4) + version(2) precede saved_at(8); everything else must match.
	const savedAtOffset = 6
	const savedAtLen = 8
	assert.Equal(t, headerA[:savedAtOffset], headerB[:savedAtOffset])
	assert.Equal(t, headerA[savedAtOffset+savedAtLen:], headerB[savedAtOffset+savedAtLen:])
}

// TestGraphEdgesAreSymmetric is a property test: after a batch of inserts
// that forces repeated re-pruning at level 0, every neighbor relationship
// must be reciprocal. A one-directional edge would let search walk to a
// node that can never walk back.
func TestGraphEdgesAreSymmetric(t *testing.T) {
	idx := New(Params{M: 4, Ef: 16, EfConstruction: 32, Distance: Euclidean})
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		idx.Insert(vec(r.Float32()*10, r.Float32()*10), NodeMetadata{Confidence: r.Float32()})
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for id, n := range idx.nodes {
		for level, neighbors := range n.neighbors {
			for _, nb := range neighbors {
				other := idx.nodes[nb]
				if other == nil || level >= len(other.neighbors) {
					t.Fatalf("node %d has edge to missing/shallow neighbor %d at level %d", id, nb, level)
				}
				if !containsID(other.neighbors[level], id) {
					t.Fatalf("asymmetric edge: %d -> %d at level %d has no reciprocal %d -> %d", id, nb, level, nb, id)
				}
			}
		}
	}
}
