package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cybersyn/pkg/algedonic"
	"github.com/cuemby/cybersyn/pkg/crdt"
	"github.com/cuemby/cybersyn/pkg/pattern"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetPattern(t *testing.T) {
	store := newTestStore(t)
	rec := PatternRecord{
		Name: "overheat",
		Spec: pattern.Spec{Kind: "simple", Conditions: map[string]pattern.ValueSpec{
			"payload.temp": {Op: pattern.OpGt, Value: 90.0},
		}},
		Severity: "critical",
	}
	require.NoError(t, store.SavePattern(rec))

	got, ok, err := store.GetPattern("overheat")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "critical", got.Severity)

	_, ok, err = store.GetPattern("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListPatternsAndDelete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SavePattern(PatternRecord{Name: "a", Severity: "low"}))
	require.NoError(t, store.SavePattern(PatternRecord{Name: "b", Severity: "high"}))

	recs, err := store.ListPatterns()
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, store.DeletePattern("a"))
	recs, err = store.ListPatterns()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSaveAndLoadReplica(t *testing.T) {
	store := newTestStore(t)
	set := crdt.New()
	set.Add("pattern:overheat")
	snap := set.Export()

	require.NoError(t, store.SaveReplica("node-1", snap))

	loaded, ok, err := store.LoadReplica("node-1")
	require.NoError(t, err)
	require.True(t, ok)

	restored := crdt.Import(loaded)
	assert.True(t, restored.Contains("pattern:overheat"))

	ids, err := store.ListReplicaIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, ids)
}

func TestAppendSignalOrdersRecentSignalsChronologically(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.AppendSignal(algedonic.Signal{Source: "s1", Kind: "k1"}))
	require.NoError(t, store.AppendSignal(algedonic.Signal{Source: "s2", Kind: "k2"}))
	require.NoError(t, store.AppendSignal(algedonic.Signal{Source: "s3", Kind: "k3"}))

	recs, err := store.RecentSignals(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "s2", recs[0].Signal.Source)
	assert.Equal(t, "s3", recs[1].Signal.Source)
}

func TestAppendSignalEvictsOldestPastCap(t *testing.T) {
	store := newTestStore(t)
	store.cap = 3
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendSignal(algedonic.Signal{Source: "s", Kind: "k"}))
	}
	recs, err := store.RecentSignals(10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
