package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddMakesElementPresent(t *testing.T) {
	s := New()
	s.Add("alpha")
	assert.True(t, s.Contains("alpha"))
	assert.Equal(t, []string{"alpha"}, s.Value())
}

func TestRemoveOnlyTombstonesObservedTags(t *testing.T) {
	s := New()
	s.Remove("never-added")
	assert.False(t, s.Contains("never-added"))

	s.Add("alpha")
	s.Remove("alpha")
	assert.False(t, s.Contains("alpha"))
}

func TestConcurrentAddWinsOverRemove(t *testing.T) {
	// Classic OR-Set add-wins semantics: a concurrent add (observed after
	// the remove was issued) survives a merge with the remove.
	a := New()
	tag := a.Add("alpha")
	b := a.Clone()

	// a removes the tag it observed.
	a.Remove("alpha")
	assert.False(t, a.Contains("alpha"))

	// b independently re-adds alpha with a fresh tag, unaware of a's remove.
	b.Add("alpha")

	a.Merge(b)
	assert.True(t, a.Contains("alpha"), "concurrent add must survive merge with an earlier remove")
	// the original tag remains tombstoned even though the element is present.
	assert.Contains(t, a.removes["alpha"], tag)
}

func TestMergeIsCommutative(t *testing.T) {
	a := New()
	a.Add("x")
	b := New()
	b.Add("y")
	b.Remove("y")

	ab := a.Clone()
	ab.Merge(b)

	ba := b.Clone()
	ba.Merge(a)

	assert.ElementsMatch(t, ab.Value(), ba.Value())
}

func TestMergeIsIdempotent(t *testing.T) {
	a := New()
	a.Add("x")
	b := a.Clone()

	a.Merge(b)
	a.Merge(b)

	assert.Equal(t, []string{"x"}, a.Value())
}

func TestMergeIsAssociative(t *testing.T) {
	a := New()
	a.Add("x")
	b := New()
	b.Add("y")
	c := New()
	c.Add("z")

	left := a.Clone()
	left.Merge(b)
	left.Merge(c)

	right := b.Clone()
	right.Merge(c)
	merged := a.Clone()
	merged.Merge(right)

	assert.ElementsMatch(t, left.Value(), merged.Value())
}

func TestExportImportRoundTrips(t *testing.T) {
	a := New()
	a.Add("x")
	a.Add("y")
	a.Remove("y")

	snap := a.Export()
	restored := Import(snap)

	assert.ElementsMatch(t, a.Value(), restored.Value())
	assert.True(t, restored.Contains("x"))
	assert.False(t, restored.Contains("y"))
}

func TestCloneIsIndependent(t *testing.T) {
	a := New()
	a.Add("x")
	b := a.Clone()
	b.Add("y")

	assert.False(t, a.Contains("y"))
	assert.True(t, b.Contains("y"))
}
