// Package crdt implements an OR-Set (Observed-Remove Set): a
// state-based CRDT used to replicate distributed belief (e.g. which
// patterns or contexts a node currently holds) across fabric nodes without
// consensus. Grounded on the PN-counter replica/merge shape used elsewhere
// in the corpus, generalized from counter semantics to add/remove-set
// semantics.
package crdt

import "github.com/google/uuid"

// UID is a globally unique tag stamped on every add, so removes can target
// the exact observed instance rather than the bare element value.
type UID string

// NewUID generates a fresh unique tag.
func NewUID() UID { return UID(uuid.NewString()) }

// ORSet is a per-node replica of an Observed-Remove Set over string
// elements. An element is present iff adds\removes for it is non-empty.
type ORSet struct {
	adds    map[string]map[UID]struct{}
	removes map[string]map[UID]struct{}
}

// New creates an empty OR-Set replica.
func New() *ORSet {
	return &ORSet{
		adds:    make(map[string]map[UID]struct{}),
		removes: make(map[string]map[UID]struct{}),
	}
}

// Add inserts elem, tagging it with a fresh UID.
func (s *ORSet) Add(elem string) UID {
	uid := NewUID()
	if s.adds[elem] == nil {
		s.adds[elem] = make(map[UID]struct{})
	}
	s.adds[elem][uid] = struct{}{}
	return uid
}

// Remove tombstones every UID currently observed for elem (the
// "observed-remove" rule: you can only remove what you've seen added).
func (s *ORSet) Remove(elem string) {
	tags, ok := s.adds[elem]
	if !ok {
		return
	}
	if s.removes[elem] == nil {
		s.removes[elem] = make(map[UID]struct{})
	}
	for uid := range tags {
		s.removes[elem][uid] = struct{}{}
	}
}

// Contains reports whether elem is present: some add-tag for it survives
// the remove-set.
func (s *ORSet) Contains(elem string) bool {
	adds := s.adds[elem]
	if len(adds) == 0 {
		return false
	}
	removed := s.removes[elem]
	for uid := range adds {
		if _, gone := removed[uid]; !gone {
			return true
		}
	}
	return false
}

// Value returns the set of currently-present elements.
func (s *ORSet) Value() []string {
	var out []string
	for elem := range s.adds {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	return out
}

// Merge folds other into s in place: adds and removes union, which makes
// Merge commutative, associative, and idempotent by construction (set
// union has all three properties).
func (s *ORSet) Merge(other *ORSet) {
	for elem, tags := range other.adds {
		if s.adds[elem] == nil {
			s.adds[elem] = make(map[UID]struct{})
		}
		for uid := range tags {
			s.adds[elem][uid] = struct{}{}
		}
	}
	for elem, tags := range other.removes {
		if s.removes[elem] == nil {
			s.removes[elem] = make(map[UID]struct{})
		}
		for uid := range tags {
			s.removes[elem][uid] = struct{}{}
		}
	}
}

// Snapshot is the serializable form of an ORSet, used to persist and
// restore a replica across restarts.
type Snapshot struct {
	Adds    map[string][]UID `json:"adds"`
	Removes map[string][]UID `json:"removes"`
}

// Export renders the replica into a Snapshot suitable for JSON encoding.
func (s *ORSet) Export() Snapshot {
	snap := Snapshot{Adds: make(map[string][]UID), Removes: make(map[string][]UID)}
	for elem, tags := range s.adds {
		for uid := range tags {
			snap.Adds[elem] = append(snap.Adds[elem], uid)
		}
	}
	for elem, tags := range s.removes {
		for uid := range tags {
			snap.Removes[elem] = append(snap.Removes[elem], uid)
		}
	}
	return snap
}

// Import rebuilds an ORSet from a Snapshot produced by Export.
func Import(snap Snapshot) *ORSet {
	s := New()
	for elem, uids := range snap.Adds {
		tags := make(map[UID]struct{}, len(uids))
		for _, uid := range uids {
			tags[uid] = struct{}{}
		}
		s.adds[elem] = tags
	}
	for elem, uids := range snap.Removes {
		tags := make(map[UID]struct{}, len(uids))
		for _, uid := range uids {
			tags[uid] = struct{}{}
		}
		s.removes[elem] = tags
	}
	return s
}

// Clone returns a deep copy of the replica, useful for merging without
// mutating the original (e.g. to compute merge(A,B) and merge(B,A)
// independently in tests).
func (s *ORSet) Clone() *ORSet {
	clone := New()
	for elem, tags := range s.adds {
		clone.adds[elem] = make(map[UID]struct{}, len(tags))
		for uid := range tags {
			clone.adds[elem][uid] = struct{}{}
		}
	}
	for elem, tags := range s.removes {
		clone.removes[elem] = make(map[UID]struct{}, len(tags))
		for uid := range tags {
			clone.removes[elem][uid] = struct{}{}
		}
	}
	return clone
}
