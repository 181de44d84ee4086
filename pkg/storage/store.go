// Package storage persists the fabric's durable state: the domain pattern
// library, CRDT OR-Set replicas, and algedonic signal history. Raw events
// stay in-memory per the Event Store's design (retained only until window
// expiry) and are never written here. The bucket-per-entity-type shape and
// the Store interface/BoltStore split generalize from cluster state (nodes,
// services, containers) to fabric state.
package storage

import (
	"github.com/cuemby/cybersyn/pkg/algedonic"
	"github.com/cuemby/cybersyn/pkg/crdt"
	"github.com/cuemby/cybersyn/pkg/pattern"
)

// PatternRecord is the persisted form of one domain pattern registration.
type PatternRecord struct {
	Name     string
	Spec     pattern.Spec
	Severity string
	Mapping  *AlgedonicMappingRecord
}

// AlgedonicMappingRecord is the persisted form of a registry.AlgedonicMapping.
type AlgedonicMappingRecord struct {
	PainLevel       float64
	Urgency         int
	BypassHierarchy bool
	Target          string
}

// SignalRecord is one persisted algedonic signal, stamped with an
// insertion sequence number so history reads back in emission order.
type SignalRecord struct {
	Seq    uint64
	Signal algedonic.Signal
}

// Store defines durable persistence for the fabric's three stateful
// external-facing collaborators: the pattern library, CRDT replicas, and
// algedonic signal history.
type Store interface {
	// Pattern library
	SavePattern(rec PatternRecord) error
	GetPattern(name string) (PatternRecord, bool, error)
	ListPatterns() ([]PatternRecord, error)
	DeletePattern(name string) error

	// CRDT replicas, keyed by replica/node ID
	SaveReplica(replicaID string, snapshot crdt.Snapshot) error
	LoadReplica(replicaID string) (crdt.Snapshot, bool, error)
	ListReplicaIDs() ([]string, error)

	// Algedonic signal history, bounded to a fixed capacity (oldest dropped)
	AppendSignal(sig algedonic.Signal) error
	RecentSignals(limit int) ([]SignalRecord, error)

	Close() error
}
