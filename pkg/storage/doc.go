/*
Package storage provides BoltDB-backed persistence for the fabric's durable
state: the domain pattern library, CRDT OR-Set replicas, and algedonic
signal history. Raw events are explicitly excluded — the Event Store keeps
those in memory only, bounded by retention and per-topic cap, per its own
design. All data is serialized as JSON and stored in separate buckets for
isolation.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/cybersyn.db              │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ patterns  (pattern name)   │             │          │
	│  │  │ replicas  (replica ID)     │             │          │
	│  │  │ signals   (seq, big-endian)│             │          │
	│  │  └────────────────────────────┘             │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Buckets

  - patterns: one PatternRecord per compiled domain pattern, keyed by
    name. cmd/cybersyn loads them back into the Pattern Registry on
    startup. pkg/registry's fsnotify watcher reloads from the YAML
    directory and does not write this bucket.
  - replicas: one crdt.Snapshot per OR-Set replica, keyed by replica ID.
    cmd/cybersyn does not load or save replicas itself; its stats command
    only counts the stored replica IDs.
  - signals: an append-only log of algedonic.Signal, keyed by an
    8-byte big-endian sequence number so cursor iteration returns them in
    emission order. Bounded to DefaultSignalHistoryCap entries; the
    oldest are evicted on every append past that size.

# Transaction model

Reads use db.View() for concurrent, consistent snapshots; writes use
db.Update() for serialized, atomic commits. Both follow bbolt's normal
MVCC isolation — a View never blocks or is blocked by a concurrent Update.

# Data integrity

The database is a single file, trivially backed up by copying it while
closed (or reading consistently via db.View while open). Schema evolution
relies on JSON's tolerance for added/removed fields; a structural change
that can't round-trip that way needs an explicit migration in
NewBoltStore. pkg/hnsw's persistence format carries its own version
header for the same reason; hnsw.Load rejects any version other than the
current one and has no migration step.

# Security

The database file is opened 0600; nothing in this package encrypts data
at rest. Disk-level encryption is the operator's responsibility.
*/
package storage
