package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/cybersyn/pkg/algedonic"
	"github.com/cuemby/cybersyn/pkg/crdt"
)

var (
	bucketPatterns = []byte("patterns")
	bucketReplicas = []byte("replicas")
	bucketSignals  = []byte("signals")
)

// DefaultSignalHistoryCap bounds the algedonic signal log; oldest entries
// are dropped once the bucket exceeds this many records.
const DefaultSignalHistoryCap = 1000

// BoltStore implements Store on top of a single bbolt database file.
type BoltStore struct {
	db  *bolt.DB
	cap int
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir
// and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cybersyn.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPatterns, bucketReplicas, bucketSignals} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, cap: DefaultSignalHistoryCap}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SavePattern upserts one pattern library entry, keyed by name.
func (s *BoltStore) SavePattern(rec PatternRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPatterns).Put([]byte(rec.Name), data)
	})
}

// GetPattern looks up one pattern library entry by name.
func (s *BoltStore) GetPattern(name string) (PatternRecord, bool, error) {
	var rec PatternRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPatterns).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// ListPatterns returns every persisted pattern library entry.
func (s *BoltStore) ListPatterns() ([]PatternRecord, error) {
	var recs []PatternRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatterns).ForEach(func(k, v []byte) error {
			var rec PatternRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// DeletePattern removes a pattern library entry by name.
func (s *BoltStore) DeletePattern(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatterns).Delete([]byte(name))
	})
}

// SaveReplica upserts a CRDT OR-Set snapshot for replicaID.
func (s *BoltStore) SaveReplica(replicaID string, snapshot crdt.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReplicas).Put([]byte(replicaID), data)
	})
}

// LoadReplica reads the persisted OR-Set snapshot for replicaID.
func (s *BoltStore) LoadReplica(replicaID string) (crdt.Snapshot, bool, error) {
	var snap crdt.Snapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReplicas).Get([]byte(replicaID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	return snap, found, err
}

// ListReplicaIDs returns every replica ID with a persisted snapshot.
func (s *BoltStore) ListReplicaIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicas).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// AppendSignal records sig under the next monotonic sequence number,
// dropping the oldest entries once the log exceeds its capacity.
func (s *BoltStore) AppendSignal(sig algedonic.Signal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSignals)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec := SignalRecord{Seq: seq, Signal: sig}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return evictOldest(b, s.cap)
	})
}

// RecentSignals returns up to limit of the most recently appended signals,
// oldest first.
func (s *BoltStore) RecentSignals(limit int) ([]SignalRecord, error) {
	var recs []SignalRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSignals).Cursor()
		for k, v := c.Last(); k != nil && len(recs) < limit; k, v = c.Prev() {
			var rec SignalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func evictOldest(b *bolt.Bucket, cap int) error {
	if cap <= 0 {
		return nil
	}
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	for ; n > cap; n-- {
		k, _ := b.Cursor().First()
		if k == nil {
			return nil
		}
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
