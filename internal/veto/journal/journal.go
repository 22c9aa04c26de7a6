// Package journal persists the history of block and unblock events in a
// Bolt database under the state directory, so operators can review what
// the daemon did after the fact. Append failures are logged by callers and
// never stop the pipeline.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"net/netip"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/vetod/veto/internal/veto/blocklist"
)

var bucketEvents = []byte("events")

// Record is one journaled event.
type Record struct {
	Time time.Time  `json:"time"`
	Kind string     `json:"kind"`
	Addr netip.Addr `json:"addr"`
	Rule string     `json:"rule,omitempty"`
}

// Store is a Bolt-backed append-only event log.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append records one event at the given time. Keys are ordered by time
// then insertion sequence, so a cursor walk returns events
// chronologically.
func (s *Store) Append(ev blocklist.Event, at time.Time) error {
	rec := Record{Time: at.UTC(), Kind: ev.Kind.String(), Addr: ev.Addr, Rule: ev.Rule}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
		binary.BigEndian.PutUint64(key[8:], seq)
		return b.Put(key, value)
	})
}

// Recent returns up to n of the most recent events, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Len returns the number of journaled events.
func (s *Store) Len() int {
	var n int
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n
}
