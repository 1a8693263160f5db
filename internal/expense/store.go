package expense

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	recordsBucket = "records"
	stateBucket   = "state"
	lastSyncKey   = "last_sync_at"
)

// Store defines the interface for record persistence
type Store interface {
	// Append creates a new pending record and returns its id
	Append(fields Fields) (uint64, error)

	// ListAll returns all records in insertion order
	ListAll() ([]*Record, error)

	// ListPending returns the records not yet delivered to the remote sink
	ListPending() ([]*Record, error)

	// MarkSynced marks a record as delivered, replacing its photo with the
	// remote reference. It is idempotent and a no-op for unknown ids.
	MarkSynced(id uint64, photoRef string) error

	// LastSyncAt returns the timestamp of the last run with at least one
	// successful delivery, or the zero time if there has been none.
	LastSyncAt() (time.Time, error)

	// SetLastSyncAt persists the last successful sync timestamp
	SetLastSyncAt(t time.Time) error

	// Close closes the store
	Close() error
}

// BoltStore implements the Store interface using BoltDB.
//
// The underlying handle is not assumed to stay valid for the life of the
// process: each operation acquires it lazily and reopens it once if it turns
// out to have been closed or invalidated elsewhere.
type BoltStore struct {
	path string

	mu  sync.Mutex
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltStore instance, opening the database eagerly
// so initialization failures surface at startup.
func NewBoltStore(path string) (*BoltStore, error) {
	s := &BoltStore{
		path: path,
		now:  time.Now,
	}
	if _, err := s.acquire(); err != nil {
		return nil, err
	}
	return s, nil
}

// acquire returns a live database handle, (re)opening it if needed
func (s *BoltStore) acquire() (*bbolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(stateBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	s.db = db
	return db, nil
}

// invalidate discards the handle so the next operation reopens it
func (s *BoltStore) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = nil
}

// update runs fn in a read-write transaction, retrying once on a stale handle
func (s *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	for attempt := 0; ; attempt++ {
		db, err := s.acquire()
		if err != nil {
			return err
		}
		err = db.Update(fn)
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) && attempt == 0 {
			s.invalidate()
			continue
		}
		return err
	}
}

// view runs fn in a read-only transaction, retrying once on a stale handle
func (s *BoltStore) view(fn func(tx *bbolt.Tx) error) error {
	for attempt := 0; ; attempt++ {
		db, err := s.acquire()
		if err != nil {
			return err
		}
		err = db.View(fn)
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) && attempt == 0 {
			s.invalidate()
			continue
		}
		return err
	}
}

// itob converts an id to a big-endian key so iteration follows insertion order
func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// Append creates a new pending record and returns its id
func (s *BoltStore) Append(fields Fields) (uint64, error) {
	var id uint64
	err := s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("assigning id: %w", err)
		}

		record := &Record{
			ID:             seq,
			Date:           fields.Date,
			Description:    fields.Description,
			DocumentNumber: fields.DocumentNumber,
			Project:        fields.Project,
			Amount:         fields.Amount,
			Requester:      fields.Requester,
			Photo:          fields.Photo,
			CreatedAt:      s.now(),
			Synced:         false,
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := bucket.Put(itob(seq), data); err != nil {
			return err
		}
		id = seq
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("appending record: %w", err)
	}
	return id, nil
}

// ListAll returns all records in insertion order
func (s *BoltStore) ListAll() ([]*Record, error) {
	records := make([]*Record, 0)
	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		return bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListPending returns the records not yet delivered to the remote sink
func (s *BoltStore) ListPending() ([]*Record, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	pending := make([]*Record, 0)
	for _, record := range all {
		if !record.Synced {
			pending = append(pending, record)
		}
	}
	return pending, nil
}

// MarkSynced marks a record as delivered and stores its remote photo reference
func (s *BoltStore) MarkSynced(id uint64, photoRef string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		data := bucket.Get(itob(id))
		if data == nil {
			// Tolerate unknown ids so a race with compaction, if ever
			// introduced, does not fail the caller.
			return nil
		}

		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("unmarshaling record: %w", err)
		}
		if record.Synced {
			return nil
		}

		now := s.now()
		record.Synced = true
		record.SyncedAt = &now
		if photoRef != "" {
			record.Photo = photoRef
		}

		updated, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return bucket.Put(itob(id), updated)
	})
}

// LastSyncAt returns the persisted last successful sync timestamp
func (s *BoltStore) LastSyncAt() (time.Time, error) {
	var last time.Time
	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		data := bucket.Get([]byte(lastSyncKey))
		if data == nil {
			return nil
		}
		return last.UnmarshalText(data)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last sync time: %w", err)
	}
	return last, nil
}

// SetLastSyncAt persists the last successful sync timestamp
func (s *BoltStore) SetLastSyncAt(t time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(stateBucket))
		data, err := t.MarshalText()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(lastSyncKey), data)
	})
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
