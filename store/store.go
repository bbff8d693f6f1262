package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrWriterNotFound is returned when no writer state exists for a key.
	ErrWriterNotFound = errors.New("writer state not found")
)

var (
	seenBucket    = []byte("seen")
	writersBucket = []byte("writers")
)

// SeenRecord is one entry of a scanner's seen-set.
type SeenRecord struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

// WriterRecord is the persisted position of a file writer.
type WriterRecord struct {
	Key           string    `json:"key"`
	NextFileIndex uint64    `json:"next_file_index"`
	LastFile      string    `json:"last_file,omitempty"`
	LastFileSize  uint64    `json:"last_file_size"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists connector state across restarts. Keys name one scanner or
// writer instance.
type Store interface {
	LoadSeen(key string) (map[string]time.Time, error)
	SaveSeen(key string, rec SeenRecord) error
	DeleteSeen(key, path string) error
	SaveWriter(rec *WriterRecord) error
	GetWriter(key string) (*WriterRecord, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{seenBucket, writersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// LoadSeen returns the seen-set stored under key. A key never saved yields
// an empty map.
func (s *BoltStore) LoadSeen(key string) (map[string]time.Time, error) {
	seen := make(map[string]time.Time)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(seenBucket).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec SeenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal seen record %q: %w", k, err)
			}
			seen[rec.Path] = rec.ModTime
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return seen, nil
}

// SaveSeen records rec in the seen-set stored under key.
func (s *BoltStore) SaveSeen(key string, rec SeenRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(seenBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("failed to create seen bucket %q: %w", key, err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal seen record: %w", err)
		}

		if err := b.Put([]byte(rec.Path), data); err != nil {
			return fmt.Errorf("failed to put seen record: %w", err)
		}
		return nil
	})
}

// DeleteSeen removes path from the seen-set stored under key.
func (s *BoltStore) DeleteSeen(key, path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(seenBucket).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(path))
	})
}

// SaveWriter saves a writer position to the state store.
func (s *BoltStore) SaveWriter(rec *WriterRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(writersBucket)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal writer record: %w", err)
		}

		if err := b.Put([]byte(rec.Key), data); err != nil {
			return fmt.Errorf("failed to put writer record: %w", err)
		}
		return nil
	})
}

// GetWriter retrieves a writer position from the state store.
func (s *BoltStore) GetWriter(key string) (*WriterRecord, error) {
	var rec WriterRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(writersBucket).Get([]byte(key))
		if data == nil {
			return ErrWriterNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal writer record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory Store. State is lost when the process exits.
type MemStore struct {
	mu      sync.Mutex
	seen    map[string]map[string]time.Time
	writers map[string]WriterRecord
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		seen:    make(map[string]map[string]time.Time),
		writers: make(map[string]WriterRecord),
	}
}

func (s *MemStore) LoadSeen(key string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.seen[key]))
	for p, t := range s.seen[key] {
		out[p] = t
	}
	return out, nil
}

func (s *MemStore) SaveSeen(key string, rec SeenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[key] == nil {
		s.seen[key] = make(map[string]time.Time)
	}
	s.seen[key][rec.Path] = rec.ModTime
	return nil
}

func (s *MemStore) DeleteSeen(key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen[key], path)
	return nil
}

func (s *MemStore) SaveWriter(rec *WriterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers[rec.Key] = *rec
	return nil
}

func (s *MemStore) GetWriter(key string) (*WriterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.writers[key]
	if !ok {
		return nil, ErrWriterNotFound
	}
	return &rec, nil
}

func (s *MemStore) Close() error {
	return nil
}
