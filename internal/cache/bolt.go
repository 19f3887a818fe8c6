package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCache = []byte("cache")

// BoltStore keeps entries in a single bbolt file. Each value is prefixed with
// its write time as 8 big-endian bytes of Unix nanoseconds.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Write stores data under key.
func (s *BoltStore) Write(_ context.Context, key string, data []byte) error {
	value := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(value, uint64(s.now().UnixNano()))
	copy(value[8:], data)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(key), value)
	})
}

// Read returns the entry for key.
func (s *BoltStore) Read(_ context.Context, key string) ([]byte, time.Time, error) {
	var (
		data    []byte
		written time.Time
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCache).Get([]byte(key))
		if len(v) < 8 {
			return ErrMiss
		}
		written = time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
		// v is only valid inside the transaction.
		data = append([]byte(nil), v[8:]...)
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, written, nil
}

// Delete removes the entry for key.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Delete([]byte(key))
	})
}

// Purge removes entries written before cutoff.
func (s *BoltStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCache)
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 || time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))).Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
