// Package cache stores small blobs by key together with their write time, so
// callers can decide whether an entry is fresh enough to reuse.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache: miss")

// Store is a cache backend.
type Store interface {
	Write(ctx context.Context, key string, data []byte) error
	// Read returns the data and the time it was written.
	Read(ctx context.Context, key string) ([]byte, time.Time, error)
	Delete(ctx context.Context, key string) error
	// Purge removes entries written before cutoff and reports how many went.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// FileStore keeps one file per key in a directory. File names are the SHA-1
// of the key; the modification time is the write time.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".cache")
}

// Write replaces the entry for key atomically.
func (s *FileStore) Write(_ context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(key))
}

// Read returns the entry for key.
func (s *FileStore) Read(_ context.Context, key string) ([]byte, time.Time, error) {
	p := s.path(key)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, time.Time{}, ErrMiss
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, time.Time{}, ErrMiss
	}
	return data, info.ModTime(), err
}

// Delete removes the entry for key. Missing keys are not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Purge removes entries older than cutoff.
func (s *FileStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cache") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
