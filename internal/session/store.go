// Package session keeps per-visitor key-value state between requests. Values
// are JSON encoded and held in a Store under "prefix:id" keys; the id travels
// in a cookie managed by Manager.Middleware.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when a key is absent or expired.
var ErrNotFound = errors.New("session: not found")

// Store persists encoded sessions.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// GC drops expired entries and reports how many went.
	GC(ctx context.Context) (int, error)
}

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

// Load returns the payload under key.
func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || (!item.expires.IsZero() && s.now().After(item.expires)) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, nil
}

// Save stores data under key. A zero ttl never expires.
func (s *MemoryStore) Save(_ context.Context, key string, data []byte, ttl time.Duration) error {
	item := memoryItem{data: append([]byte(nil), data...)}
	if ttl > 0 {
		item.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// GC removes expired sessions.
func (s *MemoryStore) GC(_ context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, item := range s.items {
		if !item.expires.IsZero() && now.After(item.expires) {
			delete(s.items, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored sessions, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
