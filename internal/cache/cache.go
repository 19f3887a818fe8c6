package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Recorder observes hits and misses. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordCacheLookup(hit bool)
}

// Cache stores JSON encoded values in a Store.
type Cache struct {
	store    Store
	recorder Recorder
	now      func() time.Time
}

// New wraps store. recorder may be nil.
func New(store Store, recorder Recorder) *Cache {
	return &Cache{store: store, recorder: recorder, now: time.Now}
}

// Open builds a cache for the named driver: "file" uses dir, "bolt" uses path.
func Open(driver, dir, path string, recorder Recorder) (*Cache, error) {
	var (
		store Store
		err   error
	)
	switch driver {
	case "", "file":
		store, err = NewFileStore(dir)
	case "bolt":
		store, err = NewBoltStore(path)
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return New(store, recorder), nil
}

// Store returns the backend.
func (c *Cache) Store() Store { return c.store }

// Close releases the backend.
func (c *Cache) Close() error { return c.store.Close() }

// Save stores value under key.
func (c *Cache) Save(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache %s: %w", key, err)
	}
	return c.store.Write(ctx, key, data)
}

// Load decodes the value under key into dst regardless of age.
func (c *Cache) Load(ctx context.Context, key string, dst any) error {
	return c.load(ctx, key, 0, dst)
}

// Cached reports whether key exists and was written within maxAge. A zero
// maxAge accepts any age.
func (c *Cache) Cached(ctx context.Context, key string, maxAge time.Duration) bool {
	_, written, err := c.store.Read(ctx, key)
	if err != nil {
		return false
	}
	return maxAge <= 0 || c.now().Sub(written) <= maxAge
}

func (c *Cache) load(ctx context.Context, key string, maxAge time.Duration, dst any) error {
	data, written, err := c.store.Read(ctx, key)
	if err == nil && maxAge > 0 && c.now().Sub(written) > maxAge {
		err = ErrMiss
	}
	if c.recorder != nil {
		c.recorder.RecordCacheLookup(err == nil)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("cache %s: %w", key, err)
	}
	return nil
}

// Remember loads key into dst when it is fresh; otherwise it calls fn, stores
// the result and decodes it into dst.
func (c *Cache) Remember(ctx context.Context, key string, maxAge time.Duration, dst any, fn func() (any, error)) error {
	err := c.load(ctx, key, maxAge, dst)
	if err == nil || !errors.Is(err, ErrMiss) {
		return err
	}
	value, err := fn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache %s: %w", key, err)
	}
	if err := c.store.Write(ctx, key, data); err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Purge removes entries older than maxAge.
func (c *Cache) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	return c.store.Purge(ctx, c.now().Add(-maxAge))
}
