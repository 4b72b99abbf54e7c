package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"sentinelops/internal/audit"
	"sentinelops/internal/schema"

	"github.com/dgraph-io/ristretto/v2"
)

// CacheConfig configures the incident read cache.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxItems    int64         `yaml:"max_items"`
	TTL         time.Duration `yaml:"ttl"`
	NumCounters int64         `yaml:"num_counters"`
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:     true,
		MaxItems:    10000,
		TTL:         5 * time.Minute,
		NumCounters: 100000,
	}
}

// CachedStore fronts a Store with an in-process cache of incident records.
// Entries are invalidated on every Commit, so a stale read can only lose a
// version race, which Commit reports as ErrVersionConflict.
type CachedStore struct {
	Store
	cache *ristretto.Cache[string, *schema.Incident]
	ttl   time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedStore wraps store with a cache sized by cfg.
func NewCachedStore(store Store, cfg CacheConfig) (*CachedStore, error) {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultCacheConfig().MaxItems
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = cfg.MaxItems * 10
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *schema.Incident]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create incident cache: %w", err)
	}
	return &CachedStore{Store: store, cache: cache, ttl: cfg.TTL}, nil
}

// Get returns a copy of the incident, from the cache when present.
func (c *CachedStore) Get(ctx context.Context, id string) (*schema.Incident, error) {
	if inc, ok := c.cache.Get(id); ok {
		c.hits.Add(1)
		return inc.Clone(), nil
	}
	c.misses.Add(1)

	inc, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(id, inc.Clone(), 1, c.ttl)
	return inc, nil
}

// Commit writes through to the store and refreshes the cached copy.
func (c *CachedStore) Commit(ctx context.Context, inc *schema.Incident, entry *audit.Entry) error {
	c.cache.Del(inc.ID)
	if err := c.Store.Commit(ctx, inc, entry); err != nil {
		c.cache.Del(inc.ID)
		return err
	}
	c.cache.SetWithTTL(inc.ID, inc.Clone(), 1, c.ttl)
	return nil
}

// Invalidate drops id from the cache.
func (c *CachedStore) Invalidate(id string) {
	c.cache.Del(id)
}

// HitRate returns the fraction of Get calls served from the cache.
func (c *CachedStore) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Wait blocks until pending cache writes are visible. Used by tests.
func (c *CachedStore) Wait() {
	c.cache.Wait()
}

// Close releases the cache and the underlying store.
func (c *CachedStore) Close() error {
	c.cache.Close()
	return c.Store.Close()
}
