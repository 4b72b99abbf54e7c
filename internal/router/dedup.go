package router

import (
	"context"
	"sync"
	"time"
)

// Deduper records which message IDs have been handled.
type Deduper interface {
	// Claim returns true the first time id is seen within the TTL.
	Claim(ctx context.Context, id string) (bool, error)
	// Release forgets id so a redelivery is handled again.
	Release(ctx context.Context, id string) error
}

// MemoryDeduper is a TTL set of message IDs.
type MemoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	sweep int
}

// NewMemoryDeduper creates a deduper that remembers IDs for ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Claim implements Deduper.
func (d *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweep++
	if d.sweep >= 1024 {
		d.sweep = 0
		for k, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, k)
			}
		}
	}

	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}

// Release implements Deduper.
func (d *MemoryDeduper) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

// KeyValueStore is the subset of a Redis client the Redis deduper needs.
type KeyValueStore interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// RedisDeduper shares the seen set between orchestrator replicas.
type RedisDeduper struct {
	client KeyValueStore
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper over a Redis-like store.
func NewRedisDeduper(client KeyValueStore, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if prefix == "" {
		prefix = "sentinelops:dedup:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+id, []byte("1"), d.ttl)
}

// Release implements Deduper.
func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	return d.client.Delete(ctx, d.prefix+id)
}
