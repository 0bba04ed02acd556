package guard

import (
	"context"
	"sync"
	"time"
)

// Cache is the shared short-TTL cache behind the reentry and idempotency
// guards. Entries expire on their own; guards never delete an entry to
// "finish early", because the TTL window itself is the guarantee.
type Cache interface {
	// Add stores the value only if the key is absent (or expired) and
	// reports whether it was stored. This is the atomic claim primitive.
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value for a live key.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores the value unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a goroutine-safe in-process Cache. It serves
// single-process deployments and tests; multi-process deployments share
// a RedisCache instead.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates a new MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
	}
}

// Ensure MemoryCache implements Cache.
var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok && e.expiresAt.After(now) {
		return false, nil
	}

	c.pruneLocked(now)
	c.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(time.Now())
	c.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// pruneLocked drops expired entries opportunistically on writes, keeping
// the map from growing without bound. Callers hold c.mu.
func (c *MemoryCache) pruneLocked(now time.Time) {
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
}
