package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lookup resolves the opaque ids stored in workflow configuration.
type Lookup interface {
	RecipientTypeName(ctx context.Context, id string) (string, error)
	OperatorSign(ctx context.Context, id string) (string, error)
}

// Cache stores lookup answers with a TTL. Get reports found=false on miss.
type Cache interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// CacheObserver is told about hits and misses.
type CacheObserver interface {
	RecordLookupCacheHit(lookupID string)
	RecordLookupCacheMiss(lookupID string)
}

// CachedLookup fronts a Lookup with a Cache. Cache failures fall through to
// the underlying lookup.
type CachedLookup struct {
	next     Lookup
	cache    Cache
	ttl      time.Duration
	observer CacheObserver
}

// NewCachedLookup wraps next with cache.
func NewCachedLookup(next Lookup, cache Cache, ttl time.Duration, observer CacheObserver) *CachedLookup {
	return &CachedLookup{next: next, cache: cache, ttl: ttl, observer: observer}
}

func (c *CachedLookup) RecipientTypeName(ctx context.Context, id string) (string, error) {
	return c.get(ctx, "recipient_type", id, c.next.RecipientTypeName)
}

func (c *CachedLookup) OperatorSign(ctx context.Context, id string) (string, error) {
	return c.get(ctx, "field_operator", id, c.next.OperatorSign)
}

func (c *CachedLookup) get(ctx context.Context, kind, id string, load func(context.Context, string) (string, error)) (string, error) {
	key := fmt.Sprintf("lookup:%s:%s", kind, id)
	if v, found, err := c.cache.Get(ctx, key); err == nil && found {
		if c.observer != nil {
			c.observer.RecordLookupCacheHit(kind)
		}
		return v, nil
	}
	if c.observer != nil {
		c.observer.RecordLookupCacheMiss(kind)
	}

	v, err := load(ctx, id)
	if err != nil {
		return "", err
	}
	_ = c.cache.Set(ctx, key, v, c.ttl)
	return v, nil
}

// --- MemoryCache ---

// MemoryCache is an in-process Cache with TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memEntry)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// --- RedisCache ---

// RedisCache is a Redis-backed Cache.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache creates a cache over a redis client.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
