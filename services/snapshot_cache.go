package services

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SnapshotCache is a read-through cache with a fixed validity window. It has
// no write path and must not be used for lock or authorization decisions;
// it only feeds the floor board.
type SnapshotCache[T any] struct {
	ttl   time.Duration
	load  func(ctx context.Context, key string) (T, error)
	group singleflight.Group
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry[T]
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func NewSnapshotCache[T any](ttl time.Duration, load func(ctx context.Context, key string) (T, error)) *SnapshotCache[T] {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &SnapshotCache[T]{
		ttl:     ttl,
		load:    load,
		now:     time.Now,
		entries: make(map[string]cacheEntry[T]),
	}
}

// Get returns a cached value younger than the TTL or loads a fresh one.
// Concurrent misses for the same key share a single load.
func (c *SnapshotCache[T]) Get(ctx context.Context, key string) (T, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := c.load(ctx, key)
		if err != nil {
			return value, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry[T]{value: value, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops key so the next Get reloads it.
func (c *SnapshotCache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every expired entry.
func (c *SnapshotCache[T]) Purge() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
