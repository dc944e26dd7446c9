package discovery

import (
	"context"
	"sync"
	"time"
)

// TTLCache caches the results of an expensive keyed computation with a TTL
// and per-key single-flight semantics: concurrent callers for the same key
// share one in-flight computation, and a stale entry is recomputed in place
// by exactly one caller while the others wait for it.
//
// Errors are not cached; a failed computation leaves any previous entry
// untouched and is retried by the next caller.
type TTLCache[K comparable, V any] struct {
	ttl     time.Duration
	compute func(ctx context.Context, key K) (V, error)
	clock   func() time.Time

	mu      sync.Mutex
	locks   map[K]*sync.Mutex
	entries map[K]cacheEntry[V]
}

type cacheEntry[V any] struct {
	at    time.Time
	value V
}

// NewTTLCache returns a cache around compute with the given entry TTL.
func NewTTLCache[K comparable, V any](ttl time.Duration, compute func(ctx context.Context, key K) (V, error)) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:     ttl,
		compute: compute,
		clock:   time.Now,
		locks:   map[K]*sync.Mutex{},
		entries: map[K]cacheEntry[V]{},
	}
}

// Get returns the cached value for key, recomputing it when absent or older
// than the TTL.
func (c *TTLCache[K, V]) Get(ctx context.Context, key K) (V, error) {
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := c.clock()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Sub(entry.at) < c.ttl {
		return entry.value, nil
	}

	value, err := c.compute(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{at: now, value: value}
	c.mu.Unlock()
	return value, nil
}

func (c *TTLCache[K, V]) keyLock(key K) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}
