// ABOUTME: Thread-safe TTL cache remembering the outcome of idempotent requests
// ABOUTME: Replays the first result for a repeated idempotency key within the TTL window

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults used by the gateway for goal idempotency keys.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type cacheEntry[V any] struct {
	stored  time.Time
	value   V
	element *list.Element
}

// Cache maps idempotency keys to the result of the first request that used them.
// Entries expire after the TTL; when full the oldest entry is evicted.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	flights singleflight.Group

	done   chan struct{}
	closed bool
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock replaces time.Now, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New creates a cache. A non-positive ttl or maxSize uses the default.
// A background goroutine sweeps expired entries every ttl until Close.
func New[V any](ttl time.Duration, maxSize int, opts ...Option[V]) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Get returns the value stored for key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.stored) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Do returns the stored value for key, or runs fn and stores its result.
// duplicate reports whether the value was replayed. An empty key never
// dedupes. fn runs outside the cache lock; concurrent calls with the same
// key share a single run of fn and all but that caller see duplicate.
func (c *Cache[V]) Do(key string, fn func() V) (value V, duplicate bool) {
	if key == "" {
		return fn(), false
	}
	if v, ok := c.Get(key); ok {
		return v, true
	}

	ran := false
	res, _, _ := c.flights.Do(key, func() (any, error) {
		// Another flight may have stored the key since the Get above.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		ran = true
		v := fn()
		c.store(key, v)
		return v, nil
	})
	return res.(V), !ran
}

func (c *Cache[V]) store(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = &cacheEntry[V]{
		stored:  c.now(),
		value:   value,
		element: c.order.PushBack(key),
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) removeLocked(key string, entry *cacheEntry[V]) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

func (c *Cache[V]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) sweepLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired entries. Entries are stored in time order, so it stops
// at the first live one.
func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		entry := c.entries[key]
		if now.Sub(entry.stored) < c.ttl {
			return
		}
		c.removeLocked(key, entry)
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
