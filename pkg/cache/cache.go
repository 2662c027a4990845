// Package cache provides a generic, thread-safe LRU cache with optional
// per-entry expiry. Statistics are always collected; Prometheus metrics are
// exported when a registry is supplied.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/metric"
)

// EvictCallback is called with the key and value of every evicted or
// expired entry. It runs without the cache lock held.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
}

// LRU evicts the least recently used entry once MaxSize is exceeded. With a
// TTL, entries older than the TTL are treated as absent.
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// Option configures an LRU.
type Option[V any] func(*LRU[V]) error

// WithTTL expires entries ttl after they were set. Zero disables expiry.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *LRU[V]) error {
		if ttl < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "WithTTL", "ttl check")
		}
		c.ttl = ttl
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *LRU[V]) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}

// WithEvictionCallback registers fn for evicted and expired entries.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *LRU[V]) error {
		c.evictFn = fn
		return nil
	}
}

// WithMetrics exports the statistics under the given component label. A nil
// registry or empty prefix is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(c *LRU[V]) error {
		if registry == nil || prefix == "" {
			return nil
		}
		m, err := newCacheMetrics(registry, prefix)
		if err != nil {
			return errors.WrapTransient(err, "cache", "WithMetrics", "metrics registration")
		}
		c.metrics = m
		return nil
	}
}

// NewLRU creates a cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, opts ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "max size check")
	}
	c := &LRU[V]{
		maxSize: maxSize,
		now:     time.Now,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   &Statistics{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns the value for key and marks it as recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.recordMiss()
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.expired(e) {
		c.remove(el)
		c.updateSize()
		c.mu.Unlock()
		c.recordMiss()
		c.evicted(e)
		return zero, false
	}
	c.order.MoveToFront(el)
	c.mu.Unlock()

	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return e.value, true
}

// Set stores value under key. It reports whether a new entry was created.
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.stats.sets.Add(1)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value, e.expiresAt = value, expiresAt
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	var dropped *entry[V]
	if len(c.items) > c.maxSize {
		oldest := c.order.Back()
		dropped = oldest.Value.(*entry[V])
		c.remove(oldest)
	}
	c.updateSize()
	c.mu.Unlock()

	if dropped != nil {
		c.evicted(dropped)
	}
	return true, nil
}

// Delete removes key. It reports whether the key was present.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(el)
	c.updateSize()
	return true
}

// Clear removes every entry without calling the eviction callback.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.updateSize()
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet
// observed.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the keys from most to least recently used.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

// Stats returns the live statistics.
func (c *LRU[V]) Stats() *Statistics {
	return c.stats
}

func (c *LRU[V]) expired(e *entry[V]) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

// remove must be called with the lock held.
func (c *LRU[V]) remove(el *list.Element) {
	delete(c.items, el.Value.(*entry[V]).key)
	c.order.Remove(el)
}

// updateSize must be called with the lock held.
func (c *LRU[V]) updateSize() {
	c.stats.size.Store(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}

func (c *LRU[V]) recordMiss() {
	c.stats.misses.Add(1)
	if c.metrics != nil {
		c.metrics.misses.Inc()
	}
}

func (c *LRU[V]) evicted(e *entry[V]) {
	c.stats.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	if c.evictFn != nil {
		c.evictFn(e.key, e.value)
	}
}
