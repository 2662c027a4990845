// Package buffer provides a bounded, thread-safe ring used to keep the most
// recent items of a stream in arrival order.
package buffer

import (
	"sync"

	"github.com/c360/posturestream/errors"
)

// OverflowPolicy defines how the ring behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the incoming item.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback receives an item evicted or rejected by the overflow policy.
type DropCallback[T any] func(item T)

// Ring is a fixed-capacity buffer. Items are kept oldest first.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest item
	stats    *Statistics
	metrics  *ringMetrics
	opts     *ringOptions[T]
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing[T any](capacity int, options ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}
	opts := applyOptions(options...)

	var metrics *ringMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newRingMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "Ring", "NewRing", "metrics registration")
		}
	}

	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Push appends item. It reports false when the item itself was rejected
// under DropNewest.
func (r *Ring[T]) Push(item T) bool {
	var dropped T
	hasDropped := false

	r.mu.Lock()
	if r.size == r.capacity {
		r.stats.Drop()
		if r.metrics != nil {
			r.metrics.recordDrop()
		}
		if r.opts.overflowPolicy == DropNewest {
			r.mu.Unlock()
			r.notifyDrop(item)
			return false
		}
		dropped, hasDropped = r.items[r.tail], true
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}
	r.mu.Unlock()

	if hasDropped {
		r.notifyDrop(dropped)
	}
	return true
}

func (r *Ring[T]) notifyDrop(item T) {
	if r.opts.dropCallback != nil {
		r.opts.dropCallback(item)
	}
}

// Snapshot returns a copy of the contents, oldest first. Mutating the
// returned slice does not affect the ring.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}
	return out
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head-1+r.capacity)%r.capacity], true
}

// Update calls fn with a pointer to each item, oldest first, under the write
// lock. fn must not call back into the ring. It returns the number of items
// for which fn reported a change.
func (r *Ring[T]) Update(fn func(item *T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for i := 0; i < r.size; i++ {
		if fn(&r.items[(r.tail+i)%r.capacity]) {
			changed++
		}
	}
	return changed
}

// Clear removes all items without invoking the drop callback.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0
	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, r.capacity)
	}
}

// Size returns the current number of items.
func (r *Ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of items.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Stats returns the ring statistics.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}
