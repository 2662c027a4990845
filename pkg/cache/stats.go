package cache

import "sync/atomic"

// Statistics tracks cache activity. All methods are safe for concurrent use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
}

// Hits returns the number of successful lookups.
func (s *Statistics) Hits() int64 { return s.hits.Load() }

// Misses returns the number of lookups that found nothing or an expired entry.
func (s *Statistics) Misses() int64 { return s.misses.Load() }

// Sets returns the number of Set calls.
func (s *Statistics) Sets() int64 { return s.sets.Load() }

// Evictions returns the number of entries dropped for size or expiry.
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }

// Size returns the entry count after the last mutation.
func (s *Statistics) Size() int64 { return s.size.Load() }

// HitRatio returns hits / (hits + misses), or zero before the first lookup.
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.Hits(), s.Misses()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
