package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

const DefaultMaxKeys = 10000

type bucket struct {
	tokens     int
	capacity   int
	window     time.Duration
	lastRefill time.Time
	lastAccess time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed >= b.window {
		periods := elapsed / b.window
		b.lastRefill = b.lastRefill.Add(periods * b.window)
		b.tokens = b.capacity
	}
}

// idle reports whether the bucket would read as full on its next access, which
// makes dropping it indistinguishable from keeping it.
func (b *bucket) idle(now time.Time) bool {
	return b.tokens >= b.capacity || now.Sub(b.lastRefill) >= b.window
}

// MemoryStore keeps buckets in a map bounded by maxKeys. When a new key would
// exceed the bound, idle buckets are dropped first and then the least recently
// used ones until the map is back under 90% of the bound.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxKeys int
}

func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		maxKeys: maxKeys,
	}
}

func (s *MemoryStore) Take(_ context.Context, key string, capacity int, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		if len(s.buckets) >= s.maxKeys {
			s.evictLocked(now)
		}
		b = &bucket{tokens: capacity, lastRefill: now}
		s.buckets[key] = b
	}
	b.capacity = capacity
	b.window = window
	b.lastAccess = now

	b.refill(now)
	if b.tokens > capacity {
		b.tokens = capacity
	}

	if b.tokens == 0 {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: b.lastRefill.Add(window).Sub(now),
		}, nil
	}

	b.tokens--
	return Decision{Allowed: true, Remaining: b.tokens}, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops idle buckets and returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropIdleLocked(now)
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *MemoryStore) dropIdleLocked(now time.Time) int {
	removed := 0
	for key, b := range s.buckets {
		if b.idle(now) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) evictLocked(now time.Time) {
	target := s.maxKeys * 9 / 10
	s.dropIdleLocked(now)
	if len(s.buckets) <= target {
		return
	}

	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return s.buckets[a].lastAccess.Compare(s.buckets[b].lastAccess)
	})

	for _, key := range keys[:len(keys)-target] {
		delete(s.buckets, key)
	}
}
