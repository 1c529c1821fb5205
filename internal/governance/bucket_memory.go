package governance

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const bucketShardCount = 32

// MemoryBucketStore keeps client buckets in process memory. Lookups lock one
// shard briefly; the read-check-increment of a client runs under that
// client's own lock.
type MemoryBucketStore struct {
	shards [bucketShardCount]bucketShard
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
}

type clientBucket struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	evicted     bool
}

// NewMemoryBucketStore creates an empty in-memory store.
func NewMemoryBucketStore() *MemoryBucketStore {
	s := &MemoryBucketStore{}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*clientBucket)
	}
	return s
}

func (s *MemoryBucketStore) shard(key string) *bucketShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%bucketShardCount]
}

func (s *MemoryBucketStore) bucket(key string, now time.Time) *clientBucket {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &clientBucket{windowStart: now}
		sh.buckets[key] = b
	}
	return b
}

// Take charges one request for key.
func (s *MemoryBucketStore) Take(_ context.Context, key string, cfg RateLimiterConfig, now time.Time) (Decision, error) {
	for {
		b := s.bucket(key, now)
		if decision, ok := b.take(cfg, now); ok {
			return decision, nil
		}
		// The bucket was swept between lookup and lock; look it up again.
	}
}

func (b *clientBucket) take(cfg RateLimiterConfig, now time.Time) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evicted {
		return Decision{}, false
	}

	if now.Sub(b.windowStart) > cfg.Window {
		b.count = 0
		b.windowStart = now
	}

	resetAt := b.windowStart.Add(cfg.Window)
	if b.count >= cfg.MaxRequests {
		retryAfter := cfg.Window - now.Sub(b.windowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{
			Allowed:    false,
			Count:      b.count,
			RetryAfter: retryAfter,
			ResetAt:    resetAt,
		}, true
	}

	b.count++
	return Decision{
		Allowed:   true,
		Count:     b.count,
		Remaining: cfg.MaxRequests - b.count,
		ResetAt:   resetAt,
	}, true
}

// Sweep removes buckets whose window has ended and returns how many were dropped.
func (s *MemoryBucketStore) Sweep(now time.Time, window time.Duration) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			b.mu.Lock()
			if now.Sub(b.windowStart) > window {
				b.evicted = true
				delete(sh.buckets, key)
				removed++
			}
			b.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked clients.
func (s *MemoryBucketStore) Len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		total += len(sh.buckets)
		sh.mu.Unlock()
	}
	return total
}
