package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript charges one request against KEYS[1]. A rejected request
// does not increment the counter; the first admitted request of a window
// starts the key TTL, so expiry is the window rollover.
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, current, redis.call("PTTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, current, redis.call("PTTL", KEYS[1])}
`)

// RedisBucketStore shares client buckets across service instances through Redis.
type RedisBucketStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBucketStore creates a store that namespaces keys with prefix.
func NewRedisBucketStore(client *redis.Client, prefix string) *RedisBucketStore {
	if prefix == "" {
		prefix = "darkwing:ratelimit:"
	}
	return &RedisBucketStore{client: client, prefix: prefix}
}

// NewRedisBucketStoreFromURL parses a redis:// URL and creates the store.
func NewRedisBucketStoreFromURL(rawURL string) (*RedisBucketStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBucketStore(redis.NewClient(opts), ""), nil
}

// Ping verifies the Redis connection.
func (s *RedisBucketStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisBucketStore) Close() error {
	return s.client.Close()
}

// Take charges one request for key. The window clock is the Redis server's;
// now is only used to compute ResetAt.
func (s *RedisBucketStore) Take(ctx context.Context, key string, cfg RateLimiterConfig, now time.Time) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, cfg.MaxRequests, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis fixed window %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis fixed window %s: unexpected reply length %d", key, len(res))
	}

	ttl := time.Duration(res[2]) * time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}
	decision := Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		ResetAt: now.Add(ttl),
	}
	if decision.Allowed {
		decision.Remaining = cfg.MaxRequests - decision.Count
	} else {
		decision.RetryAfter = ttl
	}
	return decision, nil
}
