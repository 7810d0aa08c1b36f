package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes one token in a single round trip. The caller
// supplies "now" so every instance agrees on one clock source per request.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] window in ms, ARGV[3] now in unix ms
// returns {allowed, remaining, ms until next refill}
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled_at')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil or refilled == nil then
  tokens = capacity
  refilled = now
end

if now - refilled >= window then
  refilled = refilled + math.floor((now - refilled) / window) * window
  tokens = capacity
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled_at', refilled)
redis.call('PEXPIRE', KEYS[1], window * 2)

return {allowed, tokens, refilled + window - now}
`)

// RedisStore shares buckets between instances. Keys expire two windows after
// their last write, by which point they would have refilled anyway.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, capacity int, window time.Duration, now time.Time) (Decision, error) {
	res, err := takeScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		capacity, window.Milliseconds(), now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply of %d values", ErrStoreUnavailable, len(res))
	}

	decision := Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return decision, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
