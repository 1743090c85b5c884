package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed token bucket backed by Redis. It caps task
// executions at `max` per `window`, shared across every worker process that
// points at the same key.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket allowing at most max executions per
// window. Burst capacity equals max; tokens refill continuously.
func NewTokenBucket(client *redis.Client, max int, window time.Duration, ttl time.Duration) *TokenBucket {
	refill := float64(max) / window.Seconds()
	return &TokenBucket{
		client:   client,
		capacity: max,
		refill:   refill,
		ttl:      ttl,
	}
}

// Allow consumes a single token for the given key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	allowed, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return allowed
`)
