package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"portal-scrape-queue/internal/config"
)

// TokenBucket is a Redis-backed token bucket shared by every API replica,
// keyed by requester.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// FromConfig returns nil when RATE_LIMIT_CAPACITY is zero, which disables
// limiting.
func FromConfig(client *redis.Client, cfg config.Config) *TokenBucket {
	if cfg.RateLimitCapacity <= 0 {
		return nil
	}
	ttl := time.Hour
	if cfg.RateLimitRefill > 0 {
		ttl = time.Duration(float64(cfg.RateLimitCapacity)/cfg.RateLimitRefill*float64(time.Second)) + time.Minute
	}
	return NewTokenBucket(client, cfg.KeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, ttl)
}

// Allow consumes a single token for the given requester if available.
// Returns allowed flag and the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, requester string) (bool, float64, error) {
	now := b.now().UnixMilli()
	key := b.prefix + "rl:" + requester
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", requester, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", requester, res)
	}
	allowed := arr[0] == int64(1)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscan(v, &tokens)
	}
	return allowed, tokens, nil
}

// Tokens are returned as a string; Lua numbers would be truncated to integers.
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
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
