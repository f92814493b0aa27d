package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed token bucket rate limiter backed by Redis.
// Buckets refill continuously, so a per-minute limit spreads evenly instead
// of releasing in bursts at the top of the minute.
type TokenBucket struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTokenBucket constructs a limiter on the given Redis client.
func NewTokenBucket(client *redis.Client) *TokenBucket {
	return &TokenBucket{
		client: client,
		ttl:    5 * time.Minute,
	}
}

// Allow consumes one token for the key if available, refilling at
// ratePerMinute. A non-positive rate always allows.
func (b *TokenBucket) Allow(ctx context.Context, key string, ratePerMinute int) (bool, error) {
	if ratePerMinute <= 0 {
		return true, nil
	}

	now := time.Now().UnixMilli()
	refillPerSecond := float64(ratePerMinute) / 60.0
	res, err := bucketScript.Run(ctx, b.client, []string{"ratelimit:" + key},
		ratePerMinute, refillPerSecond, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("token bucket: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return false, fmt.Errorf("token bucket: unexpected script result %T", res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, fmt.Errorf("token bucket: unexpected allowed type %T", arr[0])
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
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
