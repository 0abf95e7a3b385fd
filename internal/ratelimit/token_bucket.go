// Package ratelimit guards usage ingestion with a redis token bucket.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  local refill = (delta / 1000) * rate
  tokens = math.min(burst, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tokens, ts}
`

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow consumes one token from the bucket at key. When denied it reports
// how long until the next token refills.
func (b *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (bool, time.Duration, error) {
	if b == nil || b.client == nil {
		return false, 0, errors.New("token bucket client not configured")
	}
	if key == "" {
		return false, 0, errors.New("token bucket key is empty")
	}
	if rate <= 0 || burst <= 0 {
		return false, 0, errors.New("token bucket rate and burst must be positive")
	}

	ttl := int64(math.Ceil(float64(burst)/rate)*1000) + 1000

	raw, err := b.script.Run(ctx, b.client, []string{key}, rate, burst, ttl).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := raw.([]any)
	if !ok || len(values) < 2 {
		return false, 0, errors.New("unexpected token bucket reply")
	}

	allowed := toInt64(values[0]) == 1
	if allowed {
		return true, 0, nil
	}

	retryAfter := time.Duration(math.Ceil(1000/rate)) * time.Millisecond
	return false, retryAfter, nil
}

func toInt64(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case float64:
		return int64(typed)
	default:
		return 0
	}
}
