package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically on the Redis server.
// KEYS[1] bucket hash; ARGV capacity, rate per ms, now ms, ttl ms.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if tokens > capacity then
  tokens = capacity
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

type RedisRateLimiter struct {
	client       *redis.Client
	window       time.Duration
	defaultLimit int
	now          func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, defaultLimit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:       client,
		window:       window,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}
	ratePerMs := float64(limit) / float64(r.window.Milliseconds())

	res, err := tokenBucketScript.Run(ctx, r.client,
		[]string{"ratelimit:" + key},
		limit,
		strconv.FormatFloat(ratePerMs, 'f', -1, 64),
		r.now().UnixMilli(),
		(2 * r.window).Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply: %v", res)
	}

	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse token count: %w", err)
	}

	return decide(allowed == 1, limit, tokens, r.window), nil
}
