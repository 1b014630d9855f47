package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsemetrics/pulsegate/internal/metrics"
)

// admitScript implements the sliding window and burst guard atomically
// on a per-identifier ZSET of admission timestamps. It returns
// {allowed, remaining, retry_after_ms, reason}.
const admitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local burst_window = tonumber(ARGV[4])
local burst_size = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local current = redis.call('ZCARD', key)
local remaining = limit - current
if remaining < 0 then
	remaining = 0
end

local burst = redis.call('ZCOUNT', key, now - burst_window, '+inf')
if burst >= burst_size then
	local oldest = redis.call('ZRANGEBYSCORE', key, now - burst_window, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
	local retry = burst_window - (now - tonumber(oldest[2]))
	return {0, remaining, retry, 'burst'}
end

if current >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = window - (now - tonumber(oldest[2]))
	return {0, 0, retry, 'window'}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, remaining - 1, 0, ''}
`

// RedisLimiter enforces the sliding window in Redis so the quota is
// shared across instances. Reputation tracking stays process-local
// even with this backend; only the window counters are externalized.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisLimiter{client: client}, nil
}

// Check implements Limiter.
func (r *RedisLimiter) Check(ctx context.Context, identifier string, limits Limits) (Result, error) {
	limits = normalize(limits)
	now := time.Now()

	raw, err := r.client.Eval(ctx, admitScript,
		[]string{"ratelimit:" + identifier},
		now.UnixMilli(),
		limits.Window.Milliseconds(),
		limits.MaxRequests,
		limits.BurstWindow.Milliseconds(),
		limits.BurstSize,
		uuid.NewString(),
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return Result{}, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}

	allowed := vals[0].(int64) == 1
	remaining := int(vals[1].(int64))
	retryAfter := time.Duration(vals[2].(int64)) * time.Millisecond

	res := Result{
		Allowed:    allowed,
		Remaining:  remaining,
		ResetAt:    now.Add(limits.Window),
		RetryAfter: retryAfter,
	}
	if !allowed {
		switch vals[3] {
		case "burst":
			res.Reason = ReasonBurst
		default:
			res.Reason = ReasonWindow
		}
		res.ResetAt = now.Add(retryAfter)
		metrics.RateLimitRejections.WithLabelValues(res.Reason).Inc()
	}

	return res, nil
}

// Close releases the Redis connection.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
