package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keelpay/core/pkg/contracts"
)

// gateBucketScript runs the token bucket atomically in Redis so multiple
// instances share one budget per credential.
// KEYS[1] = bucket key, ARGV = rate/sec, capacity, cost, now (seconds).
// Returns {allowed, wait_ms}.
var gateBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local wait_ms = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    wait_ms = math.ceil(((cost - tokens) / rate) * 1000)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)
return {allowed, wait_ms}
`)

// RedisLimiter shares buckets across instances through Redis.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

// WithClock overrides the limiter's time source.
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, p Policy) error {
	p = p.withDefaults()
	now := float64(l.now().UnixMicro()) / 1e6

	res, err := gateBucketScript.Run(ctx, l.client, []string{"gate:" + key},
		p.PerSecond, p.Burst, 1, now).Result()
	if err != nil {
		return fmt.Errorf("gate: redis: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return fmt.Errorf("gate: unexpected script result %T", res)
	}
	allowed, _ := arr[0].(int64)
	if allowed == 1 {
		return nil
	}
	waitMs, _ := arr[1].(int64)
	retry := time.Duration(waitMs) * time.Millisecond
	if retry <= 0 {
		retry = time.Second
	}
	return &contracts.RateLimitError{RetryAfter: retry}
}
