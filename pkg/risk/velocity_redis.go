package risk

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounters implements Counters on Redis with fixed-window keys:
// one INCR-with-TTL key per (fingerprint, window). Counts survive
// restarts and are shared across instances.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters wraps an existing client.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func velocityKeys(fingerprint string) (short, long string) {
	return fmt.Sprintf("vel:10m:%s", fingerprint), fmt.Sprintf("vel:24h:%s", fingerprint)
}

// Observe implements Counters.
func (c *RedisCounters) Observe(ctx context.Context, fingerprint string) error {
	short, long := velocityKeys(fingerprint)

	pipe := c.client.Pipeline()
	pipe.Incr(ctx, short)
	pipe.ExpireNX(ctx, short, shortWindow)
	pipe.Incr(ctx, long)
	pipe.ExpireNX(ctx, long, longWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis velocity observe: %w", err)
	}
	return nil
}

// Counts implements Counters.
func (c *RedisCounters) Counts(ctx context.Context, fingerprint string) (int64, int64, error) {
	short, long := velocityKeys(fingerprint)

	vals, err := c.client.MGet(ctx, short, long).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis velocity counts: %w", err)
	}

	parse := func(v any) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		var n int64
		_, _ = fmt.Sscan(s, &n)
		return n
	}
	return parse(vals[0]), parse(vals[1]), nil
}
