package throttle

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "feedpipe:throttle:"

// RedisThrottler shares the per-host record between processes. Each host key
// is set with SETNX and expires after the interval, so the key's remaining TTL
// is the time left before the host may be contacted again. A non-positive
// interval disables throttling.
type RedisThrottler struct {
	client   *redis.Client
	interval time.Duration
}

func NewRedisThrottler(client *redis.Client, interval time.Duration) *RedisThrottler {
	return &RedisThrottler{client: client, interval: interval}
}

func (t *RedisThrottler) Wait(ctx context.Context, host string) error {
	if t.interval <= 0 {
		return ctx.Err()
	}

	key := redisKeyPrefix + host
	for {
		ok, err := t.client.SetNX(ctx, key, time.Now().UnixNano(), t.interval).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		ttl, err := t.client.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = 10 * time.Millisecond
		}
		if err := sleepContext(ctx, ttl); err != nil {
			return err
		}
	}
}
