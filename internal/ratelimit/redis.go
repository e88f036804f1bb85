package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/opflow/pkg/schema"
)

// RedisLimiter keeps counters in Redis so every API instance shares them.
type RedisLimiter struct {
	client redis.Cmdable
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter creates a RedisLimiter.
func NewRedisLimiter(client redis.Cmdable, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg.withDefaults(), now: time.Now}
}

// Allow increments the key's counter for the current window. The counter
// expires after two windows.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.cfg.Limit <= 0 {
		return unlimited(), nil
	}
	windowStart := l.now().Truncate(l.cfg.Window)
	counterKey := fmt.Sprintf("%s:%s:%d", l.cfg.KeyPrefix, key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, 2*l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, schema.NewError(schema.ErrCodeStore, "rate limit counter unavailable").WithCause(err)
	}
	return decide(l.cfg, incr.Val(), windowStart), nil
}

var _ Limiter = (*RedisLimiter)(nil)
