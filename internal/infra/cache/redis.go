package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

// Redis реализует domain.RateLimiter фиксированным окном и однократные задачи.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis создаёт кэш с префиксом ключей.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix}
}

var _ domain.RateLimiter = (*Redis)(nil)

// Allow увеличивает счётчик окна и сообщает, не превышен ли лимит.
func (c *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, err error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	start := time.Now()
	defer func() { metrics.ObserveNetworkRequest("redis", "rate_limit", "redis", start, err) }()

	bucket := time.Now().UnixNano() / int64(window)
	redisKey := fmt.Sprintf("%s:%s:%d", c.prefix, key, bucket)

	var incr *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}

// Once выполняет функцию, если ключ ещё не задан. Ключ живёт ttl после успешного выполнения.
func (c *Redis) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	ok, err := c.client.SetNX(ctx, c.prefix+":once:"+key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, c.prefix+":once:"+key).Err()
		return err
	}
	return nil
}
