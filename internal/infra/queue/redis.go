package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

const (
	dueSuffix  = ":due"
	jobsSuffix = ":jobs"
)

// RedisDispatchTimer хранит отложенные вызовы в sorted set (score равен unix-времени срабатывания)
// и тела задач в hash по handle.
type RedisDispatchTimer struct {
	client      *redis.Client
	dueKey      string
	jobsKey     string
	maxAttempts int
}

// NewRedisDispatchTimer создаёт таймер с префиксом ключей.
func NewRedisDispatchTimer(client *redis.Client, prefix string, maxAttempts int) *RedisDispatchTimer {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisDispatchTimer{
		client:      client,
		dueKey:      prefix + dueSuffix,
		jobsKey:     prefix + jobsSuffix,
		maxAttempts: maxAttempts,
	}
}

// Register сохраняет вызов и возвращает его handle.
func (t *RedisDispatchTimer) Register(ctx context.Context, req domain.DispatchRequest) (string, error) {
	if req.TargetURL == "" {
		return "", errors.New("dispatch: target url is empty")
	}
	handle := uuid.NewString()
	cb := req.Callback
	cb.DeliveryMeta = domain.DeliveryMeta{Handle: handle, FireAt: req.FireAt.UTC()}
	job := domain.DispatchJob{
		Handle:      handle,
		TargetURL:   req.TargetURL,
		Callback:    cb,
		FireAt:      req.FireAt.UTC(),
		MaxAttempts: t.maxAttempts,
	}
	start := time.Now()
	err := t.store(ctx, job, job.FireAt)
	metrics.ObserveNetworkRequest("redis", "dispatch_register", t.dueKey, start, err)
	if err != nil {
		return "", err
	}
	return handle, nil
}

// Deregister удаляет вызов. Отсутствие вызова ошибкой не считается.
func (t *RedisDispatchTimer) Deregister(ctx context.Context, handle string) error {
	start := time.Now()
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, t.dueKey, handle)
		pipe.HDel(ctx, t.jobsKey, handle)
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "dispatch_deregister", t.dueKey, start, err)
	if err != nil {
		return fmt.Errorf("deregister %s: %w", handle, err)
	}
	return nil
}

// PopDue забирает до limit вызовов, время которых наступило.
// Каждый handle захватывается через ZREM, поэтому несколько экземпляров не получат одну задачу.
func (t *RedisDispatchTimer) PopDue(ctx context.Context, now time.Time, limit int) ([]domain.DispatchJob, error) {
	start := time.Now()
	handles, err := t.client.ZRangeByScore(ctx, t.dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	metrics.ObserveNetworkRequest("redis", "dispatch_due", t.dueKey, start, err)
	if err != nil {
		return nil, fmt.Errorf("due handles: %w", err)
	}
	jobs := make([]domain.DispatchJob, 0, len(handles))
	for _, handle := range handles {
		removed, err := t.client.ZRem(ctx, t.dueKey, handle).Result()
		if err != nil {
			return jobs, fmt.Errorf("claim %s: %w", handle, err)
		}
		if removed == 0 {
			continue
		}
		raw, err := t.client.HGet(ctx, t.jobsKey, handle).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return jobs, fmt.Errorf("load %s: %w", handle, err)
		}
		var job domain.DispatchJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return jobs, fmt.Errorf("decode %s: %w", handle, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Retry возвращает вызов в таймер на момент at.
func (t *RedisDispatchTimer) Retry(ctx context.Context, job domain.DispatchJob, at time.Time) error {
	start := time.Now()
	err := t.store(ctx, job, at)
	metrics.ObserveNetworkRequest("redis", "dispatch_retry", t.dueKey, start, err)
	return err
}

// Complete удаляет тело доставленного вызова.
func (t *RedisDispatchTimer) Complete(ctx context.Context, handle string) error {
	if err := t.client.HDel(ctx, t.jobsKey, handle).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", handle, err)
	}
	return nil
}

// Pending возвращает число ожидающих вызовов.
func (t *RedisDispatchTimer) Pending(ctx context.Context) (int64, error) {
	return t.client.ZCard(ctx, t.dueKey).Result()
}

func (t *RedisDispatchTimer) store(ctx context.Context, job domain.DispatchJob, at time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, t.jobsKey, job.Handle, payload)
		pipe.ZAdd(ctx, t.dueKey, redis.Z{Score: float64(at.Unix()), Member: job.Handle})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

var _ domain.Dispatcher = (*RedisDispatchTimer)(nil)
