// Package dispatch срабатывает отложенные вызовы и доставляет их получателю.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultRetryDelay   = 30 * time.Second
	defaultBatchSize    = 100
)

// Timer хранит вызовы до наступления их времени.
type Timer interface {
	PopDue(ctx context.Context, now time.Time, limit int) ([]domain.DispatchJob, error)
	Retry(ctx context.Context, job domain.DispatchJob, at time.Time) error
	Complete(ctx context.Context, handle string) error
	Pending(ctx context.Context) (int64, error)
}

// Broker передаёт наступившие вызовы воркерам доставки.
type Broker interface {
	Publish(ctx context.Context, job domain.DispatchJob) error
}

// Sender выполняет одну попытку доставки.
type Sender interface {
	Send(ctx context.Context, job domain.DispatchJob) error
}

type permanent interface {
	Permanent() bool
}

// Config задаёт параметры доставки.
type Config struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	BatchSize    int
}

// Service связывает таймер, брокер и отправителя.
type Service struct {
	timer  Timer
	broker Broker
	sender Sender
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewService создаёт сервис. Без брокера наступившие вызовы доставляются сразу.
func NewService(timer Timer, broker Broker, sender Sender, cfg Config, log zerolog.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Service{
		timer:  timer,
		broker: broker,
		sender: sender,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunTimer опрашивает таймер до отмены контекста.
func (s *Service) RunTimer(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.cfg.PollInterval).Msg("dispatch: таймер запущен")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			n, err := s.Tick(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Error().Err(err).Msg("dispatch: ошибка опроса таймера")
				break
			}
			if n < s.cfg.BatchSize {
				break
			}
		}
	}
}

// Tick забирает наступившие вызовы и передаёт их дальше. Возвращает число обработанных вызовов.
func (s *Service) Tick(ctx context.Context) (int, error) {
	jobs, err := s.timer.PopDue(ctx, s.now(), s.cfg.BatchSize)
	for _, job := range jobs {
		s.handoff(ctx, job)
	}
	if pending, perr := s.timer.Pending(ctx); perr == nil {
		metrics.DispatchPending.Set(float64(pending))
	}
	if err != nil {
		return len(jobs), fmt.Errorf("наступившие вызовы: %w", err)
	}
	return len(jobs), nil
}

func (s *Service) handoff(ctx context.Context, job domain.DispatchJob) {
	if s.broker == nil {
		if err := s.Deliver(ctx, job); err != nil {
			s.log.Error().Err(err).Str("handle", job.Handle).Msg("dispatch: вызов не удалось вернуть в таймер")
		}
		return
	}
	if err := s.broker.Publish(ctx, job); err != nil {
		s.log.Warn().Err(err).Str("handle", job.Handle).Msg("dispatch: брокер недоступен, вызов отложен")
		if rerr := s.timer.Retry(ctx, job, s.now().Add(s.cfg.RetryDelay)); rerr != nil {
			s.log.Error().Err(rerr).Str("handle", job.Handle).Msg("dispatch: вызов потерян")
		}
		return
	}
	metrics.ObserveDelivery("enqueued")
	if err := s.timer.Complete(ctx, job.Handle); err != nil {
		s.log.Warn().Err(err).Str("handle", job.Handle).Msg("dispatch: не удалось удалить тело вызова")
	}
}

// Deliver выполняет попытку доставки. Ошибка 4xx отбрасывает вызов, остальные ошибки
// возвращают его в таймер с линейной задержкой до исчерпания попыток.
// Ошибка возвращается, только если вызов не удалось сохранить для повтора.
func (s *Service) Deliver(ctx context.Context, job domain.DispatchJob) error {
	job.Attempt++
	log := s.log.With().
		Str("handle", job.Handle).
		Str("item", job.Callback.ItemID).
		Int("attempt", job.Attempt).
		Logger()

	err := s.sender.Send(ctx, job)
	if err == nil {
		metrics.ObserveDelivery("delivered")
		log.Debug().Msg("dispatch: вызов доставлен")
		s.complete(ctx, job.Handle)
		return nil
	}

	var perm permanent
	if errors.As(err, &perm) && perm.Permanent() {
		metrics.ObserveDelivery("dropped")
		log.Warn().Err(err).Msg("dispatch: получатель отклонил вызов")
		s.complete(ctx, job.Handle)
		return nil
	}
	if job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts {
		metrics.ObserveDelivery("exhausted")
		log.Error().Err(err).Msg("dispatch: попытки доставки исчерпаны")
		s.complete(ctx, job.Handle)
		return nil
	}

	at := s.now().Add(s.cfg.RetryDelay * time.Duration(job.Attempt))
	if rerr := s.timer.Retry(ctx, job, at); rerr != nil {
		return fmt.Errorf("повтор %s: %w", job.Handle, rerr)
	}
	metrics.ObserveDelivery("retried")
	log.Warn().Err(err).Time("retry_at", at).Msg("dispatch: доставка не удалась, повтор")
	return nil
}

func (s *Service) complete(ctx context.Context, handle string) {
	if err := s.timer.Complete(ctx, handle); err != nil {
		s.log.Warn().Err(err).Str("handle", handle).Msg("dispatch: не удалось удалить тело вызова")
	}
}
