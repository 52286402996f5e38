// Package reconcile восстанавливает согласованность между очередью и сервисом отложенной доставки.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

// InterruptedReason записывается в элементы, публикация которых оборвалась после захвата.
const InterruptedReason = "publication interrupted"

const (
	defaultBatchSize     = 100
	defaultClaimTimeout  = 10 * time.Minute
	defaultOverdueAfter  = 30 * time.Minute
	defaultDispatchGrace = time.Minute
)

// Repo описывает часть хранилища, нужную сверке.
type Repo interface {
	ListMissingDispatch(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.QueuedItem, error)
	ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.QueuedItem, error)
	ListOverdueScheduled(ctx context.Context, scheduledBefore time.Time, limit int) ([]domain.QueuedItem, error)
	UpdateItemStatus(ctx context.Context, itemID string, expected []domain.ItemStatus, update domain.ItemUpdate) (domain.QueuedItem, error)
}

// Rescheduler повторно регистрирует отложенный вызов элемента.
type Rescheduler interface {
	Reschedule(ctx context.Context, item domain.QueuedItem) (domain.QueuedItem, error)
}

// Config задаёт параметры сверки.
type Config struct {
	BatchSize    int
	ClaimTimeout time.Duration
	// OverdueAfter: через сколько после времени публикации scheduled элемент считается потерянным.
	OverdueAfter time.Duration
	// DispatchGrace оставляет запросу время зарегистрировать только что занятый слот.
	DispatchGrace time.Duration
}

// Result содержит итоги одного прохода.
type Result struct {
	Redispatched int
	StillPending int
	Interrupted  int
	Overdue      int
}

// Service выполняет сверку.
type Service struct {
	repo   Repo
	queue  Rescheduler
	events domain.QueueEventRepo
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

// NewService создаёт сервис сверки.
func NewService(repo Repo, queue Rescheduler, events domain.QueueEventRepo, cfg Config, log zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = defaultOverdueAfter
	}
	if cfg.DispatchGrace <= 0 {
		cfg.DispatchGrace = defaultDispatchGrace
	}
	return &Service{
		repo:   repo,
		queue:  queue,
		events: events,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep повторно регистрирует элементы без handle или с потерянным вызовом
// и закрывает зависшие публикации.
func (s *Service) Sweep(ctx context.Context) (Result, error) {
	var res Result

	overdue, err := s.repo.ListOverdueScheduled(ctx, s.now().Add(-s.cfg.OverdueAfter), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("просроченные элементы: %w", err)
	}
	for _, item := range overdue {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		requeued, err := s.repo.UpdateItemStatus(ctx, item.ID, []domain.ItemStatus{domain.StatusScheduled}, domain.ItemUpdate{
			Status:        domain.StatusQueued,
			ClearSchedule: true,
		})
		if err != nil {
			if !errors.Is(err, domain.ErrStatusConflict) && !errors.Is(err, domain.ErrItemLocked) && !errors.Is(err, domain.ErrItemNotFound) {
				s.log.Error().Err(err).Str("item", item.ID).Msg("reconcile: не удалось вернуть просроченный элемент в очередь")
			}
			continue
		}
		res.Overdue++
		s.log.Warn().
			Str("item", item.ID).
			Str("handle", item.DispatchHandle).
			Time("scheduled_at", *item.ScheduledAt).
			Msg("reconcile: отложенный вызов не сработал, элемент переносится")
		s.redispatch(ctx, requeued, &res)
	}

	missing, err := s.repo.ListMissingDispatch(ctx, s.now().Add(-s.cfg.DispatchGrace), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("элементы без регистрации: %w", err)
	}
	for _, item := range missing {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.redispatch(ctx, item, &res)
	}

	stale, err := s.repo.ListStaleClaims(ctx, s.now().Add(-s.cfg.ClaimTimeout), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("зависшие публикации: %w", err)
	}
	reason := InterruptedReason
	empty := ""
	for _, item := range stale {
		failed, err := s.repo.UpdateItemStatus(ctx, item.ID, domain.NonTerminalStatuses, domain.ItemUpdate{
			Status:         domain.StatusFailed,
			FailureReason:  &reason,
			DispatchHandle: &empty,
			AllowClaimed:   true,
		})
		if errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrItemNotFound) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("item", item.ID).Msg("reconcile: не удалось закрыть зависшую публикацию")
			continue
		}
		res.Interrupted++
		metrics.ObserveReconciled("interrupted")
		s.record(ctx, failed, "interrupted")
		s.log.Warn().Str("item", item.ID).Time("claimed_at", *item.ClaimedAt).Msg("reconcile: публикация прервана")
	}
	return res, nil
}

func (s *Service) redispatch(ctx context.Context, item domain.QueuedItem, res *Result) {
	updated, err := s.queue.Reschedule(ctx, item)
	switch {
	case err == nil:
		res.Redispatched++
		metrics.ObserveReconciled("redispatched")
		s.record(ctx, updated, "redispatched")
		s.log.Info().Str("item", item.ID).Time("scheduled_at", *updated.ScheduledAt).Msg("reconcile: регистрация восстановлена")
	case errors.Is(err, domain.ErrDispatchPending):
		res.StillPending++
		metrics.ObserveReconciled("pending")
		s.log.Warn().Err(err).Str("item", item.ID).Msg("reconcile: регистрация снова не удалась")
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrItemLocked):
		// Элемент изменился между выборкой и обработкой.
	default:
		metrics.ObserveReconciled("error")
		s.log.Error().Err(err).Str("item", item.ID).Msg("reconcile: не удалось восстановить регистрацию")
	}
}

func (s *Service) record(ctx context.Context, item domain.QueuedItem, result string) {
	if s.events == nil {
		return
	}
	err := s.events.RecordQueueEvent(ctx, domain.QueueEvent{
		Event:      domain.QueueEventItemReconciled,
		OwnerID:    item.OwnerID,
		ItemID:     item.ID,
		Metadata:   map[string]any{"result": result, "status": string(item.Status)},
		OccurredAt: s.now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("item", item.ID).Msg("reconcile: не удалось сохранить бизнес-метрику")
	}
}
