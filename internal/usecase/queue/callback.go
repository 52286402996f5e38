package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

// HandleCallback обрабатывает вызов сервиса отложенной доставки.
// Повторные и устаревшие вызовы завершаются без побочных эффектов.
func (s *Service) HandleCallback(ctx context.Context, cb domain.Callback) (domain.CallbackOutcome, error) {
	log := s.log.With().
		Str("item", cb.ItemID).
		Str("owner", cb.OwnerID).
		Str("handle", cb.DeliveryMeta.Handle).
		Int("attempt", cb.DeliveryMeta.Attempt).
		Logger()

	item, err := s.repo.GetItem(ctx, cb.ItemID)
	if errors.Is(err, domain.ErrItemNotFound) {
		log.Info().Msg("queue: элемент для вызова не найден")
		metrics.ObserveCallback(domain.CallbackMissing)
		return domain.CallbackMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("получение элемента: %w", err)
	}
	if item.OwnerID != cb.OwnerID {
		log.Warn().Msg("queue: владелец в вызове не совпадает")
		return "", domain.ErrForbidden
	}
	if !item.Status.IsPending() {
		log.Info().Str("status", string(item.Status)).Msg("queue: элемент уже не ожидает публикации")
		metrics.ObserveCallback(domain.CallbackStale)
		return domain.CallbackStale, nil
	}
	if item.DispatchHandle != cb.DeliveryMeta.Handle {
		log.Info().Str("current_handle", item.DispatchHandle).Msg("queue: вызов относится к устаревшей регистрации")
		metrics.ObserveCallback(domain.CallbackSuperseded)
		return domain.CallbackSuperseded, nil
	}

	claimed, ok, err := s.repo.ClaimForPublish(ctx, item.ID, cb.DeliveryMeta.Handle)
	if err != nil {
		return "", fmt.Errorf("захват публикации: %w", err)
	}
	if !ok {
		log.Info().Msg("queue: публикацию уже выполняет другая доставка")
		metrics.ObserveCallback(domain.CallbackDuplicate)
		return domain.CallbackDuplicate, nil
	}

	// Текст берётся из хранилища: тело вызова могло устареть после редактирования.
	start := time.Now()
	ref, pubErr := s.publisher.Publish(ctx, claimed.OwnerID, claimed.Content)
	metrics.ObservePublish(start, pubErr)

	// Пост уже ушёл во внешний сервис: итог фиксируется, даже если входящий запрос оборвался.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	empty := ""
	pending := domain.NonTerminalStatuses
	if pubErr != nil {
		reason := pubErr.Error()
		update := domain.ItemUpdate{
			Status:         domain.StatusFailed,
			FailureReason:  &reason,
			DispatchHandle: &empty,
			AllowClaimed:   true,
		}
		if ref != "" {
			// Часть поста уже опубликована.
			reason = fmt.Sprintf("%s (partially published as %s)", reason, ref)
			update.PublishedRef = &ref
			log.Warn().Str("ref", ref).Msg("queue: пост опубликован частично")
		}
		failed, err := s.repo.UpdateItemStatus(wctx, item.ID, pending, update)
		if err != nil {
			return "", fmt.Errorf("фиксация ошибки публикации: %w", err)
		}
		log.Error().Err(pubErr).Msg("queue: публикация завершилась ошибкой")
		s.record(wctx, domain.QueueEventItemFailed, failed, map[string]any{"reason": reason, "ref": ref})
		metrics.ObserveCallback(domain.CallbackFailed)
		return domain.CallbackFailed, nil
	}

	posted, err := s.repo.UpdateItemStatus(wctx, item.ID, pending, domain.ItemUpdate{
		Status:         domain.StatusPosted,
		PublishedRef:   &ref,
		DispatchHandle: &empty,
		AllowClaimed:   true,
	})
	if err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("queue: пост опубликован, но статус не сохранён")
		return "", fmt.Errorf("фиксация публикации %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("queue: пост опубликован")
	s.record(wctx, domain.QueueEventItemPosted, posted, map[string]any{"ref": ref})
	metrics.ObserveCallback(domain.CallbackPosted)
	return domain.CallbackPosted, nil
}
