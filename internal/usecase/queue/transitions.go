package queue

import (
	"context"
	"fmt"
	"strings"

	"post-queue/internal/domain"
	"post-queue/internal/usecase/timing"
)

// Cancel возвращает запланированный элемент в черновики и освобождает слот.
func (s *Service) Cancel(ctx context.Context, ownerID, itemID string) (domain.QueuedItem, error) {
	item, err := s.ownedItem(ctx, ownerID, itemID)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	if !item.Status.IsPending() {
		return domain.QueuedItem{}, fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, item.Status, domain.StatusDraft)
	}
	if item.ClaimedAt != nil {
		return domain.QueuedItem{}, domain.ErrItemLocked
	}
	empty := ""
	updated, err := s.repo.UpdateItemStatus(ctx, item.ID, domain.NonTerminalStatuses, domain.ItemUpdate{
		Status:        domain.StatusDraft,
		DispatchError: &empty,
		ClearSchedule: true,
		ReleaseSlot:   true,
	})
	if err != nil {
		return domain.QueuedItem{}, err
	}
	s.deregister(ctx, item.DispatchHandle, item.ID)
	s.record(ctx, domain.QueueEventItemCancelled, updated, map[string]any{"from": string(item.Status)})
	s.log.Info().Str("item", item.ID).Str("owner", ownerID).Msg("queue: элемент возвращён в черновики")
	return updated, nil
}

// Edit меняет текст поста. Для элементов в очереди старая регистрация отменяется,
// слот сохраняется, а при reschedule публикация регистрируется заново.
func (s *Service) Edit(ctx context.Context, ownerID, itemID, content string, reschedule bool) (domain.QueuedItem, error) {
	if strings.TrimSpace(content) == "" {
		return domain.QueuedItem{}, domain.ErrEmptyContent
	}
	item, err := s.ownedItem(ctx, ownerID, itemID)
	if err != nil {
		return domain.QueuedItem{}, err
	}

	switch {
	case item.Status == domain.StatusDraft:
		updated, err := s.repo.UpdateItemStatus(ctx, item.ID, []domain.ItemStatus{domain.StatusDraft}, domain.ItemUpdate{
			Status:  domain.StatusDraft,
			Content: &content,
		})
		if err != nil {
			return domain.QueuedItem{}, err
		}
		s.record(ctx, domain.QueueEventItemEdited, updated, nil)
		return updated, nil
	case item.Status.IsPending():
		if item.ClaimedAt != nil {
			return domain.QueuedItem{}, domain.ErrItemLocked
		}
	default:
		return domain.QueuedItem{}, fmt.Errorf("%w: нельзя изменить элемент в статусе %s", domain.ErrInvalidTransition, item.Status)
	}

	empty := ""
	updated, err := s.repo.UpdateItemStatus(ctx, item.ID, domain.NonTerminalStatuses, domain.ItemUpdate{
		Status:        domain.StatusQueued,
		Content:       &content,
		DispatchError: &empty,
		ClearSchedule: true,
	})
	if err != nil {
		return domain.QueuedItem{}, err
	}
	s.deregister(ctx, item.DispatchHandle, item.ID)
	s.record(ctx, domain.QueueEventItemEdited, updated, map[string]any{"reschedule": reschedule})

	if !reschedule {
		return updated, nil
	}
	return s.Reschedule(ctx, updated)
}

// Reschedule заново вычисляет время публикации элемента в статусе queued и регистрирует вызов.
// Прежний слот сохраняется, если он ещё впереди, иначе подбирается новый.
func (s *Service) Reschedule(ctx context.Context, item domain.QueuedItem) (domain.QueuedItem, error) {
	settings, err := s.Settings(ctx, item.OwnerID)
	if err != nil {
		return item, err
	}
	expected := []domain.ItemStatus{domain.StatusQueued}

	if item.QueueDate != nil {
		instant, offset, err := timing.SlotInstant(*item.QueueDate, item.Slot, settings)
		if err == nil && instant.After(s.now().Add(s.cfg.Buffer)) {
			kept, err := s.repo.AssignSlot(ctx, item.ID, expected, domain.SlotAssignment{
				Date:         *item.QueueDate,
				Slot:         item.Slot,
				MinuteOffset: offset,
				ScheduledAt:  instant,
			})
			if err != nil {
				return item, err
			}
			return s.registerDispatch(ctx, kept)
		}
	}

	moved, err := s.reserve(ctx, item.OwnerID, settings, func(ctx context.Context, slot domain.SlotAssignment) (domain.QueuedItem, error) {
		return s.repo.AssignSlot(ctx, item.ID, expected, slot)
	})
	if err != nil {
		return item, err
	}
	s.log.Info().
		Str("item", item.ID).
		Str("date", moved.QueueDate.Format("2006-01-02")).
		Int("slot", moved.Slot).
		Msg("queue: элемент перенесён в новый слот")
	return s.registerDispatch(ctx, moved)
}

// Delete удаляет незавершённый элемент и отменяет его регистрацию.
func (s *Service) Delete(ctx context.Context, ownerID, itemID string) error {
	item, err := s.ownedItem(ctx, ownerID, itemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return fmt.Errorf("%w: нельзя удалить элемент в статусе %s", domain.ErrInvalidTransition, item.Status)
	}
	if item.ClaimedAt != nil {
		return domain.ErrItemLocked
	}
	if err := s.repo.DeleteItem(ctx, item.ID, ownerID); err != nil {
		return err
	}
	s.deregister(ctx, item.DispatchHandle, item.ID)
	return nil
}
