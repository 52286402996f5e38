package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
	"post-queue/internal/usecase/timing"
)

type claimFunc func(ctx context.Context, slot domain.SlotAssignment) (domain.QueuedItem, error)

// FindNextAvailableSlot ищет ближайший свободный слот, который наступит позже now + буфер.
func (s *Service) FindNextAvailableSlot(ctx context.Context, ownerID string) (domain.SlotAssignment, error) {
	settings, err := s.Settings(ctx, ownerID)
	if err != nil {
		return domain.SlotAssignment{}, err
	}
	return s.findSlot(ctx, ownerID, settings, s.now())
}

func (s *Service) findSlot(ctx context.Context, ownerID string, settings domain.QueueSettings, now time.Time) (domain.SlotAssignment, error) {
	loc, err := timing.Location(settings)
	if err != nil {
		return domain.SlotAssignment{}, err
	}
	earliest := now.Add(s.cfg.Buffer)
	today := timing.LocalDate(now, loc)
	for day := 0; day < s.cfg.HorizonDays; day++ {
		date := timing.AddDays(today, day)
		occupied, err := s.repo.ListOccupiedSlots(ctx, ownerID, date)
		if err != nil {
			return domain.SlotAssignment{}, fmt.Errorf("занятые слоты на %s: %w", date.Format("2006-01-02"), err)
		}
		taken := make(map[int]struct{}, len(occupied))
		for _, slot := range occupied {
			taken[slot] = struct{}{}
		}
		for slot := 1; slot <= settings.PostsPerDay; slot++ {
			if _, ok := taken[slot]; ok {
				continue
			}
			instant, offset, err := timing.SlotInstant(date, slot, settings)
			if err != nil {
				return domain.SlotAssignment{}, err
			}
			if instant.After(earliest) {
				return domain.SlotAssignment{Date: date, Slot: slot, MinuteOffset: offset, ScheduledAt: instant}, nil
			}
		}
	}
	metrics.CapacityExhausted.Inc()
	return domain.SlotAssignment{}, fmt.Errorf("%w: нет свободных слотов на %d дней вперёд", domain.ErrNoCapacity, s.cfg.HorizonDays)
}

// reserve ищет слот и занимает его через claim, повторяя поиск при гонке за слот.
func (s *Service) reserve(ctx context.Context, ownerID string, settings domain.QueueSettings, claim claimFunc) (domain.QueuedItem, error) {
	for attempt := 1; attempt <= s.cfg.MaxAllocationAttempts; attempt++ {
		slot, err := s.findSlot(ctx, ownerID, settings, s.now())
		if err != nil {
			return domain.QueuedItem{}, err
		}
		item, err := claim(ctx, slot)
		if errors.Is(err, domain.ErrSlotTaken) {
			metrics.AllocationRetries.Inc()
			s.log.Debug().
				Str("owner", ownerID).
				Str("date", slot.Date.Format("2006-01-02")).
				Int("slot", slot.Slot).
				Int("attempt", attempt).
				Msg("queue: слот занят параллельным запросом, повторяем поиск")
			continue
		}
		if err != nil {
			return domain.QueuedItem{}, err
		}
		metrics.SlotsAllocated.Inc()
		return item, nil
	}
	metrics.CapacityExhausted.Inc()
	return domain.QueuedItem{}, fmt.Errorf("%w: слот не удалось занять за %d попыток", domain.ErrNoCapacity, s.cfg.MaxAllocationAttempts)
}

// AddItemToQueue ставит новый пост в ближайший свободный слот и регистрирует отложенную публикацию.
// При ошибке регистрации элемент остаётся queued и возвращается вместе с ErrDispatchPending.
func (s *Service) AddItemToQueue(ctx context.Context, ownerID, content string) (domain.QueuedItem, error) {
	if strings.TrimSpace(content) == "" {
		return domain.QueuedItem{}, domain.ErrEmptyContent
	}
	settings, err := s.Settings(ctx, ownerID)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	item, err := s.reserve(ctx, ownerID, settings, func(ctx context.Context, slot domain.SlotAssignment) (domain.QueuedItem, error) {
		date, at := slot.Date, slot.ScheduledAt
		return s.repo.InsertItem(ctx, domain.QueuedItem{
			ID:           uuid.NewString(),
			OwnerID:      ownerID,
			Content:      content,
			Status:       domain.StatusQueued,
			QueueDate:    &date,
			Slot:         slot.Slot,
			MinuteOffset: slot.MinuteOffset,
			ScheduledAt:  &at,
		})
	})
	if err != nil {
		return domain.QueuedItem{}, err
	}
	s.record(ctx, domain.QueueEventItemQueued, item, nil)
	return s.registerDispatch(ctx, item)
}

// CreateDraft сохраняет пост без слота.
func (s *Service) CreateDraft(ctx context.Context, ownerID, content string) (domain.QueuedItem, error) {
	if strings.TrimSpace(content) == "" {
		return domain.QueuedItem{}, domain.ErrEmptyContent
	}
	item, err := s.repo.InsertItem(ctx, domain.QueuedItem{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Content: content,
		Status:  domain.StatusDraft,
	})
	if err != nil {
		return domain.QueuedItem{}, fmt.Errorf("сохранение черновика: %w", err)
	}
	return item, nil
}

// QueueDraft переводит черновик в очередь (draft → queued) и регистрирует публикацию.
func (s *Service) QueueDraft(ctx context.Context, ownerID, itemID string) (domain.QueuedItem, error) {
	item, err := s.ownedItem(ctx, ownerID, itemID)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	if !domain.CanTransition(item.Status, domain.StatusQueued) || item.Status != domain.StatusDraft {
		return domain.QueuedItem{}, fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, item.Status, domain.StatusQueued)
	}
	settings, err := s.Settings(ctx, ownerID)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	queued, err := s.reserve(ctx, ownerID, settings, func(ctx context.Context, slot domain.SlotAssignment) (domain.QueuedItem, error) {
		return s.repo.AssignSlot(ctx, item.ID, []domain.ItemStatus{domain.StatusDraft}, slot)
	})
	if err != nil {
		return domain.QueuedItem{}, err
	}
	s.record(ctx, domain.QueueEventItemQueued, queued, map[string]any{"from": string(domain.StatusDraft)})
	return s.registerDispatch(ctx, queued)
}

// registerDispatch регистрирует отложенный вызов и переводит элемент в scheduled.
func (s *Service) registerDispatch(ctx context.Context, item domain.QueuedItem) (domain.QueuedItem, error) {
	if item.ScheduledAt == nil {
		return item, fmt.Errorf("%w: у элемента нет времени публикации", domain.ErrDispatchPending)
	}
	handle, err := s.dispatcher.Register(ctx, domain.DispatchRequest{
		TargetURL: s.cfg.CallbackURL,
		Callback: domain.Callback{
			ItemID:  item.ID,
			OwnerID: item.OwnerID,
			Content: item.Content,
		},
		FireAt: *item.ScheduledAt,
	})
	metrics.ObserveRegistration(err)
	if err != nil {
		s.log.Error().Err(err).Str("item", item.ID).Str("owner", item.OwnerID).Msg("queue: не удалось зарегистрировать отложенный вызов")
		reason := err.Error()
		updated, uerr := s.repo.UpdateItemStatus(ctx, item.ID, []domain.ItemStatus{domain.StatusQueued}, domain.ItemUpdate{
			Status:        domain.StatusQueued,
			DispatchError: &reason,
		})
		if uerr != nil {
			s.log.Error().Err(uerr).Str("item", item.ID).Msg("queue: не удалось сохранить ошибку регистрации")
			updated = item
			updated.DispatchError = reason
		}
		s.record(ctx, domain.QueueEventDispatchFailed, updated, map[string]any{"error": reason})
		return updated, fmt.Errorf("%w: %v", domain.ErrDispatchPending, err)
	}

	empty := ""
	updated, err := s.repo.UpdateItemStatus(ctx, item.ID, []domain.ItemStatus{domain.StatusQueued}, domain.ItemUpdate{
		Status:         domain.StatusScheduled,
		DispatchHandle: &handle,
		DispatchError:  &empty,
	})
	if err != nil {
		// Элемент изменился или запись не удалась: регистрация без сохранённого handle не нужна.
		s.deregister(ctx, handle, item.ID)
		if errors.Is(err, domain.ErrStatusConflict) {
			// Сверка могла зарегистрировать элемент раньше запроса.
			current, gerr := s.repo.GetItem(ctx, item.ID)
			if gerr == nil && current.Status == domain.StatusScheduled && current.DispatchHandle != "" {
				s.log.Info().Str("item", item.ID).Str("handle", current.DispatchHandle).Msg("queue: элемент уже зарегистрирован другой попыткой")
				return current, nil
			}
			return domain.QueuedItem{}, err
		}
		if errors.Is(err, domain.ErrItemNotFound) || errors.Is(err, domain.ErrItemLocked) {
			return domain.QueuedItem{}, err
		}
		s.log.Error().Err(err).Str("item", item.ID).Msg("queue: не удалось сохранить handle отложенного вызова")
		return item, fmt.Errorf("%w: %v", domain.ErrDispatchPending, err)
	}
	s.record(ctx, domain.QueueEventItemScheduled, updated, nil)
	return updated, nil
}
