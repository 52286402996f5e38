package queue

import (
	"context"
	"fmt"
	"sort"

	"post-queue/internal/domain"
	"post-queue/internal/usecase/timing"
)

// GetQueueStatus возвращает занятость слотов на days дней начиная с сегодняшнего дня владельца.
func (s *Service) GetQueueStatus(ctx context.Context, ownerID string, days int) (domain.QueueStatus, error) {
	if days < 1 || days > MaxStatusDays {
		return domain.QueueStatus{}, fmt.Errorf("%w: days must be in [1, %d]", ErrInvalidHorizon, MaxStatusDays)
	}
	settings, err := s.Settings(ctx, ownerID)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	loc, err := timing.Location(settings)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	today := timing.LocalDate(s.now(), loc)
	last := timing.AddDays(today, days-1)

	items, err := s.repo.ListItems(ctx, ownerID, today, last)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("элементы очереди: %w", err)
	}

	byDate := make(map[string][]domain.QueuedItem, days)
	for _, item := range items {
		if item.QueueDate == nil {
			continue
		}
		key := item.QueueDate.Format("2006-01-02")
		byDate[key] = append(byDate[key], item)
	}

	status := domain.QueueStatus{
		OwnerID:  ownerID,
		Timezone: settings.Timezone,
		Settings: settings,
		Days:     make([]domain.DayStatus, 0, days),
	}
	for i := 0; i < days; i++ {
		date := timing.AddDays(today, i)
		dayItems := byDate[date.Format("2006-01-02")]
		sort.SliceStable(dayItems, func(a, b int) bool {
			if dayItems[a].Slot != dayItems[b].Slot {
				return dayItems[a].Slot < dayItems[b].Slot
			}
			return dayItems[a].CreatedAt.Before(dayItems[b].CreatedAt)
		})
		occupied := 0
		for _, item := range dayItems {
			if item.Status.IsPending() {
				occupied++
			}
		}
		if dayItems == nil {
			dayItems = []domain.QueuedItem{}
		}
		status.Days = append(status.Days, domain.DayStatus{
			Date:     date,
			Occupied: occupied,
			Capacity: settings.PostsPerDay,
			Items:    dayItems,
		})
	}
	return status, nil
}
