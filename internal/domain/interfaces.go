package domain

import (
	"context"
	"time"
)

// ItemUpdate описывает изменение элемента очереди при смене статуса.
// Nil-поля не изменяются.
type ItemUpdate struct {
	Status         ItemStatus
	Content        *string
	ScheduledAt    *time.Time
	DispatchHandle *string
	DispatchError  *string
	PublishedRef   *string
	FailureReason  *string
	// ClearSchedule обнуляет scheduled_at и dispatch_handle.
	ClearSchedule bool
	// ReleaseSlot освобождает дату и слот.
	ReleaseSlot bool
	// AllowClaimed разрешает обновление элемента с активным захватом публикации.
	AllowClaimed bool
}

// QueueRepo управляет элементами очереди и настройками.
type QueueRepo interface {
	GetSettings(ctx context.Context, ownerID string) (QueueSettings, error)
	UpsertSettings(ctx context.Context, settings QueueSettings) (QueueSettings, error)
	// ListOccupiedSlots возвращает слоты незавершённых элементов на дату.
	ListOccupiedSlots(ctx context.Context, ownerID string, date time.Time) ([]int, error)
	// InsertItem сохраняет элемент; при конфликте слота возвращает ErrSlotTaken.
	InsertItem(ctx context.Context, item QueuedItem) (QueuedItem, error)
	// AssignSlot закрепляет слот за существующим элементом и переводит его в queued.
	AssignSlot(ctx context.Context, itemID string, expected []ItemStatus, slot SlotAssignment) (QueuedItem, error)
	GetItem(ctx context.Context, itemID string) (QueuedItem, error)
	// UpdateItemStatus применяет изменение, только если текущий статус входит в expected.
	UpdateItemStatus(ctx context.Context, itemID string, expected []ItemStatus, update ItemUpdate) (QueuedItem, error)
	// ClaimForPublish атомарно захватывает элемент для публикации по текущему handle.
	ClaimForPublish(ctx context.Context, itemID, handle string) (QueuedItem, bool, error)
	ListItems(ctx context.Context, ownerID string, from, to time.Time) ([]QueuedItem, error)
	DeleteItem(ctx context.Context, itemID, ownerID string) error
	// ListMissingDispatch возвращает queued элементы без handle, не менявшиеся с updatedBefore.
	ListMissingDispatch(ctx context.Context, updatedBefore time.Time, limit int) ([]QueuedItem, error)
	ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]QueuedItem, error)
	// ListOverdueScheduled возвращает scheduled элементы без захвата, чьё время публикации давно прошло.
	ListOverdueScheduled(ctx context.Context, scheduledBefore time.Time, limit int) ([]QueuedItem, error)
}

// Dispatcher регистрирует и отменяет отложенные вызовы.
type Dispatcher interface {
	Register(ctx context.Context, req DispatchRequest) (string, error)
	Deregister(ctx context.Context, handle string) error
}

// Publisher публикует пост и возвращает идентификатор публикации.
// При частичной отправке идентификатор возвращается вместе с ошибкой.
type Publisher interface {
	Publish(ctx context.Context, ownerID, content string) (string, error)
}

// RateLimiter считает запросы во внешнем общем хранилище.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
