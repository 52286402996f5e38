package domain

import (
	"context"
	"time"
)

// QueueEvent описывает бизнесовое событие очереди, которое сохраняется для последующего анализа.
type QueueEvent struct {
	Event      string
	OwnerID    string
	ItemID     string
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// QueueEventItemQueued фиксирует резервирование слота.
	QueueEventItemQueued = "item_queued"
	// QueueEventItemScheduled фиксирует регистрацию отложенного вызова.
	QueueEventItemScheduled = "item_scheduled"
	// QueueEventDispatchFailed фиксирует неудачную регистрацию отложенного вызова.
	QueueEventDispatchFailed = "item_dispatch_failed"
	// QueueEventItemCancelled фиксирует возврат элемента в черновики.
	QueueEventItemCancelled = "item_cancelled"
	// QueueEventItemEdited фиксирует изменение текста поста.
	QueueEventItemEdited = "item_edited"
	// QueueEventItemPosted фиксирует успешную публикацию.
	QueueEventItemPosted = "item_posted"
	// QueueEventItemFailed фиксирует ошибку публикации.
	QueueEventItemFailed = "item_failed"
	// QueueEventItemReconciled фиксирует восстановление регистрации сверкой.
	QueueEventItemReconciled = "item_reconciled"
)

// QueueEventRepo сохраняет бизнесовые события очереди.
type QueueEventRepo interface {
	RecordQueueEvent(ctx context.Context, event QueueEvent) error
}
