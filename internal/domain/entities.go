package domain

import "time"

// QueueSettings описывает окно публикаций пользователя.
type QueueSettings struct {
	OwnerID     string    `json:"owner_id"`
	PostsPerDay int       `json:"posts_per_day"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QueuedItem представляет пост в очереди на публикацию.
type QueuedItem struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Content        string     `json:"content"`
	Status         ItemStatus `json:"status"`
	QueueDate      *time.Time `json:"queue_date,omitempty"`
	Slot           int        `json:"slot,omitempty"`
	MinuteOffset   int        `json:"minute_offset"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	DispatchHandle string     `json:"dispatch_handle,omitempty"`
	DispatchError  string     `json:"dispatch_error,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	PublishedRef   string     `json:"published_ref,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NeedsDispatch сообщает, что элемент занимает слот, но не имеет активной регистрации.
func (i QueuedItem) NeedsDispatch() bool {
	return i.Status == StatusQueued && i.DispatchHandle == "" && i.ClaimedAt == nil
}

// SlotAssignment описывает выбранный слот и вычисленное время публикации.
type SlotAssignment struct {
	Date         time.Time
	Slot         int
	MinuteOffset int
	ScheduledAt  time.Time
}

// DayStatus содержит сводку очереди за один календарный день.
type DayStatus struct {
	Date     time.Time    `json:"date"`
	Occupied int          `json:"occupied"`
	Capacity int          `json:"capacity"`
	Items    []QueuedItem `json:"items"`
}

// QueueStatus объединяет сводки по дням.
type QueueStatus struct {
	OwnerID  string        `json:"owner_id"`
	Timezone string        `json:"timezone"`
	Days     []DayStatus   `json:"days"`
	Settings QueueSettings `json:"settings"`
}
