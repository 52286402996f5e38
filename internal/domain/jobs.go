package domain

import "time"

// Callback описывает тело входящего вызова от сервиса отложенной доставки.
type Callback struct {
	ItemID       string       `json:"item_id"`
	OwnerID      string       `json:"owner_id"`
	Content      string       `json:"content"`
	DeliveryMeta DeliveryMeta `json:"delivery_meta"`
}

// DeliveryMeta содержит служебные данные доставки.
type DeliveryMeta struct {
	Handle  string    `json:"handle"`
	Attempt int       `json:"attempt"`
	FireAt  time.Time `json:"fire_at"`
	FiredAt time.Time `json:"fired_at,omitempty"`
}

// DispatchRequest описывает регистрацию отложенного вызова.
type DispatchRequest struct {
	TargetURL string
	Callback  Callback
	FireAt    time.Time
}

// DispatchJob хранит зарегистрированный отложенный вызов.
type DispatchJob struct {
	Handle      string    `json:"handle"`
	TargetURL   string    `json:"target_url"`
	Callback    Callback  `json:"callback"`
	FireAt      time.Time `json:"fire_at"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
}

// CallbackOutcome описывает результат обработки входящего вызова.
type CallbackOutcome string

const (
	// CallbackPosted: пост опубликован.
	CallbackPosted CallbackOutcome = "posted"
	// CallbackFailed: публикация завершилась ошибкой, элемент переведён в failed.
	CallbackFailed CallbackOutcome = "failed"
	// CallbackStale: элемент уже не ожидает публикации.
	CallbackStale CallbackOutcome = "stale"
	// CallbackSuperseded: вызов относится к устаревшей регистрации.
	CallbackSuperseded CallbackOutcome = "superseded"
	// CallbackDuplicate: публикацию уже выполняет другая доставка.
	CallbackDuplicate CallbackOutcome = "duplicate"
	// CallbackMissing: элемент не найден.
	CallbackMissing CallbackOutcome = "missing"
)
