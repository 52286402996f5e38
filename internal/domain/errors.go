package domain

import "errors"

var (
	// ErrNoCapacity возвращается, когда в пределах горизонта нет свободного слота.
	ErrNoCapacity = errors.New("queue is full for the scan horizon")

	// ErrSlotTaken возвращается хранилищем при нарушении уникальности (owner, date, slot).
	ErrSlotTaken = errors.New("slot already taken")

	// ErrDispatchPending означает частичный успех: элемент сохранён, но отложенный вызов не зарегистрирован.
	ErrDispatchPending = errors.New("dispatch registration pending")

	// ErrItemNotFound возвращается, когда элемент очереди не найден.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrSettingsNotFound возвращается, когда настройки очереди ещё не созданы.
	ErrSettingsNotFound = errors.New("queue settings not found")

	// ErrForbidden возвращается при несовпадении владельца.
	ErrForbidden = errors.New("item belongs to another owner")

	// ErrInvalidTransition возвращается при недопустимом переходе статуса.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusConflict возвращается, когда статус изменился между чтением и записью.
	ErrStatusConflict = errors.New("item status changed concurrently")

	// ErrItemLocked возвращается, когда публикация элемента уже выполняется.
	ErrItemLocked = errors.New("item publication in progress")

	// ErrEmptyContent возвращается при пустом тексте поста.
	ErrEmptyContent = errors.New("content is empty")
)
