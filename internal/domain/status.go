package domain

// ItemStatus описывает состояние элемента очереди.
type ItemStatus string

const (
	// StatusDraft — черновик без слота.
	StatusDraft ItemStatus = "draft"
	// StatusQueued — слот занят, регистрация отложенного вызова не подтверждена.
	StatusQueued ItemStatus = "queued"
	// StatusScheduled — слот занят и отложенный вызов зарегистрирован.
	StatusScheduled ItemStatus = "scheduled"
	// StatusPosted: пост опубликован.
	StatusPosted ItemStatus = "posted"
	// StatusFailed: публикация завершилась ошибкой.
	StatusFailed ItemStatus = "failed"
)

// NonTerminalStatuses перечисляет статусы, которые занимают слот.
var NonTerminalStatuses = []ItemStatus{StatusQueued, StatusScheduled}

var transitions = map[ItemStatus][]ItemStatus{
	StatusDraft:     {StatusQueued},
	StatusQueued:    {StatusScheduled, StatusQueued, StatusDraft, StatusPosted, StatusFailed},
	StatusScheduled: {StatusQueued, StatusDraft, StatusPosted, StatusFailed},
}

// Valid проверяет, что статус известен.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusScheduled, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal возвращает true для posted и failed.
func (s ItemStatus) IsTerminal() bool {
	return s == StatusPosted || s == StatusFailed
}

// IsPending возвращает true для queued и scheduled.
func (s ItemStatus) IsPending() bool {
	return s == StatusQueued || s == StatusScheduled
}

// CanTransition проверяет допустимость перехода.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
