package httpapi

import (
	"errors"
	"net/http"

	"post-queue/internal/domain"
	"post-queue/internal/usecase/queue"
	"post-queue/internal/usecase/schedule"
	"post-queue/internal/usecase/timing"
)

// errorStatus сопоставляет ошибку сценария HTTP-статусу и машинному коду.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNoCapacity):
		return http.StatusConflict, "no_capacity"
	case errors.Is(err, domain.ErrEmptyContent),
		errors.Is(err, timing.ErrInvalidSettings),
		errors.Is(err, schedule.ErrInvalidTimezone),
		errors.Is(err, queue.ErrInvalidHorizon):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrSettingsNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrItemLocked):
		return http.StatusConflict, "publication_in_progress"
	case errors.Is(err, domain.ErrStatusConflict):
		return http.StatusConflict, "status_conflict"
	case errors.Is(err, domain.ErrDispatchPending):
		return http.StatusAccepted, "dispatch_pending"
	}
	return http.StatusInternalServerError, "internal"
}
