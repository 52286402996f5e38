// Package httpapi описывает HTTP API очереди публикаций.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"post-queue/internal/domain"
	httpinfra "post-queue/internal/infra/http"
	"post-queue/internal/usecase/queue"
)

// OwnerHeader содержит идентификатор владельца, проставленный шлюзом авторизации.
const OwnerHeader = "X-Owner-ID"

const maxRequestBody = 1 << 20

// QueueService описывает операции очереди, доступные через API.
type QueueService interface {
	AddItemToQueue(ctx context.Context, ownerID, content string) (domain.QueuedItem, error)
	CreateDraft(ctx context.Context, ownerID, content string) (domain.QueuedItem, error)
	QueueDraft(ctx context.Context, ownerID, itemID string) (domain.QueuedItem, error)
	Cancel(ctx context.Context, ownerID, itemID string) (domain.QueuedItem, error)
	Edit(ctx context.Context, ownerID, itemID, content string, reschedule bool) (domain.QueuedItem, error)
	Delete(ctx context.Context, ownerID, itemID string) error
	GetQueueStatus(ctx context.Context, ownerID string, days int) (domain.QueueStatus, error)
	HandleCallback(ctx context.Context, cb domain.Callback) (domain.CallbackOutcome, error)
}

// SettingsService читает и меняет окно публикаций.
type SettingsService interface {
	GetSettings(ctx context.Context, ownerID string) (domain.QueueSettings, error)
	UpdateSettings(ctx context.Context, ownerID string, settings domain.QueueSettings) (domain.QueueSettings, error)
}

// Config задаёт параметры API.
type Config struct {
	CallbackSecret  string
	SignatureMaxAge time.Duration
	RateLimit       int
	RateWindow      time.Duration
}

// Handler обслуживает маршруты API.
type Handler struct {
	queue    QueueService
	settings SettingsService
	limiter  domain.RateLimiter
	cfg      Config
	log      zerolog.Logger
}

// NewHandler создаёт обработчик. limiter может быть nil.
func NewHandler(queue QueueService, settings SettingsService, limiter domain.RateLimiter, cfg Config, log zerolog.Logger) *Handler {
	if cfg.SignatureMaxAge <= 0 {
		cfg.SignatureMaxAge = httpinfra.DefaultSignatureMaxAge
	}
	return &Handler{queue: queue, settings: settings, limiter: limiter, cfg: cfg, log: log}
}

// Routes регистрирует маршруты на роутере.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(api chi.Router) {
		api.Use(h.requireOwner)
		api.Use(h.rateLimit("api"))

		api.Post("/api/v1/queue", h.addItem)
		api.Get("/api/v1/queue/status", h.queueStatus)
		api.Put("/api/v1/queue/{id}", h.editItem)
		api.Delete("/api/v1/queue/{id}", h.deleteItem)
		api.Post("/api/v1/queue/{id}/cancel", h.cancelItem)
		api.Post("/api/v1/drafts", h.createDraft)
		api.Post("/api/v1/drafts/{id}/queue", h.queueDraft)
		api.Get("/api/v1/settings", h.getSettings)
		api.Put("/api/v1/settings", h.updateSettings)
	})

	r.With(httpinfra.SignatureMiddleware(h.cfg.CallbackSecret, h.cfg.SignatureMaxAge)).
		Post("/internal/dispatch/callback", h.dispatchCallback)
}

type contentRequest struct {
	Content    string `json:"content"`
	Reschedule *bool  `json:"reschedule,omitempty"`
}

type settingsRequest struct {
	PostsPerDay int    `json:"posts_per_day"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Timezone    string `json:"timezone"`
}

type itemResponse struct {
	Item           domain.QueuedItem `json:"item"`
	DispatchStatus string            `json:"dispatch_status"`
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	item, err := h.queue.AddItemToQueue(r.Context(), ownerID(r), req.Content)
	h.writeItem(w, r, http.StatusCreated, item, err)
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	item, err := h.queue.CreateDraft(r.Context(), ownerID(r), req.Content)
	h.writeItem(w, r, http.StatusCreated, item, err)
}

func (h *Handler) queueDraft(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.QueueDraft(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	h.writeItem(w, r, http.StatusOK, item, err)
}

func (h *Handler) cancelItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.Cancel(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	h.writeItem(w, r, http.StatusOK, item, err)
}

func (h *Handler) editItem(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reschedule := true
	if req.Reschedule != nil {
		reschedule = *req.Reschedule
	}
	item, err := h.queue.Edit(r.Context(), ownerID(r), chi.URLParam(r, "id"), req.Content, reschedule)
	h.writeItem(w, r, http.StatusOK, item, err)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Delete(r.Context(), ownerID(r), chi.URLParam(r, "id")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	days := queue.DefaultStatusDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpinfra.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("days must be an integer"))
			return
		}
		days = n
	}
	status, err := h.queue.GetQueueStatus(r.Context(), ownerID(r), days)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.GetSettings(r.Context(), ownerID(r))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	settings, err := h.settings.UpdateSettings(r.Context(), ownerID(r), domain.QueueSettings{
		PostsPerDay: req.PostsPerDay,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Timezone:    req.Timezone,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) dispatchCallback(w http.ResponseWriter, r *http.Request) {
	var cb domain.Callback
	if !decodeJSON(w, r, &cb) {
		return
	}
	if cb.ItemID == "" || cb.DeliveryMeta.Handle == "" {
		httpinfra.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("item_id and delivery_meta.handle are required"))
		return
	}
	outcome, err := h.queue.HandleCallback(r.Context(), cb)
	if err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			h.log.Warn().Str("item", cb.ItemID).Str("owner", cb.OwnerID).Msg("api: вызов с чужим владельцем")
		}
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (h *Handler) writeItem(w http.ResponseWriter, r *http.Request, status int, item domain.QueuedItem, err error) {
	if errors.Is(err, domain.ErrDispatchPending) && item.ID != "" {
		writeJSON(w, http.StatusAccepted, itemResponse{Item: item, DispatchStatus: "pending"})
		return
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	dispatch := "none"
	switch {
	case item.Status == domain.StatusScheduled:
		dispatch = "registered"
	case item.NeedsDispatch():
		dispatch = "pending"
	}
	writeJSON(w, status, itemResponse{Item: item, DispatchStatus: dispatch})
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", httpinfra.RequestID(r)).Str("path", r.URL.Path).Msg("api: ошибка обработки запроса")
		httpinfra.WriteErrorCode(w, status, code, errors.New("internal error"))
		return
	}
	httpinfra.WriteErrorCode(w, status, code, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		httpinfra.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
