package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	httpinfra "post-queue/internal/infra/http"
	"post-queue/internal/infra/metrics"
)

type ownerKey struct{}

func ownerID(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

// requireOwner достаёт владельца из заголовка шлюза.
func (h *Handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			httpinfra.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", errors.New("missing "+OwnerHeader))
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit ограничивает число запросов владельца в окне. При недоступности хранилища запрос пропускается.
func (h *Handler) rateLimit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if h.limiter == nil || h.cfg.RateLimit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := ownerID(r)
			allowed, err := h.limiter.Allow(r.Context(), route+":"+owner, h.cfg.RateLimit, h.cfg.RateWindow)
			if err != nil {
				h.log.Warn().Err(err).Str("owner", owner).Msg("api: ограничитель недоступен")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				metrics.RateLimited.WithLabelValues(route).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.RateWindow.Seconds())))
				httpinfra.WriteErrorCode(w, http.StatusTooManyRequests, "rate_limited", errors.New("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
