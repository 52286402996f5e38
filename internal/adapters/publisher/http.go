package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

// HTTP публикует посты во внешний сервис публикации.
type HTTP struct {
	endpoint   *url.URL
	token      string
	httpClient *http.Client
}

var _ domain.Publisher = (*HTTP)(nil)

type HTTPOption func(*HTTP)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		if client != nil {
			h.httpClient = client
		}
	}
}

func WithTimeout(timeout time.Duration) HTTPOption {
	return func(h *HTTP) {
		if timeout > 0 {
			h.httpClient.Timeout = timeout
		}
	}
}

// WithToken задаёт bearer-токен сервиса публикации.
func WithToken(token string) HTTPOption {
	return func(h *HTTP) {
		h.token = token
	}
}

type publishRequest struct {
	OwnerID string `json:"owner_id"`
	Content string `json:"content"`
}

type publishResponse struct {
	Ref   string `json:"ref"`
	Error string `json:"error"`
}

func NewHTTP(endpoint string, opts ...HTTPOption) (*HTTP, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("publisher endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse publisher url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	h := &HTTP{
		endpoint:   parsed,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Publish отправляет пост и возвращает идентификатор публикации из ответа.
func (h *HTTP) Publish(ctx context.Context, ownerID, content string) (string, error) {
	raw, err := json.Marshal(publishRequest{OwnerID: ownerID, Content: content})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint.String(), bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	metrics.ObserveNetworkRequest("publisher", "publish", h.endpoint.Host, start, err)
	if err != nil {
		return "", fmt.Errorf("publisher request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var out publishResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return "", fmt.Errorf("publisher error: status=%d message=%s", resp.StatusCode, msg)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("publisher response has no ref")
	}
	return out.Ref, nil
}
