package callbackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"post-queue/internal/domain"
	httpinfra "post-queue/internal/infra/http"
	"post-queue/internal/infra/metrics"
)

// StatusError описывает ответ получателя с кодом вне 2xx.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback rejected: status=%d message=%s", e.Status, e.Body)
}

// Permanent сообщает, что повтор не поможет.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// Client отправляет подписанные вызовы на адрес из задачи.
type Client struct {
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

func New(secret string, opts ...Option) (*Client, error) {
	if secret == "" {
		return nil, fmt.Errorf("callback secret is required")
	}
	client := &Client{
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Send выполняет одну попытку доставки. Номер попытки берётся из job.Attempt.
func (c *Client) Send(ctx context.Context, job domain.DispatchJob) error {
	cb := job.Callback
	cb.DeliveryMeta.Handle = job.Handle
	cb.DeliveryMeta.Attempt = job.Attempt
	cb.DeliveryMeta.FireAt = job.FireAt
	cb.DeliveryMeta.FiredAt = c.now().UTC()

	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	sig, err := httpinfra.Sign(c.secret, body, c.now())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	sig.Apply(req.Header)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("callback", "deliver", req.URL.Host, start, err)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
