// Package publisher содержит приёмники публикаций.
package publisher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

const telegramMessageLimit = 4096

// TelegramAPI описывает часть tgbotapi.BotAPI, нужную публикации.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram публикует посты в канал через Bot API.
type Telegram struct {
	api     TelegramAPI
	chatID  int64
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ domain.Publisher = (*Telegram)(nil)

// NewTelegram создаёт приёмник. rps ограничивает частоту отправки сообщений в процессе.
func NewTelegram(api TelegramAPI, chatID int64, rps float64, log zerolog.Logger) (*Telegram, error) {
	if api == nil {
		return nil, fmt.Errorf("telegram api is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram channel id is required")
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Telegram{
		api:     api,
		chatID:  chatID,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}, nil
}

// Publish отправляет текст, разбивая его на сообщения по лимиту Telegram.
// Идентификатор публикации имеет вид "<chat>:<message>" первого сообщения.
func (t *Telegram) Publish(ctx context.Context, ownerID, content string) (string, error) {
	parts := splitMessage(content, telegramMessageLimit)
	if len(parts) == 0 {
		return "", domain.ErrEmptyContent
	}

	var ref string
	for i, part := range parts {
		if err := t.limiter.Wait(ctx); err != nil {
			return ref, err
		}
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.DisableWebPagePreview = i > 0

		start := time.Now()
		sent, err := t.api.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", strconv.FormatInt(t.chatID, 10), start, err)
		if err != nil {
			if i > 0 {
				t.log.Warn().Str("owner", ownerID).Str("ref", ref).Int("part", i).Msg("publisher: пост опубликован частично")
			}
			return ref, fmt.Errorf("telegram send: %w", err)
		}
		if i == 0 {
			ref = fmt.Sprintf("%d:%d", t.chatID, sent.MessageID)
		}
	}
	t.log.Debug().Str("owner", ownerID).Str("ref", ref).Int("parts", len(parts)).Msg("publisher: пост отправлен в telegram")
	return ref, nil
}

// splitMessage разбивает текст на части не длиннее limit рун, предпочитая границы строк.
func splitMessage(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			if chunk := strings.Trim(string(runes[start:]), "\n"); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := end
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if chunk := strings.Trim(string(runes[start:split]), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}
	return parts
}
