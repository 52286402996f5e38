package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"post-queue/internal/domain"
	"post-queue/internal/usecase/timing"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// SettingsRepo хранит настройки очереди.
type SettingsRepo interface {
	GetSettings(ctx context.Context, ownerID string) (domain.QueueSettings, error)
	UpsertSettings(ctx context.Context, settings domain.QueueSettings) (domain.QueueSettings, error)
}

// Service отвечает за окно публикаций пользователя.
type Service struct {
	repo     SettingsRepo
	defaults domain.QueueSettings
	log      zerolog.Logger
}

// NewService создаёт сервис.
func NewService(repo SettingsRepo, defaults domain.QueueSettings, log zerolog.Logger) *Service {
	return &Service{repo: repo, defaults: defaults, log: log}
}

// GetSettings возвращает сохранённые настройки или значения по умолчанию.
func (s *Service) GetSettings(ctx context.Context, ownerID string) (domain.QueueSettings, error) {
	settings, err := s.repo.GetSettings(ctx, ownerID)
	if errors.Is(err, domain.ErrSettingsNotFound) {
		settings = s.defaults
		settings.OwnerID = ownerID
		return settings, nil
	}
	if err != nil {
		return domain.QueueSettings{}, fmt.Errorf("получение настроек: %w", err)
	}
	return settings, nil
}

// UpdateSettings проверяет и сохраняет окно публикаций. Уже запланированные элементы не переносятся.
func (s *Service) UpdateSettings(ctx context.Context, ownerID string, settings domain.QueueSettings) (domain.QueueSettings, error) {
	tz, err := normalizeTimezone(settings.Timezone)
	if err != nil {
		return domain.QueueSettings{}, fmt.Errorf("%w: %q", err, settings.Timezone)
	}
	settings.OwnerID = ownerID
	settings.Timezone = tz
	if settings.StartTime, err = normalizeClock(settings.StartTime); err != nil {
		return domain.QueueSettings{}, err
	}
	if settings.EndTime, err = normalizeClock(settings.EndTime); err != nil {
		return domain.QueueSettings{}, err
	}
	if err := timing.Validate(settings); err != nil {
		return domain.QueueSettings{}, err
	}
	saved, err := s.repo.UpsertSettings(ctx, settings)
	if err != nil {
		return domain.QueueSettings{}, fmt.Errorf("сохранение настроек: %w", err)
	}
	s.log.Info().
		Str("owner", ownerID).
		Int("posts_per_day", saved.PostsPerDay).
		Str("window", saved.StartTime+"-"+saved.EndTime).
		Str("tz", saved.Timezone).
		Msg("schedule: настройки обновлены")
	return saved, nil
}

func normalizeClock(raw string) (string, error) {
	minutes, err := timing.ParseClock(raw)
	if err != nil {
		return "", err
	}
	return timing.FormatClock(minutes), nil
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
