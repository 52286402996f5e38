package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

const (
	// DefaultBuffer задаёт минимальный запас времени до публикации нового слота.
	DefaultBuffer = 5 * time.Minute
	// DefaultHorizonDays: на сколько дней вперёд ищется свободный слот.
	DefaultHorizonDays = 30
	// DefaultAllocationAttempts ограничивает число попыток занять слот при гонке.
	DefaultAllocationAttempts = 3
	// DefaultStatusDays задаёт горизонт отчёта по умолчанию.
	DefaultStatusDays = 7
	// MaxStatusDays ограничивает горизонт отчёта.
	MaxStatusDays = 60

	deregisterTimeout = 5 * time.Second
	finalizeTimeout   = 10 * time.Second
)

// ErrInvalidHorizon возвращается при некорректном горизонте отчёта.
var ErrInvalidHorizon = errors.New("invalid status horizon")

// Config задаёт параметры планировщика очереди.
type Config struct {
	// CallbackURL задаёт адрес, который вызовет сервис отложенной доставки.
	CallbackURL string
	// Defaults применяются при первом обращении пользователя.
	Defaults              domain.QueueSettings
	Buffer                time.Duration
	HorizonDays           int
	MaxAllocationAttempts int
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = DefaultHorizonDays
	}
	if c.MaxAllocationAttempts <= 0 {
		c.MaxAllocationAttempts = DefaultAllocationAttempts
	}
	return c
}

// Service реализует планирование очереди постов.
type Service struct {
	repo       domain.QueueRepo
	dispatcher domain.Dispatcher
	publisher  domain.Publisher
	events     domain.QueueEventRepo
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// Option настраивает сервис.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvents включает запись бизнесовых событий.
func WithEvents(events domain.QueueEventRepo) Option {
	return func(s *Service) {
		s.events = events
	}
}

// WithLogger задаёт логгер.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// NewService создаёт сервис очереди.
func NewService(repo domain.QueueRepo, dispatcher domain.Dispatcher, publisher domain.Publisher, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg.withDefaults(),
		log:        zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settings возвращает настройки пользователя, создавая их со значениями по умолчанию.
func (s *Service) Settings(ctx context.Context, ownerID string) (domain.QueueSettings, error) {
	settings, err := s.repo.GetSettings(ctx, ownerID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, domain.ErrSettingsNotFound) {
		return domain.QueueSettings{}, fmt.Errorf("получение настроек: %w", err)
	}
	defaults := s.cfg.Defaults
	defaults.OwnerID = ownerID
	settings, err = s.repo.UpsertSettings(ctx, defaults)
	if err != nil {
		return domain.QueueSettings{}, fmt.Errorf("создание настроек: %w", err)
	}
	s.log.Info().Str("owner", ownerID).Msg("queue: созданы настройки по умолчанию")
	return settings, nil
}

func (s *Service) ownedItem(ctx context.Context, ownerID, itemID string) (domain.QueuedItem, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	if item.OwnerID != ownerID {
		return domain.QueuedItem{}, domain.ErrForbidden
	}
	return item, nil
}

// deregister отменяет регистрацию без влияния на результат вызова.
func (s *Service) deregister(ctx context.Context, handle, itemID string) {
	if handle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deregisterTimeout)
	defer cancel()
	if err := s.dispatcher.Deregister(ctx, handle); err != nil {
		metrics.ObserveDeregistration(err)
		s.log.Warn().Err(err).Str("item", itemID).Str("handle", handle).Msg("queue: не удалось отменить отложенный вызов")
		return
	}
	metrics.ObserveDeregistration(nil)
}

func (s *Service) record(ctx context.Context, event string, item domain.QueuedItem, meta map[string]any) {
	if s.events == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(item.Status)
	if item.QueueDate != nil {
		meta["queue_date"] = item.QueueDate.Format("2006-01-02")
		meta["slot"] = item.Slot
	}
	if item.ScheduledAt != nil {
		meta["scheduled_at"] = item.ScheduledAt
	}
	err := s.events.RecordQueueEvent(ctx, domain.QueueEvent{
		Event:      event,
		OwnerID:    item.OwnerID,
		ItemID:     item.ID,
		Metadata:   meta,
		OccurredAt: s.now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Str("item", item.ID).Msg("queue: не удалось сохранить бизнес-метрику")
	}
}
