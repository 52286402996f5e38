package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

// Postgres реализует репозитории очереди на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.QueueRepo      = (*Postgres)(nil)
	_ domain.QueueEventRepo = (*Postgres)(nil)
)

const uniqueViolation = "23505"

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// GetSettings реализует domain.QueueRepo.
func (p *Postgres) GetSettings(ctx context.Context, ownerID string) (domain.QueueSettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var s domain.QueueSettings
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT owner_id, posts_per_day, start_time, end_time, timezone, created_at, updated_at
FROM queue_settings WHERE owner_id=$1
`, ownerID).Scan(&s.OwnerID, &s.PostsPerDay, &s.StartTime, &s.EndTime, &s.Timezone, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "queue_settings_get", "queue_settings", start, nil)
		return domain.QueueSettings{}, domain.ErrSettingsNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "queue_settings_get", "queue_settings", start, err)
	return s, err
}

// UpsertSettings реализует domain.QueueRepo.
func (p *Postgres) UpsertSettings(ctx context.Context, settings domain.QueueSettings) (domain.QueueSettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var s domain.QueueSettings
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO queue_settings (owner_id, posts_per_day, start_time, end_time, timezone)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner_id) DO UPDATE
SET posts_per_day=EXCLUDED.posts_per_day,
    start_time=EXCLUDED.start_time,
    end_time=EXCLUDED.end_time,
    timezone=EXCLUDED.timezone,
    updated_at=now()
RETURNING owner_id, posts_per_day, start_time, end_time, timezone, created_at, updated_at
`, settings.OwnerID, settings.PostsPerDay, settings.StartTime, settings.EndTime, settings.Timezone).
		Scan(&s.OwnerID, &s.PostsPerDay, &s.StartTime, &s.EndTime, &s.Timezone, &s.CreatedAt, &s.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "queue_settings_upsert", "queue_settings", start, err)
	return s, err
}

// RecordQueueEvent сохраняет бизнесовое событие очереди.
func (p *Postgres) RecordQueueEvent(ctx context.Context, event domain.QueueEvent) error {
	if event.Event == "" {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload := []byte("{}")
	if event.Metadata != nil {
		if data, err := json.Marshal(event.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO queue_events (event, owner_id, item_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, event.Event, event.OwnerID, event.ItemID, payload, event.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "queue_events_insert", "queue_events", start, err)
	return err
}
