package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

const itemColumns = `id, owner_id, content, status, queue_date, slot, minute_offset, scheduled_at,
dispatch_handle, dispatch_error, published_ref, failure_reason, claimed_at, published_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.QueuedItem, error) {
	var (
		item domain.QueuedItem
		slot *int
	)
	err := row.Scan(&item.ID, &item.OwnerID, &item.Content, &item.Status, &item.QueueDate, &slot, &item.MinuteOffset,
		&item.ScheduledAt, &item.DispatchHandle, &item.DispatchError, &item.PublishedRef, &item.FailureReason,
		&item.ClaimedAt, &item.PublishedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	if slot != nil {
		item.Slot = *slot
	}
	return item, nil
}

func (p *Postgres) queryItems(ctx context.Context, op, query string, args ...any) ([]domain.QueuedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "queue_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueuedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func slotArgs(item domain.QueuedItem) (any, any) {
	if item.QueueDate == nil {
		return nil, nil
	}
	return *item.QueueDate, item.Slot
}

// ListOccupiedSlots реализует domain.QueueRepo.
func (p *Postgres) ListOccupiedSlots(ctx context.Context, ownerID string, date time.Time) ([]int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT slot FROM queue_items
WHERE owner_id=$1 AND queue_date=$2 AND status IN ('queued', 'scheduled')
ORDER BY slot
`, ownerID, date)
	metrics.ObserveNetworkRequest("postgres", "queue_items_occupied", "queue_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []int
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// InsertItem реализует domain.QueueRepo.
func (p *Postgres) InsertItem(ctx context.Context, item domain.QueuedItem) (domain.QueuedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	date, slot := slotArgs(item)
	start := time.Now()
	saved, err := scanItem(p.pool.QueryRow(ctx, `
INSERT INTO queue_items (id, owner_id, content, status, queue_date, slot, minute_offset, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+itemColumns,
		item.ID, item.OwnerID, item.Content, item.Status, date, slot, item.MinuteOffset, item.ScheduledAt))
	metrics.ObserveNetworkRequest("postgres", "queue_items_insert", "queue_items", start, err)
	if isUniqueViolation(err) {
		return domain.QueuedItem{}, domain.ErrSlotTaken
	}
	return saved, err
}

// GetItem реализует domain.QueueRepo.
func (p *Postgres) GetItem(ctx context.Context, itemID string) (domain.QueuedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id=$1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "queue_items_get", "queue_items", start, nil)
		return domain.QueuedItem{}, domain.ErrItemNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "queue_items_get", "queue_items", start, err)
	return item, err
}

// lockItem выполняет fn над заблокированной строкой элемента и сохраняет результат.
func (p *Postgres) lockItem(ctx context.Context, op, itemID string, fn func(item domain.QueuedItem, now time.Time) (domain.QueuedItem, error)) (domain.QueuedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "queue_items", start, err)
	if err != nil {
		return domain.QueuedItem{}, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	current, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id=$1 FOR UPDATE`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "queue_items_get_for_update", "queue_items", start, nil)
		return domain.QueuedItem{}, domain.ErrItemNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "queue_items_get_for_update", "queue_items", start, err)
	if err != nil {
		return domain.QueuedItem{}, err
	}

	next, err := fn(current, time.Now().UTC())
	if err != nil {
		return domain.QueuedItem{}, err
	}

	date, slot := slotArgs(next)
	start = time.Now()
	saved, err := scanItem(tx.QueryRow(ctx, `
UPDATE queue_items
SET status=$2, content=$3, queue_date=$4, slot=$5, minute_offset=$6, scheduled_at=$7,
    dispatch_handle=$8, dispatch_error=$9, published_ref=$10, failure_reason=$11,
    claimed_at=$12, published_at=$13, updated_at=now()
WHERE id=$1
RETURNING `+itemColumns,
		next.ID, next.Status, next.Content, date, slot, next.MinuteOffset, next.ScheduledAt,
		next.DispatchHandle, next.DispatchError, next.PublishedRef, next.FailureReason,
		next.ClaimedAt, next.PublishedAt))
	metrics.ObserveNetworkRequest("postgres", op, "queue_items", start, err)
	if isUniqueViolation(err) {
		return domain.QueuedItem{}, domain.ErrSlotTaken
	}
	if err != nil {
		return domain.QueuedItem{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "queue_items", start, err)
	if isUniqueViolation(err) {
		return domain.QueuedItem{}, domain.ErrSlotTaken
	}
	if err != nil {
		return domain.QueuedItem{}, err
	}
	return saved, nil
}

// AssignSlot реализует domain.QueueRepo.
func (p *Postgres) AssignSlot(ctx context.Context, itemID string, expected []domain.ItemStatus, slot domain.SlotAssignment) (domain.QueuedItem, error) {
	return p.lockItem(ctx, "queue_items_assign_slot", itemID, func(item domain.QueuedItem, _ time.Time) (domain.QueuedItem, error) {
		return assignSlot(item, expected, slot)
	})
}

// UpdateItemStatus реализует domain.QueueRepo.
func (p *Postgres) UpdateItemStatus(ctx context.Context, itemID string, expected []domain.ItemStatus, update domain.ItemUpdate) (domain.QueuedItem, error) {
	return p.lockItem(ctx, "queue_items_update_status", itemID, func(item domain.QueuedItem, now time.Time) (domain.QueuedItem, error) {
		return applyUpdate(item, expected, update, now)
	})
}

// ClaimForPublish реализует domain.QueueRepo.
func (p *Postgres) ClaimForPublish(ctx context.Context, itemID, handle string) (domain.QueuedItem, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `
UPDATE queue_items SET claimed_at=now(), updated_at=now()
WHERE id=$1 AND dispatch_handle=$2 AND status IN ('queued', 'scheduled') AND claimed_at IS NULL
RETURNING `+itemColumns, itemID, handle))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "queue_items_claim", "queue_items", start, nil)
		current, err := p.GetItem(ctx, itemID)
		return current, false, err
	}
	metrics.ObserveNetworkRequest("postgres", "queue_items_claim", "queue_items", start, err)
	if err != nil {
		return domain.QueuedItem{}, false, err
	}
	return item, true, nil
}

// ListItems возвращает элементы со слотами в диапазоне дат включительно.
func (p *Postgres) ListItems(ctx context.Context, ownerID string, from, to time.Time) ([]domain.QueuedItem, error) {
	return p.queryItems(ctx, "queue_items_list", `
SELECT `+itemColumns+` FROM queue_items
WHERE owner_id=$1 AND queue_date BETWEEN $2 AND $3
ORDER BY queue_date, slot, created_at
`, ownerID, from, to)
}

// DeleteItem удаляет незавершённый элемент без активной публикации.
func (p *Postgres) DeleteItem(ctx context.Context, itemID, ownerID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM queue_items
WHERE id=$1 AND owner_id=$2 AND status NOT IN ('posted', 'failed') AND claimed_at IS NULL
`, itemID, ownerID)
	metrics.ObserveNetworkRequest("postgres", "queue_items_delete", "queue_items", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	item, err := p.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.OwnerID != ownerID {
		return domain.ErrItemNotFound
	}
	return domain.ErrStatusConflict
}

// ListMissingDispatch реализует domain.QueueRepo.
func (p *Postgres) ListMissingDispatch(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.QueuedItem, error) {
	return p.queryItems(ctx, "queue_items_missing_dispatch", `
SELECT `+itemColumns+` FROM queue_items
WHERE status='queued' AND dispatch_handle='' AND claimed_at IS NULL AND updated_at < $1
ORDER BY scheduled_at NULLS LAST, created_at
LIMIT $2
`, updatedBefore, limit)
}

// ListStaleClaims реализует domain.QueueRepo.
func (p *Postgres) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.QueuedItem, error) {
	return p.queryItems(ctx, "queue_items_stale_claims", `
SELECT `+itemColumns+` FROM queue_items
WHERE status IN ('queued', 'scheduled') AND claimed_at < $1
ORDER BY claimed_at
LIMIT $2
`, claimedBefore, limit)
}

// ListOverdueScheduled реализует domain.QueueRepo.
func (p *Postgres) ListOverdueScheduled(ctx context.Context, scheduledBefore time.Time, limit int) ([]domain.QueuedItem, error) {
	return p.queryItems(ctx, "queue_items_overdue", `
SELECT `+itemColumns+` FROM queue_items
WHERE status='scheduled' AND claimed_at IS NULL AND scheduled_at < $1
ORDER BY scheduled_at
LIMIT $2
`, scheduledBefore, limit)
}

func statusIn(status domain.ItemStatus, expected []domain.ItemStatus) bool {
	for _, s := range expected {
		if s == status {
			return true
		}
	}
	return false
}

func assignSlot(item domain.QueuedItem, expected []domain.ItemStatus, slot domain.SlotAssignment) (domain.QueuedItem, error) {
	if !statusIn(item.Status, expected) {
		return domain.QueuedItem{}, domain.ErrStatusConflict
	}
	if item.ClaimedAt != nil {
		return domain.QueuedItem{}, domain.ErrItemLocked
	}
	date, at := slot.Date, slot.ScheduledAt
	item.Status = domain.StatusQueued
	item.QueueDate = &date
	item.Slot = slot.Slot
	item.MinuteOffset = slot.MinuteOffset
	item.ScheduledAt = &at
	item.DispatchHandle = ""
	return item, nil
}

func applyUpdate(item domain.QueuedItem, expected []domain.ItemStatus, update domain.ItemUpdate, now time.Time) (domain.QueuedItem, error) {
	if !statusIn(item.Status, expected) {
		return domain.QueuedItem{}, domain.ErrStatusConflict
	}
	if item.ClaimedAt != nil && !update.AllowClaimed {
		return domain.QueuedItem{}, domain.ErrItemLocked
	}
	if item.Status != update.Status && !domain.CanTransition(item.Status, update.Status) {
		return domain.QueuedItem{}, fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, item.Status, update.Status)
	}

	item.Status = update.Status
	if update.Content != nil {
		item.Content = *update.Content
	}
	if update.ClearSchedule {
		item.ScheduledAt = nil
		item.DispatchHandle = ""
	}
	if update.ScheduledAt != nil {
		at := *update.ScheduledAt
		item.ScheduledAt = &at
	}
	if update.DispatchHandle != nil {
		item.DispatchHandle = *update.DispatchHandle
	}
	if update.DispatchError != nil {
		item.DispatchError = *update.DispatchError
	}
	if update.PublishedRef != nil {
		item.PublishedRef = *update.PublishedRef
	}
	if update.FailureReason != nil {
		item.FailureReason = *update.FailureReason
	}
	if update.ReleaseSlot {
		item.QueueDate = nil
		item.Slot = 0
		item.MinuteOffset = 0
	}
	if update.Status == domain.StatusPosted {
		item.PublishedAt = &now
	}
	return item, nil
}
