package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"post-queue/internal/domain"
)

type memRepo struct {
	mu       sync.Mutex
	settings map[string]domain.QueueSettings
	items    map[string]domain.QueuedItem
	now      func() time.Time

	// beforeClaim вызывается перед записью слота, чтобы смоделировать параллельный запрос.
	beforeClaim func(slot domain.SlotAssignment)
	// honorCtx заставляет запись статуса завершаться ошибкой отменённого контекста, как у настоящего пула.
	honorCtx bool
}

func newMemRepo(now func() time.Time) *memRepo {
	return &memRepo{
		settings: map[string]domain.QueueSettings{},
		items:    map[string]domain.QueuedItem{},
		now:      now,
	}
}

func (r *memRepo) GetSettings(_ context.Context, ownerID string) (domain.QueueSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[ownerID]
	if !ok {
		return domain.QueueSettings{}, domain.ErrSettingsNotFound
	}
	return s, nil
}

func (r *memRepo) UpsertSettings(_ context.Context, settings domain.QueueSettings) (domain.QueueSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if prev, ok := r.settings[settings.OwnerID]; ok {
		settings.CreatedAt = prev.CreatedAt
	} else {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now
	r.settings[settings.OwnerID] = settings
	return settings, nil
}

func sameDate(a *time.Time, b time.Time) bool {
	return a != nil && a.Format("2006-01-02") == b.Format("2006-01-02")
}

func (r *memRepo) slotTakenLocked(ownerID string, date time.Time, slot int, exceptID string) bool {
	for _, it := range r.items {
		if it.ID == exceptID || it.OwnerID != ownerID || !it.Status.IsPending() {
			continue
		}
		if sameDate(it.QueueDate, date) && it.Slot == slot {
			return true
		}
	}
	return false
}

func (r *memRepo) ListOccupiedSlots(_ context.Context, ownerID string, date time.Time) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var slots []int
	for _, it := range r.items {
		if it.OwnerID == ownerID && it.Status.IsPending() && sameDate(it.QueueDate, date) {
			slots = append(slots, it.Slot)
		}
	}
	sort.Ints(slots)
	return slots, nil
}

func (r *memRepo) InsertItem(_ context.Context, item domain.QueuedItem) (domain.QueuedItem, error) {
	if r.beforeClaim != nil && item.QueueDate != nil {
		r.beforeClaim(domain.SlotAssignment{Date: *item.QueueDate, Slot: item.Slot})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.Status.IsPending() && r.slotTakenLocked(item.OwnerID, *item.QueueDate, item.Slot, item.ID) {
		return domain.QueuedItem{}, domain.ErrSlotTaken
	}
	item.CreatedAt = r.now()
	item.UpdatedAt = item.CreatedAt
	r.items[item.ID] = item
	return item, nil
}

func (r *memRepo) AssignSlot(_ context.Context, itemID string, expected []domain.ItemStatus, slot domain.SlotAssignment) (domain.QueuedItem, error) {
	if r.beforeClaim != nil {
		r.beforeClaim(slot)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return domain.QueuedItem{}, domain.ErrItemNotFound
	}
	if !statusIn(item.Status, expected) {
		return domain.QueuedItem{}, domain.ErrStatusConflict
	}
	if item.ClaimedAt != nil {
		return domain.QueuedItem{}, domain.ErrItemLocked
	}
	if r.slotTakenLocked(item.OwnerID, slot.Date, slot.Slot, item.ID) {
		return domain.QueuedItem{}, domain.ErrSlotTaken
	}
	date, at := slot.Date, slot.ScheduledAt
	item.Status = domain.StatusQueued
	item.QueueDate = &date
	item.Slot = slot.Slot
	item.MinuteOffset = slot.MinuteOffset
	item.ScheduledAt = &at
	item.DispatchHandle = ""
	item.UpdatedAt = r.now()
	r.items[itemID] = item
	return item, nil
}

func (r *memRepo) GetItem(_ context.Context, itemID string) (domain.QueuedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return domain.QueuedItem{}, domain.ErrItemNotFound
	}
	return item, nil
}

func (r *memRepo) UpdateItemStatus(ctx context.Context, itemID string, expected []domain.ItemStatus, update domain.ItemUpdate) (domain.QueuedItem, error) {
	if r.honorCtx && ctx.Err() != nil {
		return domain.QueuedItem{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return domain.QueuedItem{}, domain.ErrItemNotFound
	}
	if !statusIn(item.Status, expected) {
		return domain.QueuedItem{}, domain.ErrStatusConflict
	}
	if item.ClaimedAt != nil && !update.AllowClaimed {
		return domain.QueuedItem{}, domain.ErrItemLocked
	}
	if item.Status != update.Status && !domain.CanTransition(item.Status, update.Status) {
		return domain.QueuedItem{}, fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, item.Status, update.Status)
	}
	now := r.now()
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
	item.UpdatedAt = now
	r.items[itemID] = item
	return item, nil
}

func (r *memRepo) ClaimForPublish(_ context.Context, itemID, handle string) (domain.QueuedItem, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return domain.QueuedItem{}, false, domain.ErrItemNotFound
	}
	if !item.Status.IsPending() || item.DispatchHandle != handle || item.ClaimedAt != nil {
		return item, false, nil
	}
	now := r.now()
	item.ClaimedAt = &now
	r.items[itemID] = item
	return item, true, nil
}

func (r *memRepo) ListItems(_ context.Context, ownerID string, from, to time.Time) ([]domain.QueuedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.QueuedItem
	for _, it := range r.items {
		if it.OwnerID != ownerID || it.QueueDate == nil {
			continue
		}
		if it.QueueDate.Before(from) || it.QueueDate.After(to) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (r *memRepo) DeleteItem(_ context.Context, itemID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok || item.OwnerID != ownerID {
		return domain.ErrItemNotFound
	}
	if item.Status.IsTerminal() || item.ClaimedAt != nil {
		return domain.ErrStatusConflict
	}
	delete(r.items, itemID)
	return nil
}

func (r *memRepo) ListMissingDispatch(_ context.Context, updatedBefore time.Time, limit int) ([]domain.QueuedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.QueuedItem
	for _, it := range r.items {
		if it.NeedsDispatch() && it.UpdatedAt.Before(updatedBefore) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListStaleClaims(_ context.Context, claimedBefore time.Time, limit int) ([]domain.QueuedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.QueuedItem
	for _, it := range r.items {
		if it.Status.IsPending() && it.ClaimedAt != nil && it.ClaimedAt.Before(claimedBefore) {
			out = append(out, it)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListOverdueScheduled(_ context.Context, scheduledBefore time.Time, limit int) ([]domain.QueuedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.QueuedItem
	for _, it := range r.items {
		if it.Status == domain.StatusScheduled && it.ClaimedAt == nil && it.ScheduledAt != nil && it.ScheduledAt.Before(scheduledBefore) {
			out = append(out, it)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) item(id string) domain.QueuedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id]
}

// seed кладёт элемент в хранилище без проверок.
func (r *memRepo) seed(item domain.QueuedItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item
}

func statusIn(status domain.ItemStatus, expected []domain.ItemStatus) bool {
	for _, s := range expected {
		if s == status {
			return true
		}
	}
	return false
}

type fakeDispatcher struct {
	mu           sync.Mutex
	seq          int
	registered   map[string]domain.DispatchRequest
	deregistered []string
	registerErr  error
	deregErr     error
	// beforeRegister вызывается вне блокировки перед выдачей handle.
	beforeRegister func()
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{registered: map[string]domain.DispatchRequest{}}
}

func (d *fakeDispatcher) Register(_ context.Context, req domain.DispatchRequest) (string, error) {
	d.mu.Lock()
	hook := d.beforeRegister
	d.beforeRegister = nil
	d.mu.Unlock()
	if hook != nil {
		hook()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registerErr != nil {
		return "", d.registerErr
	}
	d.seq++
	handle := fmt.Sprintf("h-%d", d.seq)
	d.registered[handle] = req
	return handle, nil
}

func (d *fakeDispatcher) Deregister(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deregistered = append(d.deregistered, handle)
	if d.deregErr != nil {
		return d.deregErr
	}
	delete(d.registered, handle)
	return nil
}

func (d *fakeDispatcher) active(handle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.registered[handle]
	return ok
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
	// partialRef возвращается вместе с err, как при частично отправленном посте.
	partialRef string
	onPublish  func()
}

func (p *fakePublisher) Publish(_ context.Context, _ string, content string) (string, error) {
	if p.onPublish != nil {
		p.onPublish()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.partialRef, p.err
	}
	p.published = append(p.published, content)
	return fmt.Sprintf("msg-%d", len(p.published)), nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (e *fakeEvents) RecordQueueEvent(_ context.Context, event domain.QueueEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event.Event)
	return e.err
}

func (e *fakeEvents) has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev == name {
			return true
		}
	}
	return false
}

var errBoom = errors.New("boom")
