package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post-queue/internal/domain"
	"post-queue/internal/usecase/timing"
)

const (
	testOwner       = "owner-1"
	testCallbackURL = "http://api.local/internal/dispatch/callback"
)

var testDay = time.Date(2025, time.June, 20, 0, 0, 0, 0, time.UTC)

type fixture struct {
	mu     sync.Mutex
	now    time.Time
	repo   *memRepo
	disp   *fakeDispatcher
	pub    *fakePublisher
	events *fakeEvents
	svc    *Service
}

func utcSettings(n int) domain.QueueSettings {
	return domain.QueueSettings{OwnerID: testOwner, PostsPerDay: n, StartTime: "08:00", EndTime: "21:00", Timezone: "UTC"}
}

func newFixture(t *testing.T, settings domain.QueueSettings, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		now:    testDay.Add(30 * time.Minute),
		disp:   newFakeDispatcher(),
		pub:    &fakePublisher{},
		events: &fakeEvents{},
	}
	f.repo = newMemRepo(f.clock)
	if settings.OwnerID != "" {
		_, err := f.repo.UpsertSettings(context.Background(), settings)
		require.NoError(t, err)
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = testCallbackURL
	}
	f.svc = NewService(f.repo, f.disp, f.pub, cfg, WithClock(f.clock), WithEvents(f.events))
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *fixture) seedSlot(date time.Time, slot int) {
	d := date
	f.repo.seed(domain.QueuedItem{
		ID:        fmt.Sprintf("seed-%s-%d", date.Format("2006-01-02"), slot),
		OwnerID:   testOwner,
		Content:   "занято",
		Status:    domain.StatusScheduled,
		QueueDate: &d,
		Slot:      slot,
	})
}

func callbackFor(item domain.QueuedItem) domain.Callback {
	return domain.Callback{
		ItemID:       item.ID,
		OwnerID:      item.OwnerID,
		Content:      item.Content,
		DeliveryMeta: domain.DeliveryMeta{Handle: item.DispatchHandle, Attempt: 1},
	}
}

func TestFindNextAvailableSlotSkipsFullDays(t *testing.T) {
	settings := utcSettings(5)
	f := newFixture(t, settings, Config{})
	for slot := 1; slot <= 5; slot++ {
		f.seedSlot(testDay, slot)
		f.seedSlot(timing.AddDays(testDay, 1), slot)
	}
	dayAfter := timing.AddDays(testDay, 2)
	f.seedSlot(dayAfter, 1)
	f.seedSlot(dayAfter, 2)

	got, err := f.svc.FindNextAvailableSlot(context.Background(), testOwner)
	require.NoError(t, err)

	want, offset, err := timing.SlotInstant(dayAfter, 3, settings)
	require.NoError(t, err)
	assert.Equal(t, dayAfter, got.Date)
	assert.Equal(t, 3, got.Slot)
	assert.Equal(t, offset, got.MinuteOffset)
	assert.Equal(t, want, got.ScheduledAt)
}

func TestFindNextAvailableSlotRespectsBuffer(t *testing.T) {
	settings := utcSettings(5)
	f := newFixture(t, settings, Config{})
	now := testDay.Add(12 * time.Hour)
	f.setNow(now)

	got, err := f.svc.FindNextAvailableSlot(context.Background(), testOwner)
	require.NoError(t, err)
	assert.True(t, got.ScheduledAt.After(now.Add(DefaultBuffer)))

	for slot := 1; slot < got.Slot; slot++ {
		instant, _, err := timing.SlotInstant(testDay, slot, settings)
		require.NoError(t, err)
		assert.False(t, instant.After(now.Add(DefaultBuffer)), "слот %d должен быть пропущен", slot)
	}
	assert.Equal(t, testDay, got.Date)
}

func TestFindNextAvailableSlotNoCapacity(t *testing.T) {
	f := newFixture(t, utcSettings(1), Config{HorizonDays: 2})
	f.seedSlot(testDay, 1)
	f.seedSlot(timing.AddDays(testDay, 1), 1)

	_, err := f.svc.FindNextAvailableSlot(context.Background(), testOwner)
	require.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestSettingsCreatedFromDefaults(t *testing.T) {
	defaults := domain.QueueSettings{PostsPerDay: 3, StartTime: "09:00", EndTime: "18:00", Timezone: "UTC"}
	f := newFixture(t, domain.QueueSettings{}, Config{Defaults: defaults})

	slot, err := f.svc.FindNextAvailableSlot(context.Background(), "new-owner")
	require.NoError(t, err)
	assert.Equal(t, 1, slot.Slot)

	stored, err := f.repo.GetSettings(context.Background(), "new-owner")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.PostsPerDay)
	assert.Equal(t, "09:00", stored.StartTime)
}

func TestAddItemToQueueSchedulesItem(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})

	item, err := f.svc.AddItemToQueue(context.Background(), testOwner, "привет")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, item.Status)
	require.NotNil(t, item.ScheduledAt)
	require.NotEmpty(t, item.DispatchHandle)
	assert.Equal(t, testDay, *item.QueueDate)
	assert.Equal(t, 1, item.Slot)

	req := f.disp.registered[item.DispatchHandle]
	assert.Equal(t, testCallbackURL, req.TargetURL)
	assert.Equal(t, *item.ScheduledAt, req.FireAt)
	assert.Equal(t, item.ID, req.Callback.ItemID)
	assert.Equal(t, "привет", req.Callback.Content)

	assert.Equal(t, item, f.repo.item(item.ID))
	assert.True(t, f.events.has(domain.QueueEventItemQueued))
	assert.True(t, f.events.has(domain.QueueEventItemScheduled))
}

func TestAddItemToQueueRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	_, err := f.svc.AddItemToQueue(context.Background(), testOwner, "  \n ")
	require.ErrorIs(t, err, domain.ErrEmptyContent)
}

func TestAddItemToQueueDispatchFailureKeepsSlot(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	f.disp.registerErr = errBoom

	item, err := f.svc.AddItemToQueue(context.Background(), testOwner, "пост")
	require.ErrorIs(t, err, domain.ErrDispatchPending)
	assert.Equal(t, domain.StatusQueued, item.Status)
	assert.Empty(t, item.DispatchHandle)
	assert.Contains(t, item.DispatchError, "boom")

	stored := f.repo.item(item.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.True(t, stored.NeedsDispatch())

	occupied, err := f.repo.ListOccupiedSlots(context.Background(), testOwner, testDay)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, occupied)
	assert.True(t, f.events.has(domain.QueueEventDispatchFailed))
}

func TestAddItemToQueueRetriesAfterSlotRace(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	raced := false
	f.repo.beforeClaim = func(slot domain.SlotAssignment) {
		if raced {
			return
		}
		raced = true
		f.seedSlot(slot.Date, slot.Slot)
	}

	item, err := f.svc.AddItemToQueue(context.Background(), testOwner, "пост")
	require.NoError(t, err)
	assert.Equal(t, testDay, *item.QueueDate)
	assert.Equal(t, 2, item.Slot)
}

func TestAddItemToQueueGivesUpAfterRepeatedRaces(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	f.repo.beforeClaim = func(slot domain.SlotAssignment) {
		f.seedSlot(slot.Date, slot.Slot)
	}

	_, err := f.svc.AddItemToQueue(context.Background(), testOwner, "пост")
	require.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestAddItemToQueueConcurrentLastSlot(t *testing.T) {
	f := newFixture(t, utcSettings(2), Config{})
	f.seedSlot(testDay, 1)

	var wg sync.WaitGroup
	results := make([]domain.QueuedItem, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.AddItemToQueue(context.Background(), testOwner, fmt.Sprintf("пост %d", i))
		}(i)
	}
	wg.Wait()

	got := map[string]bool{}
	for i := range results {
		require.NoError(t, errs[i])
		got[fmt.Sprintf("%s/%d", results[i].QueueDate.Format("2006-01-02"), results[i].Slot)] = true
	}
	assert.Equal(t, map[string]bool{"2025-06-20/2": true, "2025-06-21/1": true}, got)
}

func TestScheduledItemsAreUniqueAndInFuture(t *testing.T) {
	f := newFixture(t, utcSettings(4), Config{})
	now := testDay.Add(10 * time.Hour)
	f.setNow(now)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		item, err := f.svc.AddItemToQueue(context.Background(), testOwner, fmt.Sprintf("пост %d", i))
		require.NoError(t, err)
		key := fmt.Sprintf("%s/%d", item.QueueDate.Format("2006-01-02"), item.Slot)
		assert.False(t, seen[key], "слот %s выдан дважды", key)
		seen[key] = true
		assert.True(t, item.ScheduledAt.After(now.Add(DefaultBuffer)))
	}
}

func TestCancelBeforeCallbackPreventsPublish(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()

	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	cb := callbackFor(item)

	cancelled, err := f.svc.Cancel(ctx, testOwner, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, cancelled.Status)
	assert.Nil(t, cancelled.QueueDate)
	assert.Nil(t, cancelled.ScheduledAt)
	assert.Empty(t, cancelled.DispatchHandle)
	assert.False(t, f.disp.active(item.DispatchHandle))

	outcome, err := f.svc.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackStale, outcome)
	assert.Zero(t, f.pub.count())

	occupied, err := f.repo.ListOccupiedSlots(ctx, testOwner, testDay)
	require.NoError(t, err)
	assert.Empty(t, occupied)
}

func TestCancelSwallowsDeregisterError(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)

	f.disp.deregErr = errBoom
	cancelled, err := f.svc.Cancel(ctx, testOwner, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, cancelled.Status)
	assert.Contains(t, f.disp.deregistered, item.DispatchHandle)
}

func TestCancelRejectsInvalidStates(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()

	draft, err := f.svc.CreateDraft(ctx, testOwner, "черновик")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, testOwner, draft.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "someone-else", item.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, ok, err := f.repo.ClaimForPublish(ctx, item.ID, item.DispatchHandle)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.svc.Cancel(ctx, testOwner, item.ID)
	require.ErrorIs(t, err, domain.ErrItemLocked)

	_, err = f.svc.Cancel(ctx, testOwner, "missing")
	require.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestEditScheduledReregisters(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "старый текст")
	require.NoError(t, err)

	edited, err := f.svc.Edit(ctx, testOwner, item.ID, "новый текст", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, edited.Status)
	assert.Equal(t, "новый текст", edited.Content)
	assert.NotEqual(t, item.DispatchHandle, edited.DispatchHandle)
	assert.Equal(t, *item.QueueDate, *edited.QueueDate)
	assert.Equal(t, item.Slot, edited.Slot)
	assert.Equal(t, *item.ScheduledAt, *edited.ScheduledAt)

	assert.False(t, f.disp.active(item.DispatchHandle))
	assert.Equal(t, "новый текст", f.disp.registered[edited.DispatchHandle].Callback.Content)
}

func TestEditRegistrationFailureLeavesQueuedWithoutHandle(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "старый текст")
	require.NoError(t, err)

	f.disp.registerErr = errBoom
	edited, err := f.svc.Edit(ctx, testOwner, item.ID, "новый текст", true)
	require.ErrorIs(t, err, domain.ErrDispatchPending)
	assert.Equal(t, domain.StatusQueued, edited.Status)

	stored := f.repo.item(item.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Empty(t, stored.DispatchHandle)
	assert.NotEmpty(t, stored.DispatchError)
	assert.Equal(t, "новый текст", stored.Content)
	assert.True(t, stored.NeedsDispatch())
	assert.False(t, f.disp.active(item.DispatchHandle))
}

func TestEditWithoutRescheduleKeepsSlot(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "старый текст")
	require.NoError(t, err)

	edited, err := f.svc.Edit(ctx, testOwner, item.ID, "новый текст", false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, edited.Status)
	assert.Nil(t, edited.ScheduledAt)
	assert.Empty(t, edited.DispatchHandle)
	assert.Equal(t, item.Slot, edited.Slot)
	assert.False(t, f.disp.active(item.DispatchHandle))
}

func TestEditReallocatesPastSlot(t *testing.T) {
	f := newFixture(t, utcSettings(5), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	require.Equal(t, 1, item.Slot)

	now := testDay.Add(12 * time.Hour)
	f.setNow(now)
	edited, err := f.svc.Edit(ctx, testOwner, item.ID, "пост 2", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, edited.Status)
	assert.True(t, edited.ScheduledAt.After(now.Add(DefaultBuffer)))
	assert.NotEqual(t, 1, edited.Slot)
}

func TestEditDraftChangesOnlyContent(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	draft, err := f.svc.CreateDraft(ctx, testOwner, "черновик")
	require.NoError(t, err)

	edited, err := f.svc.Edit(ctx, testOwner, draft.ID, "черновик 2", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, edited.Status)
	assert.Equal(t, "черновик 2", edited.Content)
	assert.Nil(t, edited.QueueDate)
	assert.Empty(t, f.disp.registered)
}

func TestQueueDraft(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	draft, err := f.svc.CreateDraft(ctx, testOwner, "черновик")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, draft.Status)

	queued, err := f.svc.QueueDraft(ctx, testOwner, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, queued.Status)
	assert.Equal(t, 1, queued.Slot)
	assert.NotEmpty(t, queued.DispatchHandle)

	_, err = f.svc.QueueDraft(ctx, testOwner, draft.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestHandleCallbackPublishesOnce(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	cb := callbackFor(item)

	outcome, err := f.svc.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackPosted, outcome)

	stored := f.repo.item(item.ID)
	assert.Equal(t, domain.StatusPosted, stored.Status)
	assert.Equal(t, "msg-1", stored.PublishedRef)
	assert.Empty(t, stored.DispatchHandle)
	assert.NotNil(t, stored.PublishedAt)

	outcome, err = f.svc.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackStale, outcome)
	assert.Equal(t, 1, f.pub.count())
	assert.True(t, f.events.has(domain.QueueEventItemPosted))
}

func TestHandleCallbackConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	cb := callbackFor(item)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandleCallback(ctx, cb)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.pub.count())
}

func TestHandleCallbackCommitsAfterRequestCancelled(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	f.repo.honorCtx = true
	item, err := f.svc.AddItemToQueue(context.Background(), testOwner, "пост")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Клиент диспетчера отваливается, пока пост уходит в канал.
	f.pub.onPublish = cancel

	outcome, err := f.svc.HandleCallback(ctx, callbackFor(item))
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackPosted, outcome)

	stored := f.repo.item(item.ID)
	assert.Equal(t, domain.StatusPosted, stored.Status)
	assert.Equal(t, "msg-1", stored.PublishedRef)
	assert.Empty(t, stored.DispatchHandle)

	outcome, err = f.svc.HandleCallback(context.Background(), callbackFor(item))
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackStale, outcome)
	assert.Equal(t, 1, f.pub.count())
}

func TestHandleCallbackPartialPublishKeepsRef(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	f.pub.err = errBoom
	f.pub.partialRef = "-100500:42"

	outcome, err := f.svc.HandleCallback(ctx, callbackFor(item))
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackFailed, outcome)

	stored := f.repo.item(item.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "-100500:42", stored.PublishedRef)
	assert.Contains(t, stored.FailureReason, "boom")
	assert.Contains(t, stored.FailureReason, "-100500:42")
}

func TestAddItemToQueueRegisteredBySweepFirst(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()

	var swept domain.QueuedItem
	f.disp.beforeRegister = func() {
		// Сверка успевает подобрать элемент до того, как запрос сохранил handle.
		items, err := f.repo.ListMissingDispatch(ctx, f.clock().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		swept, err = f.svc.Reschedule(ctx, items[0])
		require.NoError(t, err)
	}

	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, item.Status)
	assert.Equal(t, "h-1", swept.DispatchHandle)
	assert.Equal(t, swept.DispatchHandle, item.DispatchHandle)
	assert.True(t, f.disp.active("h-1"))
	assert.False(t, f.disp.active("h-2"))

	stored := f.repo.item(item.ID)
	assert.Equal(t, domain.StatusScheduled, stored.Status)
	assert.Equal(t, "h-1", stored.DispatchHandle)
}

func TestHandleCallbackSupersededHandle(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	old := callbackFor(item)

	_, err = f.svc.Edit(ctx, testOwner, item.ID, "пост 2", true)
	require.NoError(t, err)

	outcome, err := f.svc.HandleCallback(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackSuperseded, outcome)
	assert.Zero(t, f.pub.count())
}

func TestHandleCallbackMissingAndForbidden(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()

	outcome, err := f.svc.HandleCallback(ctx, domain.Callback{ItemID: "missing", OwnerID: testOwner})
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackMissing, outcome)

	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	cb := callbackFor(item)
	cb.OwnerID = "intruder"
	_, err = f.svc.HandleCallback(ctx, cb)
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.Zero(t, f.pub.count())
}

func TestHandleCallbackDuplicateClaim(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)

	_, ok, err := f.repo.ClaimForPublish(ctx, item.ID, item.DispatchHandle)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := f.svc.HandleCallback(ctx, callbackFor(item))
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackDuplicate, outcome)
	assert.Zero(t, f.pub.count())
}

func TestHandleCallbackPublishFailure(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)
	f.pub.err = errBoom

	outcome, err := f.svc.HandleCallback(ctx, callbackFor(item))
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackFailed, outcome)

	stored := f.repo.item(item.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "boom")
	assert.True(t, f.events.has(domain.QueueEventItemFailed))
}

func TestHandleCallbackUsesStoredContent(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "актуальный текст")
	require.NoError(t, err)

	cb := callbackFor(item)
	cb.Content = "устаревшая копия"
	_, err = f.svc.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, []string{"актуальный текст"}, f.pub.published)
}

func TestDeleteItem(t *testing.T) {
	f := newFixture(t, utcSettings(3), Config{})
	ctx := context.Background()
	item, err := f.svc.AddItemToQueue(ctx, testOwner, "пост")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, testOwner, item.ID))
	assert.False(t, f.disp.active(item.DispatchHandle))
	_, err = f.repo.GetItem(ctx, item.ID)
	require.ErrorIs(t, err, domain.ErrItemNotFound)

	posted, err := f.svc.AddItemToQueue(ctx, testOwner, "пост 2")
	require.NoError(t, err)
	_, err = f.svc.HandleCallback(ctx, callbackFor(posted))
	require.NoError(t, err)
	err = f.svc.Delete(ctx, testOwner, posted.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestGetQueueStatus(t *testing.T) {
	f := newFixture(t, utcSettings(2), Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.AddItemToQueue(ctx, testOwner, fmt.Sprintf("пост %d", i))
		require.NoError(t, err)
	}

	status, err := f.svc.GetQueueStatus(ctx, testOwner, 3)
	require.NoError(t, err)
	require.Len(t, status.Days, 3)
	assert.Equal(t, "UTC", status.Timezone)

	assert.Equal(t, testDay, status.Days[0].Date)
	assert.Equal(t, 2, status.Days[0].Occupied)
	assert.Equal(t, 2, status.Days[0].Capacity)
	require.Len(t, status.Days[0].Items, 2)
	assert.Equal(t, 1, status.Days[0].Items[0].Slot)
	assert.Equal(t, 2, status.Days[0].Items[1].Slot)

	assert.Equal(t, 1, status.Days[1].Occupied)
	assert.Equal(t, 0, status.Days[2].Occupied)
	assert.NotNil(t, status.Days[2].Items)

	for _, days := range []int{0, -1, MaxStatusDays + 1} {
		_, err = f.svc.GetQueueStatus(ctx, testOwner, days)
		require.ErrorIs(t, err, ErrInvalidHorizon, "days=%d", days)
	}
}
