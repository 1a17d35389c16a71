package availability_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsematch/scheduling/internal/availability"
	"github.com/hsematch/scheduling/internal/slotcache"
	"github.com/hsematch/scheduling/internal/slotstore/memory"
)

var (
	firstMonday = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	fixedNow    = time.Date(2023, time.December, 31, 12, 0, 0, 0, time.UTC)
)

func clockAt(t time.Time) availability.Clock {
	return availability.ClockFunc(func() time.Time { return t })
}

func newTestService(t *testing.T, store availability.Store, cache availability.Cache) *availability.Service {
	t.Helper()
	return availability.NewService(store, availability.Options{
		Cache: cache,
		Clock: clockAt(fixedNow),
	})
}

func mondayRule(buffer int) availability.Rule {
	nine, _ := availability.ParseClock("09:00")
	noon, _ := availability.ParseClock("12:00")
	until := firstMonday
	return availability.Rule{
		ProviderID:   "prov-1",
		DayOfWeek:    time.Monday,
		StartTime:    nine,
		EndTime:      noon,
		SlotDuration: 60,
		BufferTime:   buffer,
		ValidFrom:    firstMonday,
		ValidUntil:   &until,
	}
}

func dayQuery(day time.Time) availability.Query {
	return availability.Query{ProviderID: "prov-1", StartDate: day, EndDate: day}
}

func TestCreateRuleMaterializesSlots(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	res, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)
	assert.True(t, res.Materialized)
	assert.Equal(t, 3, res.SlotsGenerated)

	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	require.Len(t, slots, 3)
	for i, want := range []int{9, 10, 11} {
		assert.Equal(t, want, slots[i].Start.Hour())
		assert.Equal(t, time.Hour, slots[i].Duration())
	}

	pending, err := store.ListUnmaterializedRules(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateRuleWithBufferDropsOverflowingSlot(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	ctx := context.Background()

	res, err := svc.CreateRule(ctx, mondayRule(15))
	require.NoError(t, err)
	assert.Equal(t, 2, res.SlotsGenerated)

	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "09:00", availability.ClockOf(slots[0].Start).String())
	assert.Equal(t, "10:15", availability.ClockOf(slots[1].Start).String())
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	rule := mondayRule(0)
	rule.SlotDuration = 0
	_, err := svc.CreateRule(context.Background(), rule)
	assert.ErrorIs(t, err, availability.ErrInvalidRule)

	rule = mondayRule(0)
	rule.ProviderID = ""
	_, err = svc.CreateRule(context.Background(), rule)
	assert.ErrorIs(t, err, availability.ErrInvalidRule)
}

func TestFindAvailabilityLongerDurationReturnsEmpty(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	ctx := context.Background()
	_, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)

	q := dayQuery(firstMonday)
	q.Duration = 90
	slots, err := svc.FindAvailability(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestBookSlotFillsCapacityAndRejectsSecond(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	_, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)

	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	target := slots[0]

	booking, err := svc.BookSlot(ctx, target.ID, availability.BookingRequest{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, availability.BookingConfirmed, booking.Status)
	assert.Equal(t, target.Start, booking.Start)

	got, err := store.GetSlot(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotBooked, got.Status)
	assert.Equal(t, 1, got.CurrentBookings)

	_, err = svc.BookSlot(ctx, target.ID, availability.BookingRequest{ClientID: "client-2"})
	assert.ErrorIs(t, err, availability.ErrSlotUnavailable)

	_, err = svc.BookSlot(ctx, uuid.New(), availability.BookingRequest{ClientID: "client-2"})
	assert.ErrorIs(t, err, availability.ErrSlotNotFound)

	_, err = svc.BookSlot(ctx, target.ID, availability.BookingRequest{})
	assert.ErrorIs(t, err, availability.ErrInvalidBooking)
}

func TestConcurrentBookingsNeverOverbook(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	rule := mondayRule(0)
	rule.MaxBookingsPerSlot = 4
	_, err := svc.CreateRule(ctx, rule)
	require.NoError(t, err)
	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	target := slots[0].ID

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.BookSlot(ctx, target, availability.BookingRequest{ClientID: uuid.NewString()})
			if err == nil {
				mu.Lock()
				booked++
				mu.Unlock()
				return
			}
			assert.True(t,
				errors.Is(err, availability.ErrSlotFull) || errors.Is(err, availability.ErrSlotUnavailable),
				"unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, booked)
	got, err := store.GetSlot(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 4, got.CurrentBookings)
	assert.Equal(t, availability.SlotBooked, got.Status)
}

func TestBlockAvailabilityOnlyTouchesWindow(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	ctx := context.Background()

	rule := mondayRule(0)
	rule.DayOfWeek = time.Tuesday
	tuesday := firstMonday.AddDate(0, 0, 1)
	rule.ValidUntil = &tuesday
	_, err := svc.CreateRule(ctx, rule)
	require.NoError(t, err)
	_, err = svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)

	n, err := svc.BlockAvailability(ctx, availability.Block{
		ProviderID: "prov-1",
		Start:      firstMonday,
		End:        firstMonday.Add(23*time.Hour + 59*time.Minute),
		Type:       availability.BlockVacation,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	monday, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	assert.Empty(t, monday)

	tue, err := svc.FindAvailability(ctx, dayQuery(tuesday))
	require.NoError(t, err)
	assert.Len(t, tue, 3)
}

func TestBlockAvailabilityValidates(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	_, err := svc.BlockAvailability(context.Background(), availability.Block{
		ProviderID: "prov-1",
		Start:      firstMonday,
		End:        firstMonday,
	})
	assert.ErrorIs(t, err, availability.ErrInvalidBlock)

	_, err = svc.BlockAvailability(context.Background(), availability.Block{
		ProviderID: "prov-1",
		Start:      firstMonday,
		End:        firstMonday.Add(time.Hour),
		Type:       "holiday",
	})
	assert.ErrorIs(t, err, availability.ErrInvalidBlock)
}

func TestBookingInvalidatesCachedAvailability(t *testing.T) {
	cache := slotcache.NewMemory(time.Minute)
	svc := newTestService(t, memory.New(), cache)
	ctx := context.Background()
	_, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)

	q := dayQuery(firstMonday)
	first, err := svc.FindAvailability(ctx, q)
	require.NoError(t, err)
	require.Len(t, first, 3)
	_, ok := cache.Get(ctx, availability.CacheKey(q))
	require.True(t, ok)

	_, err = svc.BookSlot(ctx, first[0].ID, availability.BookingRequest{ClientID: "client-1"})
	require.NoError(t, err)
	_, ok = cache.Get(ctx, availability.CacheKey(q))
	assert.False(t, ok)

	second, err := svc.FindAvailability(ctx, q)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

type failingStore struct {
	*memory.Store
	queryErr   error
	slotsErr   error
	historyErr error
}

func (f *failingStore) QuerySlots(ctx context.Context, filter availability.SlotFilter) ([]availability.Slot, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.Store.QuerySlots(ctx, filter)
}

func (f *failingStore) InsertSlots(ctx context.Context, slots []availability.Slot) error {
	if f.slotsErr != nil {
		return f.slotsErr
	}
	return f.Store.InsertSlots(ctx, slots)
}

func (f *failingStore) ReadBookingHistory(ctx context.Context, filter availability.HistoryFilter) ([]time.Time, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.Store.ReadBookingHistory(ctx, filter)
}

func TestFindAvailabilityReportsStoreFailure(t *testing.T) {
	store := &failingStore{Store: memory.New(), queryErr: errors.New("connection reset")}
	svc := newTestService(t, store, nil)

	slots, err := svc.FindAvailability(context.Background(), dayQuery(firstMonday))
	assert.Nil(t, slots)
	assert.ErrorIs(t, err, availability.ErrQueryFailed)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestFindAvailabilityRejectsBadQuery(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	q := dayQuery(firstMonday)
	q.EndDate = firstMonday.AddDate(0, 0, -1)
	_, err := svc.FindAvailability(context.Background(), q)
	assert.ErrorIs(t, err, availability.ErrInvalidQuery)
}

func TestMaterializationFailureIsRetriedBySweep(t *testing.T) {
	store := &failingStore{Store: memory.New(), slotsErr: errors.New("disk full")}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	res, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)
	assert.False(t, res.Materialized)
	assert.Zero(t, res.SlotsGenerated)

	pending, err := store.ListUnmaterializedRules(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	result, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedRules)

	store.slotsErr = nil
	result, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rematerialized)
	assert.Zero(t, result.FailedRules)

	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	assert.Len(t, slots, 3)
}

func TestSweepExpiresPastSlots(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	_, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)

	later := availability.NewService(store, availability.Options{Clock: clockAt(firstMonday.Add(10*time.Hour + 30*time.Minute))})
	result, err := later.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredSlots)

	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	assert.Len(t, slots, 2)
}

func TestSuggestRanksPreferredTimeFirst(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	ctx := context.Background()
	_, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)

	eleven, _ := availability.ParseClock("11:00")
	q := dayQuery(firstMonday)
	q.PreferredTimes = []availability.ClockTime{eleven}

	suggestions, err := svc.Suggest(ctx, q)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, 11, suggestions[0].Slot.Start.Hour())
	assert.Contains(t, suggestions[0].Reasons, "Close to your preferred time")
	assert.Empty(t, suggestions[0].Alternatives)

	suggestions, err = svc.Suggest(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	require.Len(t, suggestions, 3)
	assert.Len(t, suggestions[0].Alternatives, 2)
}

func TestSuggestSurvivesHistoryFailure(t *testing.T) {
	store := &failingStore{Store: memory.New(), historyErr: errors.New("timeout")}
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	_, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)

	suggestions, err := svc.Suggest(ctx, dayQuery(firstMonday))
	require.NoError(t, err)
	require.Len(t, suggestions, 3)
	for _, s := range suggestions {
		assert.NotContains(t, s.Reasons, "Popular booking hour")
	}
}

func TestSuggestEmptyPool(t *testing.T) {
	svc := newTestService(t, memory.New(), nil)
	suggestions, err := svc.Suggest(context.Background(), dayQuery(firstMonday))
	require.NoError(t, err)
	assert.NotNil(t, suggestions)
	assert.Empty(t, suggestions)
}

func TestCancelAndCompleteBooking(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	_, err := svc.CreateRule(ctx, mondayRule(0))
	require.NoError(t, err)
	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)

	booking, err := svc.BookSlot(ctx, slots[0].ID, availability.BookingRequest{ClientID: "client-1"})
	require.NoError(t, err)

	cancelled, err := svc.CancelBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.BookingCancelled, cancelled.Status)

	again, err := svc.CancelBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.BookingCancelled, again.Status)

	slot, err := store.GetSlot(ctx, slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, availability.SlotAvailable, slot.Status)
	assert.Zero(t, slot.CurrentBookings)

	_, err = svc.CompleteBooking(ctx, booking.ID)
	assert.ErrorIs(t, err, availability.ErrBookingClosed)

	second, err := svc.BookSlot(ctx, slots[1].ID, availability.BookingRequest{ClientID: "client-2"})
	require.NoError(t, err)
	done, err := svc.CompleteBooking(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, availability.BookingCompleted, done.Status)
	_, err = svc.CancelBooking(ctx, second.ID)
	assert.ErrorIs(t, err, availability.ErrBookingClosed)

	_, err = svc.CancelBooking(ctx, uuid.New())
	assert.ErrorIs(t, err, availability.ErrBookingNotFound)
}

// rendezvousStore makes the first two GetBooking calls wait for each other,
// so both callers observe the booking before either writes.
type rendezvousStore struct {
	*memory.Store
	calls   atomic.Int32
	arrived sync.WaitGroup
}

func newRendezvousStore() *rendezvousStore {
	s := &rendezvousStore{Store: memory.New()}
	s.arrived.Add(2)
	return s
}

func (r *rendezvousStore) GetBooking(ctx context.Context, id uuid.UUID) (*availability.Booking, error) {
	b, err := r.Store.GetBooking(ctx, id)
	if r.calls.Add(1) <= 2 {
		r.arrived.Done()
		r.arrived.Wait()
	}
	return b, err
}

func bookTwoOnSharedSlot(t *testing.T, svc *availability.Service) (availability.Slot, *availability.Booking, *availability.Booking) {
	t.Helper()
	ctx := context.Background()
	rule := mondayRule(0)
	rule.MaxBookingsPerSlot = 2
	_, err := svc.CreateRule(ctx, rule)
	require.NoError(t, err)
	slots, err := svc.FindAvailability(ctx, dayQuery(firstMonday))
	require.NoError(t, err)

	a, err := svc.BookSlot(ctx, slots[0].ID, availability.BookingRequest{ClientID: "client-a"})
	require.NoError(t, err)
	b, err := svc.BookSlot(ctx, slots[0].ID, availability.BookingRequest{ClientID: "client-b"})
	require.NoError(t, err)
	return slots[0], a, b
}

func TestConcurrentCancelReleasesOneSeat(t *testing.T) {
	store := newRendezvousStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	slot, a, _ := bookTwoOnSharedSlot(t, svc)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CancelBooking(ctx, a.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBookings)
	assert.Equal(t, availability.SlotAvailable, got.Status)

	_, err = svc.BookSlot(ctx, slot.ID, availability.BookingRequest{ClientID: "client-c"})
	require.NoError(t, err)
	_, err = svc.BookSlot(ctx, slot.ID, availability.BookingRequest{ClientID: "client-d"})
	assert.ErrorIs(t, err, availability.ErrSlotUnavailable)

	got, err = store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentBookings)
	assert.Equal(t, availability.SlotBooked, got.Status)
}

func TestConcurrentCancelAndCompleteHaveOneWinner(t *testing.T) {
	store := newRendezvousStore()
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	slot, a, _ := bookTwoOnSharedSlot(t, svc)

	var wg sync.WaitGroup
	var cancelErr, completeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelErr = svc.CancelBooking(ctx, a.ID)
	}()
	go func() {
		defer wg.Done()
		_, completeErr = svc.CompleteBooking(ctx, a.ID)
	}()
	wg.Wait()

	require.True(t, (cancelErr == nil) != (completeErr == nil), "exactly one transition must win")
	final, err := store.GetBooking(ctx, a.ID)
	require.NoError(t, err)
	got, err := store.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	if cancelErr == nil {
		assert.ErrorIs(t, completeErr, availability.ErrBookingClosed)
		assert.Equal(t, availability.BookingCancelled, final.Status)
		assert.Equal(t, 1, got.CurrentBookings)
	} else {
		assert.ErrorIs(t, cancelErr, availability.ErrBookingClosed)
		assert.Equal(t, availability.BookingCompleted, final.Status)
		assert.Equal(t, 2, got.CurrentBookings)
	}
}

func TestSuggestScoresOnlyTheFirstTenSlots(t *testing.T) {
	store := memory.New()
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	rule := mondayRule(0)
	rule.StartTime, _ = availability.ParseClock("06:00")
	rule.EndTime, _ = availability.ParseClock("18:00")
	res, err := svc.CreateRule(ctx, rule)
	require.NoError(t, err)
	require.Equal(t, 12, res.SlotsGenerated)

	popularStart := time.Date(2023, time.December, 4, 16, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertBooking(ctx, &availability.Booking{
			ID:         uuid.New(),
			SlotID:     uuid.New(),
			ProviderID: "prov-1",
			ClientID:   "regular",
			Status:     availability.BookingCompleted,
			Start:      popularStart.AddDate(0, 0, 7*i),
			End:        popularStart.AddDate(0, 0, 7*i).Add(time.Hour),
		}))
	}

	q := dayQuery(firstMonday)

	all, err := svc.FindAvailability(ctx, q)
	require.NoError(t, err)
	require.Len(t, all, 12)
	history, err := store.ReadBookingHistory(ctx, availability.HistoryFilter{ProviderID: "prov-1", Status: availability.BookingCompleted})
	require.NoError(t, err)
	unbounded := availability.RankSuggestions(all, availability.BuildPopularity(history, time.UTC), nil, fixedNow)
	require.Equal(t, 16, unbounded[0].Slot.Start.Hour(), "the eleventh slot scores best when every slot is ranked")

	suggestions, err := svc.Suggest(ctx, q)
	require.NoError(t, err)
	require.Len(t, suggestions, 10)
	for _, s := range suggestions {
		assert.NotEqual(t, all[10].ID, s.Slot.ID)
		for _, alt := range s.Alternatives {
			assert.NotEqual(t, all[10].ID, alt.ID)
		}
	}
}
