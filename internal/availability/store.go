package availability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotFilter narrows a slot read to slots starting in [From, To).
type SlotFilter struct {
	ProviderID string
	// ServiceID, when set, matches slots bound to it or to no service.
	ServiceID string
	From      time.Time
	To        time.Time
	Statuses  []SlotStatus
}

// HistoryFilter selects past bookings for popularity statistics.
type HistoryFilter struct {
	ProviderID string
	Since      time.Time
	Status     BookingStatus
	Limit      int
}

// Store is the persistence collaborator. Implementations live in
// internal/slotstore and must return ErrSlotNotFound, ErrBookingNotFound and
// ErrSlotFull where documented so the service can map them.
type Store interface {
	InsertRule(ctx context.Context, rule *Rule) error
	MarkRuleMaterialized(ctx context.Context, ruleID uuid.UUID) error
	ListUnmaterializedRules(ctx context.Context, limit int) ([]Rule, error)

	InsertSlots(ctx context.Context, slots []Slot) error
	QuerySlots(ctx context.Context, filter SlotFilter) ([]Slot, error)
	// GetSlot returns ErrSlotNotFound when the id is unknown.
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// BlockSlots flips available slots inside [from, to] to blocked and reports how many changed.
	BlockSlots(ctx context.Context, providerID string, from, to time.Time) (int, error)
	// ClaimSlot atomically takes one unit of capacity from an available slot,
	// setting status to booked when the slot fills. Returns ErrSlotFull when
	// no capacity could be taken.
	ClaimSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ReleaseSlot returns one unit of capacity and reopens a booked slot.
	ReleaseSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ExpireSlots cancels available slots that ended before the cutoff.
	ExpireSlots(ctx context.Context, before time.Time) (int, error)

	ReadBookingHistory(ctx context.Context, filter HistoryFilter) ([]time.Time, error)
	InsertBooking(ctx context.Context, booking *Booking) error
	// GetBooking returns ErrBookingNotFound when the id is unknown.
	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	// UpdateBookingStatus moves an open booking to status as one conditional
	// write. It returns ErrBookingClosed when the booking already left the open
	// states, so at most one caller wins a given transition.
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, status BookingStatus) error
	ListBookings(ctx context.Context, providerID string, from, to time.Time) ([]Booking, error)
}

// Cache stores availability results keyed by query signature.
// Implementations treat backend failures as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]Slot, bool)
	Set(ctx context.Context, key string, slots []Slot)
	// InvalidateProvider drops every key containing providerID.
	InvalidateProvider(ctx context.Context, providerID string)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type noopCache struct{}

func (noopCache) Get(context.Context, string) ([]Slot, bool) { return nil, false }

func (noopCache) Set(context.Context, string, []Slot) {}

func (noopCache) InvalidateProvider(context.Context, string) {}
