package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsematch/scheduling/internal/availability"
)

// Store is an in-memory availability.Store for development and tests.
type Store struct {
	mu       sync.RWMutex
	rules    map[uuid.UUID]availability.Rule
	slots    map[uuid.UUID]availability.Slot
	bookings map[uuid.UUID]availability.Booking
}

// New creates an empty store.
func New() *Store {
	return &Store{
		rules:    make(map[uuid.UUID]availability.Rule),
		slots:    make(map[uuid.UUID]availability.Slot),
		bookings: make(map[uuid.UUID]availability.Booking),
	}
}

var _ availability.Store = (*Store)(nil)

func (s *Store) InsertRule(_ context.Context, rule *availability.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	s.rules[rule.ID] = cloneRule(*rule)
	return nil
}

func (s *Store) MarkRuleMaterialized(_ context.Context, ruleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return availability.ErrInvalidRule
	}
	rule.Materialized = true
	s.rules[ruleID] = rule
	return nil
}

func (s *Store) ListUnmaterializedRules(_ context.Context, limit int) ([]availability.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []availability.Rule
	for _, rule := range s.rules {
		if !rule.Materialized {
			out = append(out, cloneRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertSlots(_ context.Context, slots []availability.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range slots {
		if slot.ID == uuid.Nil {
			slot.ID = uuid.New()
		}
		s.slots[slot.ID] = slot
	}
	return nil
}

func (s *Store) QuerySlots(_ context.Context, filter availability.SlotFilter) ([]availability.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []availability.Slot
	for _, slot := range s.slots {
		if slot.ProviderID != filter.ProviderID {
			continue
		}
		if filter.ServiceID != "" && slot.ServiceID != "" && slot.ServiceID != filter.ServiceID {
			continue
		}
		if !filter.From.IsZero() && slot.Start.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !slot.Start.Before(filter.To) {
			continue
		}
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, slot.Status) {
			continue
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Store) GetSlot(_ context.Context, id uuid.UUID) (*availability.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, availability.ErrSlotNotFound
	}
	return &slot, nil
}

func (s *Store) BlockSlots(_ context.Context, providerID string, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, slot := range s.slots {
		if slot.ProviderID != providerID || slot.Status != availability.SlotAvailable {
			continue
		}
		if slot.Start.Before(from) || slot.End.After(to) {
			continue
		}
		slot.Status = availability.SlotBlocked
		s.slots[id] = slot
		n++
	}
	return n, nil
}

// ClaimSlot checks and increments under the write lock, mirroring the
// conditional UPDATE used by the SQL backends.
func (s *Store) ClaimSlot(_ context.Context, id uuid.UUID) (*availability.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, availability.ErrSlotNotFound
	}
	if slot.Status != availability.SlotAvailable || slot.CurrentBookings >= slot.MaxCapacity {
		return nil, availability.ErrSlotFull
	}
	slot.CurrentBookings++
	if slot.CurrentBookings >= slot.MaxCapacity {
		slot.Status = availability.SlotBooked
	}
	s.slots[id] = slot
	return &slot, nil
}

func (s *Store) ReleaseSlot(_ context.Context, id uuid.UUID) (*availability.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, availability.ErrSlotNotFound
	}
	if slot.CurrentBookings > 0 {
		slot.CurrentBookings--
	}
	if slot.Status == availability.SlotBooked && slot.CurrentBookings < slot.MaxCapacity {
		slot.Status = availability.SlotAvailable
	}
	s.slots[id] = slot
	return &slot, nil
}

func (s *Store) ExpireSlots(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, slot := range s.slots {
		if slot.Status == availability.SlotAvailable && slot.End.Before(before) {
			slot.Status = availability.SlotCancelled
			s.slots[id] = slot
			n++
		}
	}
	return n, nil
}

func (s *Store) ReadBookingHistory(_ context.Context, filter availability.HistoryFilter) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []availability.Booking
	for _, b := range s.bookings {
		if b.ProviderID != filter.ProviderID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if b.Start.Before(filter.Since) {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Start.After(matched[j].Start) })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]time.Time, 0, len(matched))
	for _, b := range matched {
		out = append(out, b.Start)
	}
	return out, nil
}

func (s *Store) InsertBooking(_ context.Context, booking *availability.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	s.bookings[booking.ID] = *booking
	return nil
}

func (s *Store) GetBooking(_ context.Context, id uuid.UUID) (*availability.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, availability.ErrBookingNotFound
	}
	return &b, nil
}

func (s *Store) UpdateBookingStatus(_ context.Context, id uuid.UUID, status availability.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return availability.ErrBookingNotFound
	}
	if !b.Status.Open() {
		return availability.ErrBookingClosed
	}
	b.Status = status
	s.bookings[id] = b
	return nil
}

func (s *Store) ListBookings(_ context.Context, providerID string, from, to time.Time) ([]availability.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []availability.Booking
	for _, b := range s.bookings {
		if b.ProviderID != providerID || b.Start.Before(from) || !b.Start.Before(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func hasStatus(statuses []availability.SlotStatus, status availability.SlotStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneRule(r availability.Rule) availability.Rule {
	r.Tags = append([]string(nil), r.Tags...)
	return r
}
