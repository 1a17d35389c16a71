package availability

import (
	"context"
	"fmt"
	"sort"
	"time"
)

var eventColors = map[CalendarEventType]string{
	EventBooking:   "#2563eb",
	EventAvailable: "#16a34a",
	EventBlocked:   "#dc2626",
}

// Calendar merges the provider's live bookings with open and blocked slots
// between from and to into one ordered timeline.
func (s *Service) Calendar(ctx context.Context, providerID string, from, to time.Time) ([]CalendarEvent, error) {
	if providerID == "" || to.Before(from) {
		return nil, ErrInvalidQuery
	}
	from = startOfDay(from.In(s.loc))
	to = startOfDay(to.In(s.loc)).AddDate(0, 0, 1)

	bookings, err := s.store.ListBookings(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("availability: calendar bookings: %w: %w", ErrQueryFailed, err)
	}
	slots, err := s.store.QuerySlots(ctx, SlotFilter{
		ProviderID: providerID,
		From:       from,
		To:         to,
		Statuses:   []SlotStatus{SlotAvailable, SlotBlocked},
	})
	if err != nil {
		return nil, fmt.Errorf("availability: calendar slots: %w: %w", ErrQueryFailed, err)
	}
	return BuildCalendar(bookings, slots, s.loc), nil
}

// BuildCalendar projects bookings and slots onto calendar events. Cancelled
// bookings are skipped.
func BuildCalendar(bookings []Booking, slots []Slot, loc *time.Location) []CalendarEvent {
	if loc == nil {
		loc = time.UTC
	}
	events := make([]CalendarEvent, 0, len(bookings)+len(slots))
	for _, b := range bookings {
		if b.Status == BookingCancelled {
			continue
		}
		title := "Booking"
		if b.BookingType != "" {
			title = "Booking: " + b.BookingType
		}
		events = append(events, CalendarEvent{
			ID:    b.ID.String(),
			Title: title,
			Start: b.Start.In(loc),
			End:   b.End.In(loc),
			Type:  EventBooking,
			Color: eventColors[EventBooking],
		})
	}
	for _, slot := range slots {
		ev := CalendarEvent{
			ID:    slot.ID.String(),
			Start: slot.Start.In(loc),
			End:   slot.End.In(loc),
		}
		switch slot.Status {
		case SlotAvailable:
			ev.Type = EventAvailable
			ev.Title = fmt.Sprintf("Open (%d of %d free)", slot.Remaining(), slot.MaxCapacity)
		case SlotBlocked:
			ev.Type = EventBlocked
			ev.Title = "Blocked"
		default:
			continue
		}
		ev.Color = eventColors[ev.Type]
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events
}
