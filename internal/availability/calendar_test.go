package availability

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCalendarMergesAndOrders(t *testing.T) {
	open := slotAt(monday.Add(11*time.Hour), 60)
	open.ID = uuid.New()
	open.MaxCapacity = 3
	open.CurrentBookings = 1
	blocked := slotAt(monday.Add(8*time.Hour), 60)
	blocked.ID = uuid.New()
	blocked.Status = SlotBlocked
	booked := slotAt(monday.Add(7*time.Hour), 60)
	booked.Status = SlotBooked

	bookings := []Booking{
		{ID: uuid.New(), Start: monday.Add(9 * time.Hour), End: monday.Add(10 * time.Hour), Status: BookingConfirmed, BookingType: "site audit"},
		{ID: uuid.New(), Start: monday.Add(10 * time.Hour), End: monday.Add(11 * time.Hour), Status: BookingCancelled},
	}

	events := BuildCalendar(bookings, []Slot{open, blocked, booked}, time.UTC)
	require.Len(t, events, 3)

	assert.Equal(t, EventBlocked, events[0].Type)
	assert.Equal(t, "Blocked", events[0].Title)
	assert.Equal(t, EventBooking, events[1].Type)
	assert.Equal(t, "Booking: site audit", events[1].Title)
	assert.Equal(t, EventAvailable, events[2].Type)
	assert.Equal(t, "Open (2 of 3 free)", events[2].Title)
	for _, ev := range events {
		assert.NotEmpty(t, ev.Color)
	}
}
