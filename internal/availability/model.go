package availability

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClockTime is a time of day expressed in minutes since local midnight.
type ClockTime int

// ParseClock parses "HH:MM" (24-hour).
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("availability: invalid clock time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("availability: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("availability: invalid minute in %q", s)
	}
	return ClockTime(h*60 + m), nil
}

// ClockOf returns the time-of-day of t in t's location.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

// Hour returns the hour component.
func (c ClockTime) Hour() int { return int(c) / 60 }

// Minute returns the minute component.
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// On returns the instant at this clock time on day's calendar date.
func (c ClockTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour(), c.Minute(), 0, 0, day.Location())
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// SlotStatus is the lifecycle state of a booking slot.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotPending   SlotStatus = "pending"
	SlotCancelled SlotStatus = "cancelled"
	SlotBlocked   SlotStatus = "blocked"
)

// Rule is a recurring weekly availability template owned by a provider.
type Rule struct {
	ID                 uuid.UUID    `json:"id"`
	ProviderID         string       `json:"provider_id"`
	ServiceID          string       `json:"service_id,omitempty"`
	DayOfWeek          time.Weekday `json:"day_of_week"`
	StartTime          ClockTime    `json:"start_time"`
	EndTime            ClockTime    `json:"end_time"`
	SlotDuration       int          `json:"slot_duration"`
	BufferTime         int          `json:"buffer_time"`
	MaxBookingsPerSlot int          `json:"max_bookings_per_slot"`
	ValidFrom          time.Time    `json:"valid_from"`
	ValidUntil         *time.Time   `json:"valid_until,omitempty"`
	Priority           int          `json:"priority"`
	Tags               []string     `json:"tags,omitempty"`
	PriceCents         *int64       `json:"price_cents,omitempty"`
	Requirements       string       `json:"requirements,omitempty"`
	Materialized       bool         `json:"materialized"`
	CreatedAt          time.Time    `json:"created_at"`
}

// Slot is a concrete bookable interval.
type Slot struct {
	ID              uuid.UUID  `json:"id"`
	ProviderID      string     `json:"provider_id"`
	ServiceID       string     `json:"service_id,omitempty"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	MaxCapacity     int        `json:"max_capacity"`
	CurrentBookings int        `json:"current_bookings"`
	Status          SlotStatus `json:"status"`
	PriceCents      *int64     `json:"price_cents,omitempty"`
	Requirements    string     `json:"requirements,omitempty"`
}

// Duration is the wall-clock length of the slot.
func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Remaining is the unclaimed capacity.
func (s Slot) Remaining() int {
	if r := s.MaxCapacity - s.CurrentBookings; r > 0 {
		return r
	}
	return 0
}

// BlockType classifies why a provider is unavailable.
type BlockType string

const (
	BlockVacation    BlockType = "vacation"
	BlockSick        BlockType = "sick"
	BlockMaintenance BlockType = "maintenance"
	BlockOther       BlockType = "other"
)

// Block is an ad-hoc exclusion window.
type Block struct {
	ProviderID string    `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Type       BlockType `json:"type"`
	Reason     string    `json:"reason,omitempty"`
}

// BookingStatus tracks a client's reservation.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// OpenBookingStatuses are the states a booking may still leave.
var OpenBookingStatuses = []BookingStatus{BookingPending, BookingConfirmed}

// Open reports whether the booking can still be cancelled or completed.
func (s BookingStatus) Open() bool {
	return s == BookingPending || s == BookingConfirmed
}

// Booking is a client's claim on one unit of slot capacity.
type Booking struct {
	ID          uuid.UUID     `json:"id"`
	SlotID      uuid.UUID     `json:"slot_id"`
	ProviderID  string        `json:"provider_id"`
	ServiceID   string        `json:"service_id,omitempty"`
	ClientID    string        `json:"client_id"`
	BookingType string        `json:"booking_type,omitempty"`
	Status      BookingStatus `json:"status"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Notes       string        `json:"notes,omitempty"`
	PriceCents  *int64        `json:"price_cents,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// BookingRequest carries the client-supplied part of a booking.
type BookingRequest struct {
	ClientID    string `json:"client_id"`
	ServiceID   string `json:"service_id,omitempty"`
	BookingType string `json:"booking_type,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Query selects bookable slots for a provider.
type Query struct {
	ProviderID        string      `json:"provider_id"`
	ServiceID         string      `json:"service_id,omitempty"`
	StartDate         time.Time   `json:"start_date"`
	EndDate           time.Time   `json:"end_date"`
	Duration          int         `json:"duration,omitempty"`
	BookingType       string      `json:"booking_type,omitempty"`
	PreferredTimes    []ClockTime `json:"preferred_times,omitempty"`
	ExcludeWeekends   bool        `json:"exclude_weekends,omitempty"`
	MinAdvanceNotice  int         `json:"min_advance_notice,omitempty"`
	MaxAdvanceBooking int         `json:"max_advance_booking,omitempty"`
}

// Suggestion is a scored candidate slot. It is never persisted.
type Suggestion struct {
	Slot         Slot     `json:"slot"`
	Score        int      `json:"score"`
	Reasons      []string `json:"reasons"`
	Alternatives []Slot   `json:"alternatives"`
}

// CalendarEventType distinguishes calendar entries.
type CalendarEventType string

const (
	EventBooking   CalendarEventType = "booking"
	EventAvailable CalendarEventType = "available"
	EventBlocked   CalendarEventType = "blocked"
)

// CalendarEvent is a display projection over bookings and slots.
type CalendarEvent struct {
	ID    string            `json:"id"`
	Title string            `json:"title"`
	Start time.Time         `json:"start"`
	End   time.Time         `json:"end"`
	Type  CalendarEventType `json:"type"`
	Color string            `json:"color"`
}
