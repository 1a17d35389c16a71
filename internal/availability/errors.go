package availability

import "errors"

var (
	// ErrInvalidRule is returned when a rule cannot produce slots at all.
	ErrInvalidRule = errors.New("invalid availability rule")

	// ErrInvalidQuery is returned for malformed availability queries.
	ErrInvalidQuery = errors.New("invalid availability query")

	// ErrInvalidBlock is returned for blocks without a provider or with an inverted window.
	ErrInvalidBlock = errors.New("invalid availability block")

	// ErrSlotNotFound is returned when a slot id does not exist.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrSlotUnavailable is returned when a slot is not open for booking.
	ErrSlotUnavailable = errors.New("slot not available")

	// ErrSlotFull is returned when a slot has no remaining capacity.
	ErrSlotFull = errors.New("slot at capacity")

	// ErrBookingNotFound is returned when a booking id does not exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrQueryFailed marks persistence read failures so callers can tell them apart from empty results.
	ErrQueryFailed = errors.New("availability query failed")
)

var (
	// ErrInvalidBooking is returned when a booking request lacks a client.
	ErrInvalidBooking = errors.New("invalid booking request")

	// ErrBookingClosed is returned when a completed or cancelled booking is changed.
	ErrBookingClosed = errors.New("booking already closed")
)
