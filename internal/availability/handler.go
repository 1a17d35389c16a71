package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hsematch/scheduling/pkg/logging"
)

const dateLayout = "2006-01-02"

// Handler exposes the availability service over HTTP.
type Handler struct {
	svc       *Service
	logger    *logging.Logger
	authorize BookingAuthorizer
}

// BookingAuthorizer reports whether the caller of r may move booking to target.
type BookingAuthorizer func(r *http.Request, booking *Booking, target BookingStatus) bool

// NewHandler creates a new availability handler.
func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if svc == nil {
		panic("availability: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// WithBookingAuthorizer returns a copy of h that checks fn before cancelling
// or completing a booking.
func (h *Handler) WithBookingAuthorizer(fn BookingAuthorizer) *Handler {
	cp := *h
	cp.authorize = fn
	return &cp
}

type ruleRequest struct {
	ServiceID          string    `json:"service_id"`
	DayOfWeek          *int      `json:"day_of_week"`
	StartTime          ClockTime `json:"start_time"`
	EndTime            ClockTime `json:"end_time"`
	SlotDuration       int       `json:"slot_duration"`
	BufferTime         int       `json:"buffer_time"`
	MaxBookingsPerSlot int       `json:"max_bookings_per_slot"`
	ValidFrom          string    `json:"valid_from"`
	ValidUntil         string    `json:"valid_until"`
	Priority           int       `json:"priority"`
	Tags               []string  `json:"tags"`
	PriceCents         *int64    `json:"price_cents"`
	Requirements       string    `json:"requirements"`
}

// CreateRule handles POST /providers/{providerID}/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DayOfWeek == nil {
		writeError(w, http.StatusBadRequest, "day_of_week is required")
		return
	}
	validFrom, err := parseDay(req.ValidFrom, h.svc.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "valid_from: "+err.Error())
		return
	}
	rule := Rule{
		ProviderID:         chi.URLParam(r, "providerID"),
		ServiceID:          req.ServiceID,
		DayOfWeek:          time.Weekday(*req.DayOfWeek),
		StartTime:          req.StartTime,
		EndTime:            req.EndTime,
		SlotDuration:       req.SlotDuration,
		BufferTime:         req.BufferTime,
		MaxBookingsPerSlot: req.MaxBookingsPerSlot,
		ValidFrom:          validFrom,
		Priority:           req.Priority,
		Tags:               req.Tags,
		PriceCents:         req.PriceCents,
		Requirements:       req.Requirements,
	}
	if req.ValidUntil != "" {
		until, err := parseDay(req.ValidUntil, h.svc.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "valid_until: "+err.Error())
			return
		}
		rule.ValidUntil = &until
	}

	res, err := h.svc.CreateRule(r.Context(), rule)
	if err != nil {
		h.fail(w, "create rule", err)
		return
	}
	status := http.StatusCreated
	if !res.Materialized {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type slotsResponse struct {
	Slots []Slot `json:"slots"`
	Count int    `json:"count"`
}

// FindAvailability handles GET /providers/{providerID}/availability.
func (h *Handler) FindAvailability(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slots, err := h.svc.FindAvailability(r.Context(), q)
	if err != nil {
		h.fail(w, "find availability", err)
		return
	}
	if slots == nil {
		slots = []Slot{}
	}
	writeJSON(w, http.StatusOK, slotsResponse{Slots: slots, Count: len(slots)})
}

// Suggest handles GET /providers/{providerID}/suggestions.
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	suggestions, err := h.svc.Suggest(r.Context(), q)
	if err != nil {
		h.fail(w, "suggest slots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions, "count": len(suggestions)})
}

// Block handles POST /providers/{providerID}/blocks.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	var block Block
	if err := json.NewDecoder(r.Body).Decode(&block); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	block.ProviderID = chi.URLParam(r, "providerID")
	n, err := h.svc.BlockAvailability(r.Context(), block)
	if err != nil {
		h.fail(w, "block availability", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked_slots": n})
}

// Calendar handles GET /providers/{providerID}/calendar.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	loc := h.svc.Location()
	from, err := parseDay(r.URL.Query().Get("start"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start: "+err.Error())
		return
	}
	to, err := parseDay(r.URL.Query().Get("end"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end: "+err.Error())
		return
	}
	events, err := h.svc.Calendar(r.Context(), chi.URLParam(r, "providerID"), from, to)
	if err != nil {
		h.fail(w, "calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// BookSlot handles POST /slots/{slotID}/bookings.
func (h *Handler) BookSlot(w http.ResponseWriter, r *http.Request) {
	slotID, err := uuid.Parse(chi.URLParam(r, "slotID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot id")
		return
	}
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	booking, err := h.svc.BookSlot(r.Context(), slotID, req)
	if err != nil {
		h.fail(w, "book slot", err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

// CancelBooking handles POST /bookings/{bookingID}/cancel.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, BookingCancelled, h.svc.CancelBooking)
}

// CompleteBooking handles POST /bookings/{bookingID}/complete.
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, BookingCompleted, h.svc.CompleteBooking)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, target BookingStatus, fn func(context.Context, uuid.UUID) (*Booking, error)) {
	op := "set booking " + string(target)
	id, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}
	if h.authorize != nil {
		current, err := h.svc.GetBooking(r.Context(), id)
		if err != nil {
			h.fail(w, op, err)
			return
		}
		if !h.authorize(r, current, target) {
			writeError(w, http.StatusForbidden, "not allowed to change this booking")
			return
		}
	}
	booking, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// Sweep handles POST /maintenance/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Sweep(r.Context())
	if err != nil {
		h.fail(w, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) parseQuery(r *http.Request) (Query, error) {
	loc := h.svc.Location()
	params := r.URL.Query()
	q := Query{
		ProviderID:  chi.URLParam(r, "providerID"),
		ServiceID:   params.Get("service_id"),
		BookingType: params.Get("booking_type"),
	}
	var err error
	if q.StartDate, err = parseDay(params.Get("start"), loc); err != nil {
		return q, fmt.Errorf("start: %w", err)
	}
	if q.EndDate, err = parseDay(params.Get("end"), loc); err != nil {
		return q, fmt.Errorf("end: %w", err)
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"duration", &q.Duration},
		{"min_notice_hours", &q.MinAdvanceNotice},
		{"max_advance_days", &q.MaxAdvanceBooking},
	}
	for _, p := range ints {
		raw := params.Get(p.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return q, fmt.Errorf("%s must be a non-negative integer", p.key)
		}
		*p.dst = v
	}
	if raw := params.Get("exclude_weekends"); raw != "" {
		if q.ExcludeWeekends, err = strconv.ParseBool(raw); err != nil {
			return q, errors.New("exclude_weekends must be a boolean")
		}
	}
	if raw := params.Get("preferred"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			c, err := ParseClock(strings.TrimSpace(part))
			if err != nil {
				return q, fmt.Errorf("preferred: %w", err)
			}
			q.PreferredTimes = append(q.PreferredTimes, c)
		}
	}
	return q, nil
}

// parseDay accepts a calendar date in loc or a full RFC 3339 timestamp.
func parseDay(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("date is required")
	}
	if t, err := time.ParseInLocation(dateLayout, raw, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", raw)
	}
	return t.In(loc), nil
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "error", err)
		if status == http.StatusServiceUnavailable {
			writeError(w, status, ErrQueryFailed.Error())
			return
		}
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidQuery),
		errors.Is(err, ErrInvalidBlock), errors.Is(err, ErrInvalidBooking):
		return http.StatusBadRequest
	case errors.Is(err, ErrSlotNotFound), errors.Is(err, ErrBookingNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSlotUnavailable), errors.Is(err, ErrSlotFull), errors.Is(err, ErrBookingClosed):
		return http.StatusConflict
	case errors.Is(err, ErrQueryFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
