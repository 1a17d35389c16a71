// Package postgrest stores availability through a Supabase PostgREST endpoint.
package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	pgrst "github.com/supabase-community/postgrest-go"

	"github.com/hsematch/scheduling/internal/availability"
)

const (
	rulesTable    = "availability_rules"
	slotsTable    = "booking_slots"
	bookingsTable = "bookings"

	returnRows = "representation"

	// maxCASAttempts bounds the read/compare/write loop on a contended slot.
	maxCASAttempts = 5
)

// Client is satisfied by both *supabase.Client and *postgrest.Client.
type Client interface {
	From(table string) *pgrst.QueryBuilder
}

// Store implements availability.Store over PostgREST. PostgREST has no
// arithmetic updates, so capacity changes are compare-and-set PATCHes
// filtered on the current_bookings value that was read.
type Store struct {
	client Client
}

func NewStore(client Client) *Store {
	if client == nil {
		panic("slotstore: postgrest client required")
	}
	return &Store{client: client}
}

var _ availability.Store = (*Store)(nil)

type ruleRow struct {
	ID                 uuid.UUID  `json:"id"`
	ProviderID         string     `json:"provider_id"`
	ServiceID          string     `json:"service_id"`
	DayOfWeek          int        `json:"day_of_week"`
	StartMinute        int        `json:"start_minute"`
	EndMinute          int        `json:"end_minute"`
	SlotDuration       int        `json:"slot_duration"`
	BufferTime         int        `json:"buffer_time"`
	MaxBookingsPerSlot int        `json:"max_bookings_per_slot"`
	ValidFrom          time.Time  `json:"valid_from"`
	ValidUntil         *time.Time `json:"valid_until"`
	Priority           int        `json:"priority"`
	Tags               []string   `json:"tags"`
	PriceCents         *int64     `json:"price_cents"`
	Requirements       string     `json:"requirements"`
	Materialized       bool       `json:"materialized"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (r ruleRow) toRule() availability.Rule {
	return availability.Rule{
		ID:                 r.ID,
		ProviderID:         r.ProviderID,
		ServiceID:          r.ServiceID,
		DayOfWeek:          time.Weekday(r.DayOfWeek),
		StartTime:          availability.ClockTime(r.StartMinute),
		EndTime:            availability.ClockTime(r.EndMinute),
		SlotDuration:       r.SlotDuration,
		BufferTime:         r.BufferTime,
		MaxBookingsPerSlot: r.MaxBookingsPerSlot,
		ValidFrom:          r.ValidFrom,
		ValidUntil:         r.ValidUntil,
		Priority:           r.Priority,
		Tags:               r.Tags,
		PriceCents:         r.PriceCents,
		Requirements:       r.Requirements,
		Materialized:       r.Materialized,
		CreatedAt:          r.CreatedAt,
	}
}

type slotRow struct {
	ID              uuid.UUID `json:"id"`
	ProviderID      string    `json:"provider_id"`
	ServiceID       string    `json:"service_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	MaxCapacity     int       `json:"max_capacity"`
	CurrentBookings int       `json:"current_bookings"`
	Status          string    `json:"status"`
	PriceCents      *int64    `json:"price_cents"`
	Requirements    string    `json:"requirements"`
}

func fromSlot(s availability.Slot) slotRow {
	return slotRow{
		ID:              s.ID,
		ProviderID:      s.ProviderID,
		ServiceID:       s.ServiceID,
		StartTime:       s.Start.UTC(),
		EndTime:         s.End.UTC(),
		MaxCapacity:     s.MaxCapacity,
		CurrentBookings: s.CurrentBookings,
		Status:          string(s.Status),
		PriceCents:      s.PriceCents,
		Requirements:    s.Requirements,
	}
}

func (r slotRow) toSlot() availability.Slot {
	return availability.Slot{
		ID:              r.ID,
		ProviderID:      r.ProviderID,
		ServiceID:       r.ServiceID,
		Start:           r.StartTime,
		End:             r.EndTime,
		MaxCapacity:     r.MaxCapacity,
		CurrentBookings: r.CurrentBookings,
		Status:          availability.SlotStatus(r.Status),
		PriceCents:      r.PriceCents,
		Requirements:    r.Requirements,
	}
}

type bookingRow struct {
	ID          uuid.UUID `json:"id"`
	SlotID      uuid.UUID `json:"slot_id"`
	ProviderID  string    `json:"provider_id"`
	ServiceID   string    `json:"service_id"`
	ClientID    string    `json:"client_id"`
	BookingType string    `json:"booking_type"`
	Status      string    `json:"status"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Notes       string    `json:"notes"`
	PriceCents  *int64    `json:"price_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r bookingRow) toBooking() availability.Booking {
	return availability.Booking{
		ID:          r.ID,
		SlotID:      r.SlotID,
		ProviderID:  r.ProviderID,
		ServiceID:   r.ServiceID,
		ClientID:    r.ClientID,
		BookingType: r.BookingType,
		Status:      availability.BookingStatus(r.Status),
		Start:       r.StartTime,
		End:         r.EndTime,
		Notes:       r.Notes,
		PriceCents:  r.PriceCents,
		CreatedAt:   r.CreatedAt,
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// within renders a half-open range on col, plus any extra conditions, as one
// logic tree. Query params are keyed by column, so two filters on the same
// column cannot be sent separately.
func within(col string, from, to time.Time, extra ...string) string {
	var parts []string
	if !from.IsZero() {
		parts = append(parts, col+".gte."+quote(stamp(from)))
	}
	if !to.IsZero() {
		parts = append(parts, col+".lt."+quote(stamp(to)))
	}
	parts = append(parts, extra...)
	if len(parts) == 0 {
		return ""
	}
	return "and(" + strings.Join(parts, ",") + ")"
}

func decode[T any](data []byte, op string) ([]T, error) {
	var rows []T
	if len(data) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("slotstore: %s: decode: %w", op, err)
	}
	return rows, nil
}

func (s *Store) InsertRule(_ context.Context, rule *availability.Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	tags := rule.Tags
	if tags == nil {
		tags = []string{}
	}
	row := ruleRow{
		ID:                 rule.ID,
		ProviderID:         rule.ProviderID,
		ServiceID:          rule.ServiceID,
		DayOfWeek:          int(rule.DayOfWeek),
		StartMinute:        int(rule.StartTime),
		EndMinute:          int(rule.EndTime),
		SlotDuration:       rule.SlotDuration,
		BufferTime:         rule.BufferTime,
		MaxBookingsPerSlot: rule.MaxBookingsPerSlot,
		ValidFrom:          rule.ValidFrom.UTC(),
		ValidUntil:         rule.ValidUntil,
		Priority:           rule.Priority,
		Tags:               tags,
		PriceCents:         rule.PriceCents,
		Requirements:       rule.Requirements,
		Materialized:       rule.Materialized,
		CreatedAt:          rule.CreatedAt,
	}
	if _, _, err := s.client.From(rulesTable).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("slotstore: insert rule: %w", err)
	}
	return nil
}

func (s *Store) MarkRuleMaterialized(_ context.Context, ruleID uuid.UUID) error {
	data, _, err := s.client.From(rulesTable).
		Update(map[string]any{"materialized": true}, returnRows, "").
		Eq("id", ruleID.String()).
		Execute()
	if err != nil {
		return fmt.Errorf("slotstore: mark rule materialized: %w", err)
	}
	rows, err := decode[ruleRow](data, "mark rule materialized")
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("slotstore: mark rule materialized: rule %s not found", ruleID)
	}
	return nil
}

func (s *Store) ListUnmaterializedRules(_ context.Context, limit int) ([]availability.Rule, error) {
	data, _, err := s.client.From(rulesTable).
		Select("*", "", false).
		Eq("materialized", "false").
		Order("created_at", &pgrst.OrderOpts{Ascending: true}).
		Limit(limit, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("slotstore: list pending rules: %w", err)
	}
	rows, err := decode[ruleRow](data, "list pending rules")
	if err != nil {
		return nil, err
	}
	rules := make([]availability.Rule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.toRule())
	}
	return rules, nil
}

// InsertSlots sends every slot in one bulk insert, which PostgREST runs as a
// single statement.
func (s *Store) InsertSlots(_ context.Context, slots []availability.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	rows := make([]slotRow, 0, len(slots))
	for i := range slots {
		if slots[i].ID == uuid.Nil {
			slots[i].ID = uuid.New()
		}
		rows = append(rows, fromSlot(slots[i]))
	}
	if _, _, err := s.client.From(slotsTable).Insert(rows, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("slotstore: insert slots: %w", err)
	}
	return nil
}

func (s *Store) QuerySlots(_ context.Context, filter availability.SlotFilter) ([]availability.Slot, error) {
	q := s.client.From(slotsTable).
		Select("*", "", false).
		Eq("provider_id", filter.ProviderID)
	var extra []string
	if filter.ServiceID != "" {
		extra = append(extra, fmt.Sprintf(`or(service_id.eq.%s,service_id.eq."")`, quote(filter.ServiceID)))
	}
	if tree := within("start_time", filter.From, filter.To, extra...); tree != "" {
		q = q.Or(tree, "")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.In("status", statuses)
	}
	data, _, err := q.Order("start_time", &pgrst.OrderOpts{Ascending: true}).Execute()
	if err != nil {
		return nil, fmt.Errorf("slotstore: query slots: %w", err)
	}
	rows, err := decode[slotRow](data, "query slots")
	if err != nil {
		return nil, err
	}
	slots := make([]availability.Slot, 0, len(rows))
	for _, r := range rows {
		slots = append(slots, r.toSlot())
	}
	return slots, nil
}

func (s *Store) GetSlot(_ context.Context, id uuid.UUID) (*availability.Slot, error) {
	data, _, err := s.client.From(slotsTable).
		Select("*", "", false).
		Eq("id", id.String()).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("slotstore: get slot: %w", err)
	}
	rows, err := decode[slotRow](data, "get slot")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, availability.ErrSlotNotFound
	}
	slot := rows[0].toSlot()
	return &slot, nil
}

func (s *Store) BlockSlots(_ context.Context, providerID string, from, to time.Time) (int, error) {
	data, _, err := s.client.From(slotsTable).
		Update(map[string]any{"status": string(availability.SlotBlocked)}, returnRows, "").
		Eq("provider_id", providerID).
		Eq("status", string(availability.SlotAvailable)).
		Gte("start_time", stamp(from)).
		Lte("end_time", stamp(to)).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("slotstore: block slots: %w", err)
	}
	rows, err := decode[slotRow](data, "block slots")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// casSlot patches the slot only if current_bookings still equals the value
// that was read. A nil row means another writer got there first.
func (s *Store) casSlot(slot availability.Slot, next map[string]any) (*availability.Slot, error) {
	data, _, err := s.client.From(slotsTable).
		Update(next, returnRows, "").
		Eq("id", slot.ID.String()).
		Eq("current_bookings", strconv.Itoa(slot.CurrentBookings)).
		Eq("status", string(slot.Status)).
		Execute()
	if err != nil {
		return nil, err
	}
	rows, err := decode[slotRow](data, "update slot")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	updated := rows[0].toSlot()
	return &updated, nil
}

func (s *Store) ClaimSlot(ctx context.Context, id uuid.UUID) (*availability.Slot, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		slot, err := s.GetSlot(ctx, id)
		if err != nil {
			return nil, err
		}
		if slot.Status != availability.SlotAvailable || slot.CurrentBookings >= slot.MaxCapacity {
			return nil, availability.ErrSlotFull
		}
		status := slot.Status
		if slot.CurrentBookings+1 >= slot.MaxCapacity {
			status = availability.SlotBooked
		}
		updated, err := s.casSlot(*slot, map[string]any{
			"current_bookings": slot.CurrentBookings + 1,
			"status":           string(status),
		})
		if err != nil {
			return nil, fmt.Errorf("slotstore: claim slot: %w", err)
		}
		if updated != nil {
			return updated, nil
		}
	}
	return nil, availability.ErrSlotFull
}

func (s *Store) ReleaseSlot(ctx context.Context, id uuid.UUID) (*availability.Slot, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		slot, err := s.GetSlot(ctx, id)
		if err != nil {
			return nil, err
		}
		current := slot.CurrentBookings
		if current > 0 {
			current--
		}
		status := slot.Status
		if status == availability.SlotBooked {
			status = availability.SlotAvailable
		}
		updated, err := s.casSlot(*slot, map[string]any{
			"current_bookings": current,
			"status":           string(status),
		})
		if err != nil {
			return nil, fmt.Errorf("slotstore: release slot: %w", err)
		}
		if updated != nil {
			return updated, nil
		}
	}
	return nil, fmt.Errorf("slotstore: release slot %s: too much contention", id)
}

func (s *Store) ExpireSlots(_ context.Context, before time.Time) (int, error) {
	data, _, err := s.client.From(slotsTable).
		Update(map[string]any{"status": string(availability.SlotCancelled)}, returnRows, "").
		Eq("status", string(availability.SlotAvailable)).
		Lt("end_time", stamp(before)).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("slotstore: expire slots: %w", err)
	}
	rows, err := decode[slotRow](data, "expire slots")
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *Store) ReadBookingHistory(_ context.Context, filter availability.HistoryFilter) ([]time.Time, error) {
	q := s.client.From(bookingsTable).
		Select("start_time", "", false).
		Eq("provider_id", filter.ProviderID).
		Gte("start_time", stamp(filter.Since))
	if filter.Status != "" {
		q = q.Eq("status", string(filter.Status))
	}
	q = q.Order("start_time", &pgrst.OrderOpts{Ascending: false})
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit, "")
	}
	data, _, err := q.Execute()
	if err != nil {
		return nil, fmt.Errorf("slotstore: read booking history: %w", err)
	}
	rows, err := decode[bookingRow](data, "read booking history")
	if err != nil {
		return nil, err
	}
	starts := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		starts = append(starts, r.StartTime)
	}
	return starts, nil
}

func (s *Store) InsertBooking(_ context.Context, b *availability.Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	row := bookingRow{
		ID:          b.ID,
		SlotID:      b.SlotID,
		ProviderID:  b.ProviderID,
		ServiceID:   b.ServiceID,
		ClientID:    b.ClientID,
		BookingType: b.BookingType,
		Status:      string(b.Status),
		StartTime:   b.Start.UTC(),
		EndTime:     b.End.UTC(),
		Notes:       b.Notes,
		PriceCents:  b.PriceCents,
		CreatedAt:   b.CreatedAt,
	}
	if _, _, err := s.client.From(bookingsTable).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("slotstore: insert booking: %w", err)
	}
	return nil
}

func (s *Store) GetBooking(_ context.Context, id uuid.UUID) (*availability.Booking, error) {
	data, _, err := s.client.From(bookingsTable).
		Select("*", "", false).
		Eq("id", id.String()).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("slotstore: get booking: %w", err)
	}
	rows, err := decode[bookingRow](data, "get booking")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, availability.ErrBookingNotFound
	}
	b := rows[0].toBooking()
	return &b, nil
}

func (s *Store) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status availability.BookingStatus) error {
	open := make([]string, len(availability.OpenBookingStatuses))
	for i, st := range availability.OpenBookingStatuses {
		open[i] = string(st)
	}
	data, _, err := s.client.From(bookingsTable).
		Update(map[string]any{"status": string(status)}, returnRows, "").
		Eq("id", id.String()).
		In("status", open).
		Execute()
	if err != nil {
		return fmt.Errorf("slotstore: update booking status: %w", err)
	}
	rows, err := decode[bookingRow](data, "update booking status")
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	if _, err := s.GetBooking(ctx, id); err != nil {
		return err
	}
	return availability.ErrBookingClosed
}

func (s *Store) ListBookings(_ context.Context, providerID string, from, to time.Time) ([]availability.Booking, error) {
	data, _, err := s.client.From(bookingsTable).
		Select("*", "", false).
		Eq("provider_id", providerID).
		Or(within("start_time", from, to), "").
		Order("start_time", &pgrst.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("slotstore: list bookings: %w", err)
	}
	rows, err := decode[bookingRow](data, "list bookings")
	if err != nil {
		return nil, err
	}
	out := make([]availability.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toBooking())
	}
	return out, nil
}
