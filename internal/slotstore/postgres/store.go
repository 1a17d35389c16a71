package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hsematch/scheduling/internal/availability"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store persists rules, slots and bookings in Postgres.
type Store struct {
	db DB
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("slotstore: pgx pool required")
	}
	return &Store{db: pool}
}

func newStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

var _ availability.Store = (*Store)(nil)

const slotColumns = `id, provider_id, service_id, start_time, end_time, max_capacity, current_bookings, status, price_cents, requirements`

const ruleColumns = `id, provider_id, service_id, day_of_week, start_minute, end_minute, slot_duration, buffer_time,
	max_bookings_per_slot, valid_from, valid_until, priority, tags, price_cents, requirements, materialized, created_at`

const bookingColumns = `id, slot_id, provider_id, service_id, client_id, booking_type, status, start_time, end_time, notes, price_cents, created_at`

var slotCopyColumns = []string{"id", "provider_id", "service_id", "start_time", "end_time", "max_capacity", "current_bookings", "status", "price_cents", "requirements"}

func (s *Store) InsertRule(ctx context.Context, rule *availability.Rule) error {
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
	query := `
		INSERT INTO availability_rules (` + ruleColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err := s.db.Exec(ctx, query,
		rule.ID, rule.ProviderID, rule.ServiceID, int(rule.DayOfWeek), int(rule.StartTime), int(rule.EndTime),
		rule.SlotDuration, rule.BufferTime, rule.MaxBookingsPerSlot, rule.ValidFrom.UTC(), utcPtr(rule.ValidUntil),
		rule.Priority, tags, rule.PriceCents, rule.Requirements, rule.Materialized, rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("slotstore: insert rule: %w", err)
	}
	return nil
}

func (s *Store) MarkRuleMaterialized(ctx context.Context, ruleID uuid.UUID) error {
	ct, err := s.db.Exec(ctx, `UPDATE availability_rules SET materialized = TRUE WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("slotstore: mark rule materialized: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("slotstore: mark rule materialized: rule %s not found", ruleID)
	}
	return nil
}

func (s *Store) ListUnmaterializedRules(ctx context.Context, limit int) ([]availability.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM availability_rules
		WHERE NOT materialized
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("slotstore: list pending rules: %w", err)
	}
	defer rows.Close()

	var rules []availability.Rule
	for rows.Next() {
		var (
			r               availability.Rule
			day, start, end int
		)
		if err := rows.Scan(&r.ID, &r.ProviderID, &r.ServiceID, &day, &start, &end, &r.SlotDuration, &r.BufferTime,
			&r.MaxBookingsPerSlot, &r.ValidFrom, &r.ValidUntil, &r.Priority, &r.Tags, &r.PriceCents, &r.Requirements,
			&r.Materialized, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("slotstore: scan rule: %w", err)
		}
		r.DayOfWeek = time.Weekday(day)
		r.StartTime = availability.ClockTime(start)
		r.EndTime = availability.ClockTime(end)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// InsertSlots bulk-loads slots with COPY, so a rule's slots land all or nothing.
func (s *Store) InsertSlots(ctx context.Context, slots []availability.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(slots))
	for i := range slots {
		if slots[i].ID == uuid.Nil {
			slots[i].ID = uuid.New()
		}
		sl := slots[i]
		rows = append(rows, []any{
			sl.ID, sl.ProviderID, sl.ServiceID, sl.Start.UTC(), sl.End.UTC(), sl.MaxCapacity,
			sl.CurrentBookings, string(sl.Status), sl.PriceCents, sl.Requirements,
		})
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"booking_slots"}, slotCopyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("slotstore: copy slots: %w", err)
	}
	if int(n) != len(slots) {
		return fmt.Errorf("slotstore: copy slots: wrote %d of %d", n, len(slots))
	}
	return nil
}

func (s *Store) QuerySlots(ctx context.Context, filter availability.SlotFilter) ([]availability.Slot, error) {
	var (
		where = []string{"provider_id = $1"}
		args  = []any{filter.ProviderID}
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ServiceID != "" {
		add("(service_id = $%d OR service_id = '')", filter.ServiceID)
	}
	if !filter.From.IsZero() {
		add("start_time >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("start_time < $%d", filter.To.UTC())
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	query := `SELECT ` + slotColumns + ` FROM booking_slots WHERE ` + strings.Join(where, " AND ") + ` ORDER BY start_time`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("slotstore: query slots: %w", err)
	}
	defer rows.Close()

	var slots []availability.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("slotstore: scan slot: %w", err)
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

func (s *Store) GetSlot(ctx context.Context, id uuid.UUID) (*availability.Slot, error) {
	row := s.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM booking_slots WHERE id = $1`, id)
	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, availability.ErrSlotNotFound
		}
		return nil, fmt.Errorf("slotstore: get slot: %w", err)
	}
	return slot, nil
}

func (s *Store) BlockSlots(ctx context.Context, providerID string, from, to time.Time) (int, error) {
	query := `
		UPDATE booking_slots
		SET status = 'blocked'
		WHERE provider_id = $1 AND status = 'available' AND start_time >= $2 AND end_time <= $3
	`
	ct, err := s.db.Exec(ctx, query, providerID, from.UTC(), to.UTC())
	if err != nil {
		return 0, fmt.Errorf("slotstore: block slots: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// ClaimSlot increments capacity only while the row still has room, so two
// concurrent claims on the last seat cannot both succeed.
func (s *Store) ClaimSlot(ctx context.Context, id uuid.UUID) (*availability.Slot, error) {
	query := `
		UPDATE booking_slots
		SET current_bookings = current_bookings + 1,
			status = CASE WHEN current_bookings + 1 >= max_capacity THEN 'booked' ELSE status END
		WHERE id = $1 AND status = 'available' AND current_bookings < max_capacity
		RETURNING ` + slotColumns
	slot, err := scanSlot(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, availability.ErrSlotFull
		}
		return nil, fmt.Errorf("slotstore: claim slot: %w", err)
	}
	return slot, nil
}

func (s *Store) ReleaseSlot(ctx context.Context, id uuid.UUID) (*availability.Slot, error) {
	query := `
		UPDATE booking_slots
		SET current_bookings = GREATEST(current_bookings - 1, 0),
			status = CASE WHEN status = 'booked' THEN 'available' ELSE status END
		WHERE id = $1
		RETURNING ` + slotColumns
	slot, err := scanSlot(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, availability.ErrSlotNotFound
		}
		return nil, fmt.Errorf("slotstore: release slot: %w", err)
	}
	return slot, nil
}

func (s *Store) ExpireSlots(ctx context.Context, before time.Time) (int, error) {
	query := `
		UPDATE booking_slots
		SET status = 'cancelled'
		WHERE status = 'available' AND end_time < $1
	`
	ct, err := s.db.Exec(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("slotstore: expire slots: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) ReadBookingHistory(ctx context.Context, filter availability.HistoryFilter) ([]time.Time, error) {
	query := `
		SELECT start_time
		FROM bookings
		WHERE provider_id = $1 AND ($2 = '' OR status = $2) AND start_time >= $3
		ORDER BY start_time DESC
		LIMIT $4
	`
	rows, err := s.db.Query(ctx, query, filter.ProviderID, string(filter.Status), filter.Since.UTC(), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("slotstore: read booking history: %w", err)
	}
	defer rows.Close()

	var starts []time.Time
	for rows.Next() {
		var start time.Time
		if err := rows.Scan(&start); err != nil {
			return nil, fmt.Errorf("slotstore: scan booking history: %w", err)
		}
		starts = append(starts, start)
	}
	return starts, rows.Err()
}

func (s *Store) InsertBooking(ctx context.Context, b *availability.Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	_, err := s.db.Exec(ctx, query, b.ID, b.SlotID, b.ProviderID, b.ServiceID, b.ClientID, b.BookingType,
		string(b.Status), b.Start.UTC(), b.End.UTC(), b.Notes, b.PriceCents, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("slotstore: insert booking: %w", err)
	}
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (*availability.Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, availability.ErrBookingNotFound
		}
		return nil, fmt.Errorf("slotstore: get booking: %w", err)
	}
	return b, nil
}

func (s *Store) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status availability.BookingStatus) error {
	ct, err := s.db.Exec(ctx,
		`UPDATE bookings SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, string(status), openStatuses())
	if err != nil {
		return fmt.Errorf("slotstore: update booking status: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return availability.ErrBookingNotFound
		}
		return fmt.Errorf("slotstore: read booking status: %w", err)
	}
	return availability.ErrBookingClosed
}

func (s *Store) ListBookings(ctx context.Context, providerID string, from, to time.Time) ([]availability.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE provider_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time
	`
	rows, err := s.db.Query(ctx, query, providerID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("slotstore: list bookings: %w", err)
	}
	defer rows.Close()

	var out []availability.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("slotstore: scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(row scanner) (*availability.Slot, error) {
	var (
		slot   availability.Slot
		status string
	)
	if err := row.Scan(&slot.ID, &slot.ProviderID, &slot.ServiceID, &slot.Start, &slot.End, &slot.MaxCapacity,
		&slot.CurrentBookings, &status, &slot.PriceCents, &slot.Requirements); err != nil {
		return nil, err
	}
	slot.Status = availability.SlotStatus(status)
	return &slot, nil
}

func scanBooking(row scanner) (*availability.Booking, error) {
	var (
		b      availability.Booking
		status string
	)
	if err := row.Scan(&b.ID, &b.SlotID, &b.ProviderID, &b.ServiceID, &b.ClientID, &b.BookingType, &status,
		&b.Start, &b.End, &b.Notes, &b.PriceCents, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Status = availability.BookingStatus(status)
	return &b, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func openStatuses() []string {
	out := make([]string, len(availability.OpenBookingStatuses))
	for i, st := range availability.OpenBookingStatuses {
		out[i] = string(st)
	}
	return out
}
