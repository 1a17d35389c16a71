package availability

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hsematch/scheduling/internal/observability/metrics"
	"github.com/hsematch/scheduling/pkg/logging"
)

var availabilityTracer = otel.Tracer("hsematch.internal.availability")

const (
	defaultPoolSize     = 10
	defaultHistoryDays  = 90
	defaultHistoryLimit = 500
	rematerializeBatch  = 50
	cacheKeyPrefix      = "availability:"
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Cache             Cache
	Clock             Clock
	Logger            *logging.Logger
	Metrics           *metrics.SchedulingMetrics
	Location          *time.Location
	HorizonDays       int
	PoolSize          int
	HistoryWindowDays int
	HistoryLimit      int
}

// Service generates, queries, ranks and mutates provider availability.
type Service struct {
	store        Store
	cache        Cache
	clock        Clock
	logger       *logging.Logger
	metrics      *metrics.SchedulingMetrics
	loc          *time.Location
	horizonDays  int
	poolSize     int
	historyDays  int
	historyLimit int
}

// NewService constructs an availability service.
func NewService(store Store, opts Options) *Service {
	if store == nil {
		panic("availability: store required")
	}
	s := &Service{
		store:        store,
		cache:        opts.Cache,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		loc:          opts.Location,
		horizonDays:  opts.HorizonDays,
		poolSize:     opts.PoolSize,
		historyDays:  opts.HistoryWindowDays,
		historyLimit: opts.HistoryLimit,
	}
	if s.cache == nil {
		s.cache = noopCache{}
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.horizonDays <= 0 {
		s.horizonDays = DefaultHorizonDays
	}
	if s.poolSize <= 0 {
		s.poolSize = defaultPoolSize
	}
	if s.historyDays <= 0 {
		s.historyDays = defaultHistoryDays
	}
	if s.historyLimit <= 0 {
		s.historyLimit = defaultHistoryLimit
	}
	return s
}

// Location is the zone slots are generated and displayed in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// RuleResult reports what happened when a rule was created.
type RuleResult struct {
	Rule           Rule `json:"rule"`
	SlotsGenerated int  `json:"slots_generated"`
	// Materialized is false when slot persistence failed; the sweep retries it.
	Materialized bool `json:"materialized"`
}

func (s *Service) validateRule(rule *Rule) error {
	switch {
	case rule.ProviderID == "":
		return fmt.Errorf("%w: provider required", ErrInvalidRule)
	case rule.SlotDuration <= 0:
		return fmt.Errorf("%w: slot duration must be positive", ErrInvalidRule)
	case rule.BufferTime < 0:
		return fmt.Errorf("%w: buffer time cannot be negative", ErrInvalidRule)
	case rule.DayOfWeek < time.Sunday || rule.DayOfWeek > time.Saturday:
		return fmt.Errorf("%w: day of week out of range", ErrInvalidRule)
	case rule.StartTime < 0 || rule.EndTime > 24*60:
		return fmt.Errorf("%w: time of day out of range", ErrInvalidRule)
	case rule.ValidFrom.IsZero():
		return fmt.Errorf("%w: valid_from required", ErrInvalidRule)
	case rule.ValidUntil != nil && rule.ValidUntil.Before(rule.ValidFrom):
		return fmt.Errorf("%w: valid_until before valid_from", ErrInvalidRule)
	}
	return nil
}

// CreateRule persists a rule and materializes its slots. Slot persistence
// failures do not fail the call; they leave the rule unmaterialized.
func (s *Service) CreateRule(ctx context.Context, rule Rule) (*RuleResult, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.create_rule")
	defer span.End()

	if err := s.validateRule(&rule); err != nil {
		return nil, err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.MaxBookingsPerSlot <= 0 {
		rule.MaxBookingsPerSlot = 1
	}
	rule.ValidFrom = rule.ValidFrom.In(s.loc)
	if rule.ValidUntil != nil {
		until := rule.ValidUntil.In(s.loc)
		rule.ValidUntil = &until
	}
	rule.Materialized = false
	rule.CreatedAt = s.clock.Now().UTC()
	span.SetAttributes(
		attribute.String("hsematch.provider_id", rule.ProviderID),
		attribute.String("hsematch.rule_id", rule.ID.String()),
	)

	if rule.EndTime <= rule.StartTime {
		s.logger.Warn("availability rule window is empty", "rule_id", rule.ID, "provider_id", rule.ProviderID,
			"start", rule.StartTime.String(), "end", rule.EndTime.String())
	}

	if err := s.store.InsertRule(ctx, &rule); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("availability: insert rule: %w", err)
	}

	generated, err := s.materialize(ctx, &rule)
	if err != nil {
		span.RecordError(err)
	}
	return &RuleResult{Rule: rule, SlotsGenerated: generated, Materialized: rule.Materialized}, nil
}

func (s *Service) materialize(ctx context.Context, rule *Rule) (int, error) {
	slots := GenerateSlots(*rule, s.horizonDays)
	if len(slots) > 0 {
		if err := s.store.InsertSlots(ctx, slots); err != nil {
			s.metrics.ObserveGeneration("failed", len(slots))
			s.logger.Error("failed to persist generated slots", "rule_id", rule.ID, "provider_id", rule.ProviderID,
				"slots", len(slots), "error", err)
			return 0, err
		}
	}
	if err := s.store.MarkRuleMaterialized(ctx, rule.ID); err != nil {
		s.logger.Error("failed to mark rule materialized", "rule_id", rule.ID, "error", err)
		return len(slots), err
	}
	rule.Materialized = true
	s.metrics.ObserveGeneration("materialized", len(slots))
	s.cache.InvalidateProvider(ctx, rule.ProviderID)
	s.logger.Info("availability rule materialized", "rule_id", rule.ID, "provider_id", rule.ProviderID, "slots", len(slots))
	return len(slots), nil
}

// CacheKey is the cache signature of a query. It embeds the provider id so
// provider invalidation can match on it.
func CacheKey(q Query) string {
	data, _ := json.Marshal(q)
	sum := sha1.Sum(data)
	return cacheKeyPrefix + q.ProviderID + ":" + hex.EncodeToString(sum[:])
}

// FindAvailability returns available slots matching the query, ordered by
// start. A nil error with an empty slice means no slots matched; store
// failures are reported as ErrQueryFailed.
func (s *Service) FindAvailability(ctx context.Context, q Query) ([]Slot, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.find")
	defer span.End()
	span.SetAttributes(attribute.String("hsematch.provider_id", q.ProviderID))

	if err := q.Validate(); err != nil {
		return nil, err
	}

	key := CacheKey(q)
	if cached, ok := s.cache.Get(ctx, key); ok {
		s.metrics.ObserveQuery("hit")
		return cached, nil
	}

	from := startOfDay(q.StartDate.In(s.loc))
	to := startOfDay(q.EndDate.In(s.loc)).AddDate(0, 0, 1)
	slots, err := s.store.QuerySlots(ctx, SlotFilter{
		ProviderID: q.ProviderID,
		ServiceID:  q.ServiceID,
		From:       from,
		To:         to,
		Statuses:   []SlotStatus{SlotAvailable},
	})
	if err != nil {
		s.metrics.ObserveQuery("error")
		span.RecordError(err)
		s.logger.Error("availability read failed", "provider_id", q.ProviderID, "error", err)
		return nil, fmt.Errorf("availability: find: %w: %w", ErrQueryFailed, err)
	}

	s.localize(slots)
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	result := ApplyConstraints(slots, q, s.clock.Now())

	s.cache.Set(ctx, key, result)
	s.metrics.ObserveQuery("miss")
	return result, nil
}

// Suggest ranks the first PoolSize matching slots by desirability. The pool
// is cut before scoring, so a better slot later in the day may never be seen.
func (s *Service) Suggest(ctx context.Context, q Query) ([]Suggestion, error) {
	started := time.Now()
	ctx, span := availabilityTracer.Start(ctx, "availability.suggest")
	defer span.End()
	defer func() {
		s.metrics.ObserveSuggestLatency(len(q.PreferredTimes) > 0, time.Since(started).Seconds())
	}()

	slots, err := s.FindAvailability(ctx, q)
	if err != nil {
		return nil, err
	}
	pool := slots
	if len(pool) > s.poolSize {
		pool = pool[:s.poolSize]
	}
	if len(pool) == 0 {
		return []Suggestion{}, nil
	}

	now := s.clock.Now()
	var pop Popularity
	history, err := s.store.ReadBookingHistory(ctx, HistoryFilter{
		ProviderID: q.ProviderID,
		Since:      now.AddDate(0, 0, -s.historyDays),
		Status:     BookingCompleted,
		Limit:      s.historyLimit,
	})
	if err != nil {
		s.logger.Warn("booking history unavailable, scoring without popularity", "provider_id", q.ProviderID, "error", err)
	} else {
		pop = BuildPopularity(history, s.loc)
	}

	return RankSuggestions(pool, pop, q.PreferredTimes, now.In(s.loc)), nil
}

// BlockAvailability marks the provider's available slots that lie entirely
// inside the block window as blocked.
func (s *Service) BlockAvailability(ctx context.Context, block Block) (int, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.block")
	defer span.End()

	if block.ProviderID == "" || block.Start.IsZero() || !block.End.After(block.Start) {
		return 0, ErrInvalidBlock
	}
	switch block.Type {
	case "":
		block.Type = BlockOther
	case BlockVacation, BlockSick, BlockMaintenance, BlockOther:
	default:
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidBlock, block.Type)
	}

	n, err := s.store.BlockSlots(ctx, block.ProviderID, block.Start, block.End)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("availability: block: %w", err)
	}
	s.cache.InvalidateProvider(ctx, block.ProviderID)
	s.metrics.ObserveBlock(n)
	s.logger.Info("availability blocked", "provider_id", block.ProviderID, "type", block.Type,
		"start", block.Start, "end", block.End, "slots", n)
	return n, nil
}

// BookSlot claims one unit of capacity on the slot and records a booking.
// The claim is a conditional update in the store, so concurrent callers can
// never push a slot past its capacity; the loser gets ErrSlotFull.
func (s *Service) BookSlot(ctx context.Context, slotID uuid.UUID, req BookingRequest) (*Booking, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.book_slot")
	defer span.End()
	span.SetAttributes(attribute.String("hsematch.slot_id", slotID.String()))

	if req.ClientID == "" {
		return nil, ErrInvalidBooking
	}

	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			s.metrics.ObserveBooking("not_found")
			return nil, err
		}
		span.RecordError(err)
		return nil, fmt.Errorf("availability: load slot: %w: %w", ErrQueryFailed, err)
	}
	if slot.Status != SlotAvailable {
		s.metrics.ObserveBooking("unavailable")
		return nil, ErrSlotUnavailable
	}
	if slot.CurrentBookings >= slot.MaxCapacity {
		s.metrics.ObserveBooking("full")
		return nil, ErrSlotFull
	}

	claimed, err := s.store.ClaimSlot(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrSlotFull) {
			s.metrics.ObserveBooking("conflict")
			s.logger.Info("slot claim lost", "slot_id", slotID, "provider_id", slot.ProviderID)
			return nil, err
		}
		span.RecordError(err)
		return nil, fmt.Errorf("availability: claim slot: %w", err)
	}

	serviceID := req.ServiceID
	if serviceID == "" {
		serviceID = claimed.ServiceID
	}
	booking := &Booking{
		ID:          uuid.New(),
		SlotID:      claimed.ID,
		ProviderID:  claimed.ProviderID,
		ServiceID:   serviceID,
		ClientID:    req.ClientID,
		BookingType: req.BookingType,
		Status:      BookingConfirmed,
		Start:       claimed.Start,
		End:         claimed.End,
		Notes:       req.Notes,
		PriceCents:  claimed.PriceCents,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.store.InsertBooking(ctx, booking); err != nil {
		span.RecordError(err)
		if _, relErr := s.store.ReleaseSlot(ctx, slotID); relErr != nil {
			s.logger.Error("failed to release slot after booking insert failure", "slot_id", slotID, "error", relErr)
		}
		s.cache.InvalidateProvider(ctx, claimed.ProviderID)
		s.metrics.ObserveBooking("error")
		return nil, fmt.Errorf("availability: insert booking: %w", err)
	}

	s.cache.InvalidateProvider(ctx, claimed.ProviderID)
	s.metrics.ObserveBooking("booked")
	s.logger.Info("slot booked", "slot_id", slotID, "booking_id", booking.ID, "provider_id", claimed.ProviderID,
		"current_bookings", claimed.CurrentBookings, "max_capacity", claimed.MaxCapacity)
	return booking, nil
}

// CancelBooking cancels a booking and returns its capacity to the slot.
// Cancelling an already cancelled booking is a no-op. Capacity is released
// only by the caller whose status write wins, so concurrent cancels of the
// same booking free one seat.
func (s *Service) CancelBooking(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.cancel_booking")
	defer span.End()
	span.SetAttributes(attribute.String("hsematch.booking_id", bookingID.String()))

	booking, won, err := s.transition(ctx, bookingID, BookingCancelled)
	if err != nil {
		return nil, err
	}
	if !won {
		return booking, nil
	}
	if _, err := s.store.ReleaseSlot(ctx, booking.SlotID); err != nil {
		span.RecordError(err)
		s.logger.Error("failed to release slot for cancelled booking", "booking_id", bookingID, "slot_id", booking.SlotID, "error", err)
	}
	s.cache.InvalidateProvider(ctx, booking.ProviderID)
	s.logger.Info("booking cancelled", "booking_id", bookingID, "slot_id", booking.SlotID)
	return booking, nil
}

// CompleteBooking marks a booking completed so it counts toward popularity.
func (s *Service) CompleteBooking(ctx context.Context, bookingID uuid.UUID) (*Booking, error) {
	booking, _, err := s.transition(ctx, bookingID, BookingCompleted)
	return booking, err
}

// transition moves an open booking to target. won is false when the booking
// was already in target, either before the call or because a concurrent
// caller got there first. Any other closed state yields ErrBookingClosed.
func (s *Service) transition(ctx context.Context, bookingID uuid.UUID, target BookingStatus) (*Booking, bool, error) {
	booking, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, false, err
	}
	if !booking.Status.Open() {
		if booking.Status == target {
			return booking, false, nil
		}
		return nil, false, ErrBookingClosed
	}

	err = s.store.UpdateBookingStatus(ctx, bookingID, target)
	switch {
	case err == nil:
		booking.Status = target
		return booking, true, nil
	case errors.Is(err, ErrBookingClosed):
		current, loadErr := s.loadBooking(ctx, bookingID)
		if loadErr != nil {
			return nil, false, loadErr
		}
		if current.Status == target {
			return current, false, nil
		}
		return nil, false, ErrBookingClosed
	case errors.Is(err, ErrBookingNotFound):
		return nil, false, err
	default:
		return nil, false, fmt.Errorf("availability: set booking %s: %w", target, err)
	}
}

// GetBooking returns a booking by id.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.loadBooking(ctx, id)
}

func (s *Service) loadBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	booking, err := s.store.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("availability: load booking: %w: %w", ErrQueryFailed, err)
	}
	return booking, nil
}

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	ExpiredSlots   int `json:"expired_slots"`
	Rematerialized int `json:"rematerialized_rules"`
	FailedRules    int `json:"failed_rules"`
}

// Sweep cancels open slots that already ended and retries slot generation
// for rules whose first materialization failed.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability.sweep")
	defer span.End()

	var result SweepResult
	expired, err := s.store.ExpireSlots(ctx, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("availability: expire slots: %w", err)
	}
	result.ExpiredSlots = expired
	s.metrics.ObserveSweep("expired", expired)

	rules, err := s.store.ListUnmaterializedRules(ctx, rematerializeBatch)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("availability: list pending rules: %w", err)
	}
	for i := range rules {
		rule := &rules[i]
		rule.ValidFrom = rule.ValidFrom.In(s.loc)
		if rule.ValidUntil != nil {
			until := rule.ValidUntil.In(s.loc)
			rule.ValidUntil = &until
		}
		if _, err := s.materialize(ctx, rule); err != nil {
			result.FailedRules++
			continue
		}
		result.Rematerialized++
	}
	s.metrics.ObserveSweep("rematerialized", result.Rematerialized)

	if result.ExpiredSlots > 0 || len(rules) > 0 {
		s.logger.Info("availability sweep finished", "expired_slots", result.ExpiredSlots,
			"rematerialized", result.Rematerialized, "failed_rules", result.FailedRules)
	}
	return result, nil
}

func (s *Service) localize(slots []Slot) {
	for i := range slots {
		slots[i].Start = slots[i].Start.In(s.loc)
		slots[i].End = slots[i].End.In(s.loc)
	}
}
