package availability

import (
	"time"

	"github.com/google/uuid"
)

// DefaultHorizonDays bounds generation for rules without ValidUntil.
const DefaultHorizonDays = 90

// Horizon returns the last calendar day slots are generated for.
func (r Rule) Horizon(defaultDays int) time.Time {
	if r.ValidUntil != nil {
		return *r.ValidUntil
	}
	if defaultDays <= 0 {
		defaultDays = DefaultHorizonDays
	}
	return r.ValidFrom.AddDate(0, 0, defaultDays)
}

// SlotsPerDay reports how many slots fit the rule's daily window.
// A trailing interval shorter than SlotDuration is not counted.
func (r Rule) SlotsPerDay() int {
	if r.SlotDuration <= 0 || r.EndTime <= r.StartTime {
		return 0
	}
	n := 0
	for start := r.StartTime; start+ClockTime(r.SlotDuration) <= r.EndTime; start += ClockTime(r.SlotDuration + r.BufferTime) {
		n++
	}
	return n
}

// GenerateSlots expands the rule into concrete slots from ValidFrom through
// the horizon, inclusive. Days are walked in ValidFrom's location.
func GenerateSlots(rule Rule, defaultHorizonDays int) []Slot {
	if rule.SlotDuration <= 0 || rule.EndTime <= rule.StartTime {
		return nil
	}
	capacity := rule.MaxBookingsPerSlot
	if capacity <= 0 {
		capacity = 1
	}
	step := ClockTime(rule.SlotDuration + rule.BufferTime)
	length := ClockTime(rule.SlotDuration)

	first := startOfDay(rule.ValidFrom)
	last := startOfDay(rule.Horizon(defaultHorizonDays))

	var slots []Slot
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if day.Weekday() != rule.DayOfWeek {
			continue
		}
		for start := rule.StartTime; start+length <= rule.EndTime; start += step {
			slots = append(slots, Slot{
				ID:           uuid.New(),
				ProviderID:   rule.ProviderID,
				ServiceID:    rule.ServiceID,
				Start:        start.On(day),
				End:          (start + length).On(day),
				MaxCapacity:  capacity,
				Status:       SlotAvailable,
				PriceCents:   rule.PriceCents,
				Requirements: rule.Requirements,
			})
		}
	}
	return slots
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
