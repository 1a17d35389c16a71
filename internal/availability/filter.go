package availability

import (
	"time"
)

// PreferredTimeWindow is how close a slot must start to a preferred time to
// survive the preferred-time filter.
const PreferredTimeWindow = 30

// Validate checks the query is answerable.
func (q Query) Validate() error {
	if q.ProviderID == "" {
		return ErrInvalidQuery
	}
	if q.StartDate.IsZero() || q.EndDate.IsZero() || q.EndDate.Before(q.StartDate) {
		return ErrInvalidQuery
	}
	if q.Duration < 0 || q.MinAdvanceNotice < 0 || q.MaxAdvanceBooking < 0 {
		return ErrInvalidQuery
	}
	return nil
}

// ApplyConstraints runs the caller constraints over slots already narrowed
// to the provider, date range and status. Filters are conjunctive and run in
// a fixed order: duration, weekends, advance notice, advance window, preferred times.
func ApplyConstraints(slots []Slot, q Query, now time.Time) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, slot := range slots {
		if q.Duration > 0 && slot.Duration() < time.Duration(q.Duration)*time.Minute {
			continue
		}
		if q.ExcludeWeekends && isWeekend(slot.Start) {
			continue
		}
		if q.MinAdvanceNotice > 0 && slot.Start.Before(now.Add(time.Duration(q.MinAdvanceNotice)*time.Hour)) {
			continue
		}
		if q.MaxAdvanceBooking > 0 && slot.Start.After(now.AddDate(0, 0, q.MaxAdvanceBooking)) {
			continue
		}
		if len(q.PreferredTimes) > 0 && !nearAny(ClockOf(slot.Start), q.PreferredTimes, PreferredTimeWindow) {
			continue
		}
		out = append(out, slot)
	}
	return out
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// nearAny compares times of day without wrapping at midnight, so 23:50 and
// 00:05 are treated as 1425 minutes apart.
func nearAny(c ClockTime, targets []ClockTime, within int) bool {
	for _, target := range targets {
		if clockDistance(c, target) <= within {
			return true
		}
	}
	return false
}

func clockDistance(a, b ClockTime) int {
	d := int(a - b)
	if d < 0 {
		return -d
	}
	return d
}
