package availability

import (
	"sort"
	"time"
)

// Scoring weights applied on top of BaseScore.
const (
	BaseScore               = 50
	PopularHourBonus        = 15
	PopularWeekdayBonus     = 10
	PreferredTimeBonus      = 20
	ImmediateBonus          = 10
	InconvenientHourPenalty = 10
	FlexibilityBonus        = 5

	PopularHourCount    = 5
	PopularWeekdayCount = 3

	preferredScoreWindow = 60
	immediateWindow      = 24 * time.Hour
	alternativeWindow    = 2 * time.Hour
	maxAlternatives      = 3
)

// Popularity holds the most-booked hours and weekdays from completed history.
// The two rankings are computed independently.
type Popularity struct {
	Hours    []int
	Weekdays []time.Weekday
}

// BuildPopularity ranks history start times by hour-of-day and by weekday,
// keeping the top entries of each. Ties go to the earlier hour or day.
func BuildPopularity(starts []time.Time, loc *time.Location) Popularity {
	if loc == nil {
		loc = time.UTC
	}
	hourCounts := make(map[int]int)
	dayCounts := make(map[int]int)
	for _, start := range starts {
		local := start.In(loc)
		hourCounts[local.Hour()]++
		dayCounts[int(local.Weekday())]++
	}

	var pop Popularity
	pop.Hours = topKeys(hourCounts, PopularHourCount)
	for _, d := range topKeys(dayCounts, PopularWeekdayCount) {
		pop.Weekdays = append(pop.Weekdays, time.Weekday(d))
	}
	return pop
}

func topKeys(counts map[int]int, k int) []int {
	keys := make([]int, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > k {
		keys = keys[:k]
	}
	return keys
}

func (p Popularity) hasHour(h int) bool {
	for _, v := range p.Hours {
		if v == h {
			return true
		}
	}
	return false
}

func (p Popularity) hasWeekday(d time.Weekday) bool {
	for _, v := range p.Weekdays {
		if v == d {
			return true
		}
	}
	return false
}

// ScoreSlot returns the clamped desirability score and the reasons that
// contributed, in the order the rules were applied.
func ScoreSlot(slot Slot, pop Popularity, preferred []ClockTime, now time.Time) (int, []string) {
	score := BaseScore
	var reasons []string

	hour := slot.Start.Hour()
	if pop.hasHour(hour) {
		score += PopularHourBonus
		reasons = append(reasons, "Popular booking hour")
	}
	if pop.hasWeekday(slot.Start.Weekday()) {
		score += PopularWeekdayBonus
		reasons = append(reasons, "Popular booking day")
	}
	if len(preferred) > 0 && nearAny(ClockOf(slot.Start), preferred, preferredScoreWindow) {
		score += PreferredTimeBonus
		reasons = append(reasons, "Close to your preferred time")
	}
	if until := slot.Start.Sub(now); until >= 0 && until <= immediateWindow {
		score += ImmediateBonus
		reasons = append(reasons, "Available within 24 hours")
	}
	if hour < 8 || hour > 18 {
		score -= InconvenientHourPenalty
		reasons = append(reasons, "Outside regular working hours")
	}
	if slot.MaxCapacity > 1 {
		score += FlexibilityBonus
		reasons = append(reasons, "Group session with shared capacity")
	}

	return clamp(score, 0, 100), reasons
}

// RankSuggestions scores every slot in pool, attaches neighbouring
// alternatives from the same pool and sorts by score descending. Equal
// scores keep pool order.
func RankSuggestions(pool []Slot, pop Popularity, preferred []ClockTime, now time.Time) []Suggestion {
	suggestions := make([]Suggestion, 0, len(pool))
	for i, slot := range pool {
		score, reasons := ScoreSlot(slot, pop, preferred, now)
		suggestions = append(suggestions, Suggestion{
			Slot:         slot,
			Score:        score,
			Reasons:      reasons,
			Alternatives: alternativesFor(i, pool),
		})
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})
	return suggestions
}

func alternativesFor(idx int, pool []Slot) []Slot {
	alts := []Slot{}
	anchor := pool[idx].Start
	for j, other := range pool {
		if j == idx {
			continue
		}
		gap := other.Start.Sub(anchor)
		if gap < 0 {
			gap = -gap
		}
		if gap <= alternativeWindow {
			alts = append(alts, other)
			if len(alts) == maxAlternatives {
				break
			}
		}
	}
	return alts
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
