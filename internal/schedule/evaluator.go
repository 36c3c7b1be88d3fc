package schedule

import (
	"sort"
	"time"
)

// boundaryHorizon bounds the NextBoundary search. Every weekly pattern
// repeats within seven days, so eight covers a boundary on the same
// weekday next week.
const boundaryHorizon = 8

// ISOWeekday maps time.Weekday onto 1 (Monday) … 7 (Sunday).
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// MinuteOfDay returns minutes since local midnight.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsActive reports whether s is in force at now. The weekday check uses the
// weekday of now, including for the after-midnight tail of an overnight
// window.
func IsActive(s Schedule, now time.Time) bool {
	if !s.Active || s.ZeroLength() {
		return false
	}
	if !s.OnDay(ISOWeekday(now)) {
		return false
	}
	m := MinuteOfDay(now)
	start, end := s.Start.Minutes(), s.End.Minutes()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// ActiveSchedule returns the first schedule in force at now, in the
// deterministic order defined by Ordered.
func ActiveSchedule(schedules []Schedule, now time.Time) (Schedule, bool) {
	for _, s := range Ordered(schedules) {
		if IsActive(s, now) {
			return s, true
		}
	}
	return Schedule{}, false
}

// AnyActive reports whether any schedule is in force at now.
func AnyActive(schedules []Schedule, now time.Time) bool {
	_, ok := ActiveSchedule(schedules, now)
	return ok
}

// NextBoundary returns the earliest instant strictly after now at which some
// schedule becomes active or inactive. It reports false when no schedule can
// ever change state.
func NextBoundary(schedules []Schedule, now time.Time) (time.Time, bool) {
	candidates := boundaryCandidates(schedules, now)
	for _, t := range candidates {
		if !t.After(now) {
			continue
		}
		before := t.Add(-time.Minute)
		for _, s := range schedules {
			if IsActive(s, t) != IsActive(s, before) {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// boundaryCandidates lists the start, end and midnight instants of every
// live schedule over the search horizon, sorted ascending.
func boundaryCandidates(schedules []Schedule, now time.Time) []time.Time {
	loc := now.Location()
	y, m, d := now.Date()

	var out []time.Time
	for offset := 0; offset <= boundaryHorizon; offset++ {
		midnight := time.Date(y, m, d+offset, 0, 0, 0, 0, loc)
		for _, s := range schedules {
			if !s.Active || s.ZeroLength() {
				continue
			}
			out = append(out,
				time.Date(y, m, d+offset, s.Start.Hour, s.Start.Minute, 0, 0, loc),
				time.Date(y, m, d+offset, s.End.Hour, s.End.Minute, 0, 0, loc),
			)
			if s.Overnight() {
				out = append(out, midnight)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
