// Package schedule defines quiet-hours windows and the pure evaluator that
// decides which window, if any, is in force at a given instant.
//
// A window is a recurring [start, end) range of minutes-of-day on a set of ISO
// weekdays (Monday=1 … Sunday=7). When end < start the window wraps past
// midnight. A zero-length window (start == end) is never active.
package schedule

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingID    = errors.New("schedule: id is required")
	ErrDuplicateID  = errors.New("schedule: duplicate id")
	ErrInvalidTime  = errors.New("schedule: time of day out of range")
	ErrInvalidDay   = errors.New("schedule: weekday must be between 1 and 7")
	ErrNoDays       = errors.New("schedule: at least one weekday is required")
	ErrInvalidClock = errors.New("schedule: time must be formatted HH:MM")
)

// MinutesPerDay is the number of minutes in a calendar day.
const MinutesPerDay = 24 * 60

// AllDays is every ISO weekday.
var AllDays = []int{1, 2, 3, 4, 5, 6, 7}

// TimeOfDay is a wall-clock hour and minute. It encodes as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

// At builds a TimeOfDay.
func At(hour, minute int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute}
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Valid reports whether the time falls in [00:00, 23:59].
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return t, nil
}

// Schedule is a recurring quiet-hours window.
type Schedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Start      TimeOfDay  `json:"start"`
	End        TimeOfDay  `json:"end"`
	Days       []int      `json:"days"`
	Active     bool       `json:"active"`
	Categories []string   `json:"categories,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"` // set on auto-generated temporary windows
}

// Overnight reports whether the window wraps past midnight.
func (s Schedule) Overnight() bool {
	return s.End.Minutes() < s.Start.Minutes()
}

// ZeroLength reports whether start and end coincide.
func (s Schedule) ZeroLength() bool {
	return s.End.Minutes() == s.Start.Minutes()
}

// OnDay reports whether the ISO weekday is in the schedule's day set.
func (s Schedule) OnDay(isoWeekday int) bool {
	return slices.Contains(s.Days, isoWeekday)
}

// Expired reports whether a temporary window has lapsed at now.
func (s Schedule) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Validate checks the schedule's invariants.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrMissingID
	}
	if !s.Start.Valid() || !s.End.Valid() {
		return fmt.Errorf("%w: schedule %s", ErrInvalidTime, s.ID)
	}
	if len(s.Days) == 0 {
		return fmt.Errorf("%w: schedule %s", ErrNoDays, s.ID)
	}
	for _, d := range s.Days {
		if d < 1 || d > 7 {
			return fmt.Errorf("%w: schedule %s has %d", ErrInvalidDay, s.ID, d)
		}
	}
	return nil
}

// Normalize returns a copy with days and categories sorted and deduplicated.
func (s Schedule) Normalize() Schedule {
	out := s
	out.Days = slices.Compact(slices.Sorted(slices.Values(s.Days)))
	if len(s.Categories) > 0 {
		out.Categories = slices.Compact(slices.Sorted(slices.Values(s.Categories)))
	} else {
		out.Categories = nil
	}
	return out
}

// Equal reports whether two schedules describe the same window.
func (s Schedule) Equal(o Schedule) bool {
	a, b := s.Normalize(), o.Normalize()
	if a.ID != b.ID || a.Name != b.Name || a.Start != b.Start || a.End != b.End ||
		a.Active != b.Active || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if (a.ExpiresAt == nil) != (b.ExpiresAt == nil) {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt) {
		return false
	}
	return slices.Equal(a.Days, b.Days) && slices.Equal(a.Categories, b.Categories)
}

// ValidateSet validates every schedule and rejects duplicate IDs.
func ValidateSet(schedules []Schedule) error {
	seen := make(map[string]struct{}, len(schedules))
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// SameSet reports whether two schedule sets are identical irrespective of
// the order they were supplied in.
func SameSet(a, b []Schedule) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := Ordered(a), Ordered(b)
	for i := range sa {
		if !sa[i].Equal(sb[i]) {
			return false
		}
	}
	return true
}

// Ordered returns a copy of schedules in evaluation order: earliest
// CreatedAt first, ties broken by ID.
func Ordered(schedules []Schedule) []Schedule {
	out := make([]Schedule, len(schedules))
	for i, s := range schedules {
		out[i] = s.Normalize()
	}
	slices.SortStableFunc(out, func(a, b Schedule) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// PruneExpired drops temporary windows that have lapsed at now.
func PruneExpired(schedules []Schedule, now time.Time) ([]Schedule, bool) {
	out := make([]Schedule, 0, len(schedules))
	for _, s := range schedules {
		if s.Expired(now) {
			continue
		}
		out = append(out, s)
	}
	return out, len(out) != len(schedules)
}

// NextExpiry returns the earliest expiry among temporary windows.
func NextExpiry(schedules []Schedule) (time.Time, bool) {
	var next time.Time
	found := false
	for _, s := range schedules {
		if s.ExpiresAt == nil {
			continue
		}
		if !found || s.ExpiresAt.Before(next) {
			next = *s.ExpiresAt
			found = true
		}
	}
	return next, found
}
