// Package streak tracks consecutive calendar days on which the user chose
// protection over unblocking.
package streak

import (
	"sync"
	"time"
)

// State is a snapshot of the streak counters.
type State struct {
	CurrentDays    int       `json:"currentDays"`
	LongestDays    int       `json:"longestDays"`
	LastProtection time.Time `json:"lastProtection,omitempty"`
}

// Tracker maintains streak state. Calendar days are evaluated in the
// tracker's location. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	loc   *time.Location
	state State
}

// NewTracker creates a tracker seeded from persisted state. A nil location
// means UTC.
func NewTracker(loc *time.Location, seed State) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{loc: loc, state: seed}
}

// Restore replaces the counters with persisted state.
func (t *Tracker) Restore(st State) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
}

// State returns a copy of the current counters.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RecordProtection counts a protected day. A second protection on the same
// day is a no-op; one on the following day extends the streak; anything
// later starts a new streak of one.
func (t *Tracker) RecordProtection(now time.Time) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.LastProtection.IsZero() {
		t.state.CurrentDays = 1
	} else {
		switch gap := t.dayGap(t.state.LastProtection, now); {
		case gap <= 0:
			return t.state
		case gap == 1 && t.state.CurrentDays > 0:
			t.state.CurrentDays++
		default:
			t.state.CurrentDays = 1
		}
	}
	t.state.LastProtection = now
	t.state.LongestDays = max(t.state.LongestDays, t.state.CurrentDays)
	return t.state
}

// RecordUnblock breaks the current streak. The longest streak is kept.
func (t *Tracker) RecordUnblock(now time.Time) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.CurrentDays = 0
	return t.state
}

// Reconcile decays the streak to zero once more than one calendar day has
// passed since the last protection. It reports whether anything changed.
func (t *Tracker) Reconcile(now time.Time) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.CurrentDays == 0 || t.state.LastProtection.IsZero() {
		return t.state, false
	}
	if t.dayGap(t.state.LastProtection, now) > 1 {
		t.state.CurrentDays = 0
		return t.state, true
	}
	return t.state, false
}

// dayGap returns the number of calendar days from a to b in the tracker's
// location.
func (t *Tracker) dayGap(a, b time.Time) int {
	ay, am, ad := a.In(t.loc).Date()
	by, bm, bd := b.In(t.loc).Date()
	da := time.Date(ay, am, ad, 12, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 12, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
