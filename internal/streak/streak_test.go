package streak

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int, hour int) time.Time {
	return time.Date(2026, 10, 19, hour, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestStreakRoundTrip(t *testing.T) {
	tr := NewTracker(time.UTC, State{})

	s := tr.RecordProtection(day(0, 21))
	assert.Equal(t, 1, s.CurrentDays)

	s = tr.RecordProtection(day(1, 8))
	assert.Equal(t, 2, s.CurrentDays)
	assert.Equal(t, 2, s.LongestDays)
}

func TestStreakSameDayIsNoop(t *testing.T) {
	tr := NewTracker(time.UTC, State{})
	tr.RecordProtection(day(0, 8))
	s := tr.RecordProtection(day(0, 23))
	assert.Equal(t, 1, s.CurrentDays)
	assert.True(t, s.LastProtection.Equal(day(0, 8)))
}

func TestStreakGapRestarts(t *testing.T) {
	tr := NewTracker(time.UTC, State{})
	tr.RecordProtection(day(0, 8))
	tr.RecordProtection(day(1, 8))
	s := tr.RecordProtection(day(3, 8))
	assert.Equal(t, 1, s.CurrentDays)
	assert.Equal(t, 2, s.LongestDays)
}

func TestStreakReconcileDecays(t *testing.T) {
	tr := NewTracker(time.UTC, State{})
	tr.RecordProtection(day(0, 8))
	tr.RecordProtection(day(1, 8))
	tr.RecordProtection(day(2, 8))

	s, changed := tr.Reconcile(day(3, 23))
	assert.False(t, changed, "yesterday's protection keeps the streak alive")
	assert.Equal(t, 3, s.CurrentDays)

	s, changed = tr.Reconcile(day(4, 9))
	require.True(t, changed)
	assert.Equal(t, 0, s.CurrentDays)
	assert.Equal(t, 3, s.LongestDays, "longest is unchanged by decay")

	_, changed = tr.Reconcile(day(5, 9))
	assert.False(t, changed)
}

func TestStreakUnblockBreaks(t *testing.T) {
	tr := NewTracker(time.UTC, State{})
	tr.RecordProtection(day(0, 8))
	tr.RecordProtection(day(1, 8))

	s := tr.RecordUnblock(day(1, 22))
	assert.Equal(t, 0, s.CurrentDays)
	assert.Equal(t, 2, s.LongestDays)

	s = tr.RecordProtection(day(2, 8))
	assert.Equal(t, 1, s.CurrentDays, "a broken streak restarts even on the next day")
}

func TestStreakUsesTrackerLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	tr := NewTracker(loc, State{})

	// 23:00 and 03:00 UTC are the same local calendar day (18:00 and 22:00).
	tr.RecordProtection(time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC))
	s := tr.RecordProtection(time.Date(2026, 10, 20, 3, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, s.CurrentDays)
}

func TestStreakSeededState(t *testing.T) {
	seed := State{CurrentDays: 4, LongestDays: 9, LastProtection: day(0, 8)}
	tr := NewTracker(nil, seed)
	s := tr.RecordProtection(day(1, 8))
	assert.Equal(t, 5, s.CurrentDays)
	assert.Equal(t, 9, s.LongestDays)
}

func TestStreakRestore(t *testing.T) {
	tr := NewTracker(time.UTC, State{CurrentDays: 9})
	tr.Restore(State{CurrentDays: 2, LongestDays: 4, LastProtection: day(0, 21)})

	s := tr.RecordProtection(day(1, 21))
	assert.Equal(t, 3, s.CurrentDays)
	assert.Equal(t, 4, s.LongestDays)
}
