package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr error
	}{
		{"00:00", At(0, 0), nil},
		{"22:30", At(22, 30), nil},
		{" 7:05 ", At(7, 5), nil},
		{"23:59", At(23, 59), nil},
		{"24:00", TimeOfDay{}, ErrInvalidTime},
		{"12:60", TimeOfDay{}, ErrInvalidTime},
		{"1200", TimeOfDay{}, ErrInvalidClock},
		{"ab:cd", TimeOfDay{}, ErrInvalidClock},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustRoundTrip(t, got))
		})
	}
}

func mustRoundTrip(t *testing.T, tod TimeOfDay) TimeOfDay {
	t.Helper()
	b, err := tod.MarshalText()
	require.NoError(t, err)
	var out TimeOfDay
	require.NoError(t, out.UnmarshalText(b))
	return out
}

func TestValidateSet(t *testing.T) {
	ok := Schedule{ID: "a", Start: At(22, 0), End: At(8, 0), Days: AllDays, Active: true}

	assert.NoError(t, ValidateSet([]Schedule{ok}))
	assert.NoError(t, ValidateSet(nil))

	tests := []struct {
		name    string
		set     []Schedule
		wantErr error
	}{
		{"missing id", []Schedule{{Start: At(1, 0), End: At(2, 0), Days: AllDays}}, ErrMissingID},
		{"bad time", []Schedule{{ID: "x", Start: At(25, 0), End: At(2, 0), Days: AllDays}}, ErrInvalidTime},
		{"no days", []Schedule{{ID: "x", Start: At(1, 0), End: At(2, 0)}}, ErrNoDays},
		{"bad day", []Schedule{{ID: "x", Start: At(1, 0), End: At(2, 0), Days: []int{0}}}, ErrInvalidDay},
		{"duplicate", []Schedule{ok, ok}, ErrDuplicateID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateSet(tt.set), tt.wantErr)
		})
	}
}

func TestSameSetIgnoresOrderAndDayDuplicates(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Schedule{ID: "a", Start: At(22, 0), End: At(8, 0), Days: []int{3, 1, 1}, Active: true, CreatedAt: created}
	b := Schedule{ID: "b", Start: At(9, 0), End: At(17, 0), Days: AllDays, Active: true, CreatedAt: created}

	a2 := a
	a2.Days = []int{1, 3}
	assert.True(t, SameSet([]Schedule{a, b}, []Schedule{b, a2}))

	changed := b
	changed.End = At(18, 0)
	assert.False(t, SameSet([]Schedule{a, b}, []Schedule{a, changed}))
	assert.False(t, SameSet([]Schedule{a}, []Schedule{a, b}))
}

func TestPruneExpired(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	perm := Schedule{ID: "perm", Start: At(22, 0), End: At(8, 0), Days: AllDays, Active: true}
	lapsed := Schedule{ID: "lapsed", Start: At(1, 0), End: At(2, 0), Days: AllDays, Active: true, ExpiresAt: &past}
	live := Schedule{ID: "live", Start: At(1, 0), End: At(2, 0), Days: AllDays, Active: true, ExpiresAt: &future}

	kept, changed := PruneExpired([]Schedule{perm, lapsed, live}, now)
	assert.True(t, changed)
	require.Len(t, kept, 2)
	assert.Equal(t, "perm", kept[0].ID)
	assert.Equal(t, "live", kept[1].ID)

	next, ok := NextExpiry(kept)
	require.True(t, ok)
	assert.True(t, next.Equal(future))

	_, changed = PruneExpired([]Schedule{perm}, now)
	assert.False(t, changed)
	_, ok = NextExpiry([]Schedule{perm})
	assert.False(t, ok)
}

func TestOrdered(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []Schedule{
		{ID: "c", CreatedAt: t0.Add(time.Hour), Days: []int{1}},
		{ID: "b", CreatedAt: t0, Days: []int{1}},
		{ID: "a", CreatedAt: t0, Days: []int{1}},
	}
	var ids []string
	for _, s := range Ordered(in) {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("Ordered() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "c", in[0].ID, "input must not be reordered")
}

func TestValidateErrorsWrapSentinels(t *testing.T) {
	err := Schedule{ID: "x", Start: At(1, 0), End: At(2, 0), Days: []int{8}}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDay))
	assert.Contains(t, err.Error(), "schedule x")
}
