package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/streak"
	"github.com/mbd888/quietguard/internal/testutil"
)

var base = time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "quietguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	runStoreContract(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quietguard.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveApps(ctx, "u1", []string{"shop"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	u, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"shop"}, u.Apps)
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, NewPostgres(testutil.PGTest(t)))
}

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("unknown user is empty", func(t *testing.T) {
		u, err := s.Load(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, "nobody", u.UserID)
		assert.Empty(t, u.Schedules)
		assert.Empty(t, u.Apps)
		assert.Empty(t, u.Events)
		assert.False(t, u.Monitoring)
	})

	t.Run("profile round trip", func(t *testing.T) {
		expires := base.Add(time.Hour)
		schedules := []schedule.Schedule{
			{ID: "night", Name: "Night", Start: schedule.At(22, 0), End: schedule.At(8, 0),
				Days: schedule.AllDays, Active: true, CreatedAt: base},
			{ID: "tmp", Name: "Temporary", Start: schedule.At(22, 0), End: schedule.At(23, 0),
				Days: []int{1}, Active: true, CreatedAt: base, ExpiresAt: &expires},
		}
		st := streak.State{CurrentDays: 3, LongestDays: 5, LastProtection: base}

		require.NoError(t, s.SaveSchedules(ctx, "u-profile", schedules))
		require.NoError(t, s.SaveApps(ctx, "u-profile", []string{"shop", "market"}))
		require.NoError(t, s.SaveStreak(ctx, "u-profile", st))
		require.NoError(t, s.SaveMonitoring(ctx, "u-profile", true))

		u, err := s.Load(ctx, "u-profile")
		require.NoError(t, err)
		if diff := cmp.Diff(schedules, u.Schedules); diff != "" {
			t.Errorf("schedules mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, []string{"shop", "market"}, u.Apps)
		assert.Equal(t, 3, u.Streak.CurrentDays)
		assert.Equal(t, 5, u.Streak.LongestDays)
		assert.True(t, u.Streak.LastProtection.Equal(base))
		assert.True(t, u.Monitoring)

		// A later save replaces only its own entity.
		require.NoError(t, s.SaveApps(ctx, "u-profile", nil))
		u, err = s.Load(ctx, "u-profile")
		require.NoError(t, err)
		assert.Empty(t, u.Apps)
		assert.Len(t, u.Schedules, 2)
	})

	t.Run("events oldest first", func(t *testing.T) {
		for i := 3; i >= 1; i-- {
			require.NoError(t, s.AppendEvent(ctx, events.UnblockEvent{
				ID:              fmt.Sprintf("evt-order-%d", i),
				UserID:          "u-events",
				Timestamp:       base.Add(time.Duration(i) * time.Minute),
				PurchaseType:    events.PurchaseImpulse,
				Tag:             "late",
				AppIndex:        i,
				MonitoredCount:  2,
				DurationMinutes: 15,
			}))
		}

		u, err := s.Load(ctx, "u-events")
		require.NoError(t, err)
		require.Len(t, u.Events, 3)
		assert.Equal(t, "evt-order-1", u.Events[0].ID)
		assert.Equal(t, "evt-order-3", u.Events[2].ID)
		assert.Equal(t, events.PurchaseImpulse, u.Events[0].PurchaseType)
		assert.Equal(t, 15, u.Events[0].DurationMinutes)
		assert.True(t, u.Events[0].Timestamp.Equal(base.Add(time.Minute)))
	})

	t.Run("duplicate event", func(t *testing.T) {
		ev := events.UnblockEvent{ID: "evt-dup", UserID: "u-dup", Timestamp: base, PurchaseType: events.PurchaseNone}
		require.NoError(t, s.AppendEvent(ctx, ev))
		assert.ErrorIs(t, s.AppendEvent(ctx, ev), ErrDuplicateEvent)
	})

	t.Run("pending unblock", func(t *testing.T) {
		until := base.Add(15 * time.Minute)
		require.NoError(t, s.SaveMonitoring(ctx, "u-grant", true))
		require.NoError(t, s.SaveUnblockedUntil(ctx, "u-grant", until))

		u, err := s.Load(ctx, "u-grant")
		require.NoError(t, err)
		assert.True(t, u.UnblockedUntil.Equal(until), "got %v", u.UnblockedUntil)
		assert.True(t, u.Monitoring)

		require.NoError(t, s.SaveUnblockedUntil(ctx, "u-grant", time.Time{}))
		u, err = s.Load(ctx, "u-grant")
		require.NoError(t, err)
		assert.True(t, u.UnblockedUntil.IsZero())
	})

	t.Run("delete event", func(t *testing.T) {
		for _, id := range []string{"evt-keep", "evt-drop"} {
			require.NoError(t, s.AppendEvent(ctx, events.UnblockEvent{
				ID: id, UserID: "u-delete", Timestamp: base, PurchaseType: events.PurchaseNone,
			}))
		}
		require.NoError(t, s.DeleteEvent(ctx, "u-delete", "evt-drop"))
		require.NoError(t, s.DeleteEvent(ctx, "u-delete", "evt-missing"))

		u, err := s.Load(ctx, "u-delete")
		require.NoError(t, err)
		require.Len(t, u.Events, 1)
		assert.Equal(t, "evt-keep", u.Events[0].ID)
	})

	t.Run("risk audit newest first", func(t *testing.T) {
		for i := range 3 {
			require.NoError(t, s.Record(ctx, &risk.RiskAssessment{
				ID:             fmt.Sprintf("risk-%d", i),
				UserID:         "u-risk",
				Timestamp:      base.Add(time.Duration(i) * time.Minute),
				Score:          0.25,
				Factors:        []string{risk.FactorWeekend},
				Weights:        map[string]float64{risk.FactorWeekend: 0.25},
				Recommendation: risk.RecommendationLow,
			}))
		}
		got, err := s.ListByUser(ctx, "u-risk", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "risk-2", got[0].ID)
		assert.Equal(t, "risk-1", got[1].ID)
		assert.Equal(t, []string{risk.FactorWeekend}, got[0].Factors)
		assert.InDelta(t, 0.25, got[0].Score, 1e-9)
	})

	t.Run("list users", func(t *testing.T) {
		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Contains(t, users, "u-profile")
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore_LoadCapsEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := range MaxLoadedEvents + 5 {
		require.NoError(t, m.AppendEvent(ctx, events.UnblockEvent{
			ID: fmt.Sprintf("e%d", i), UserID: "u", Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	u, err := m.Load(ctx, "u")
	require.NoError(t, err)
	require.Len(t, u.Events, MaxLoadedEvents)
	assert.Equal(t, "e5", u.Events[0].ID)
}
