package session

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/quietguard/internal/alerts"
	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/coordinator"
	"github.com/mbd888/quietguard/internal/monitor"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/store"
)

var start = time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)

type hosts struct {
	mu sync.Mutex
	m  map[string]*monitor.MemoryHost
}

func (h *hosts) get(userID string) monitor.Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]*monitor.MemoryHost)
	}
	if _, ok := h.m[userID]; !ok {
		h.m[userID] = monitor.NewMemoryHost()
	}
	return h.m[userID]
}

func newManager(t *testing.T, st store.Store, hs *hosts) *Manager {
	t.Helper()
	m := NewManager(Config{
		Store:    st,
		Clock:    clock.NewFake(start),
		Host:     hs.get,
		Notifier: alerts.LogNotifier{},
		Options:  coordinator.Options{SettleDelay: -1},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(m.Close)
	return m
}

func TestGet_CreatesOncePerUser(t *testing.T) {
	m := newManager(t, store.NewMemory(), &hosts{})
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*coordinator.Coordinator, 10)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Get(ctx, "alice")
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	wg.Wait()

	for _, c := range got {
		assert.Same(t, got[0], c)
	}
	assert.Equal(t, []string{"alice"}, m.Users())
}

func TestGet_RejectsInvalidUser(t *testing.T) {
	m := newManager(t, store.NewMemory(), &hosts{})
	_, err := m.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidUser)
	_, err = m.Get(context.Background(), strings.Repeat("x", maxUserIDLen+1))
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestGet_IsolatesUsers(t *testing.T) {
	hs := &hosts{}
	m := newManager(t, store.NewMemory(), hs)
	ctx := context.Background()

	alice, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	bob, err := m.Get(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, alice.ConfigureMonitoredApps(ctx, []string{"shop"}))
	require.NoError(t, alice.Start(ctx))

	assert.True(t, alice.IsMonitoring())
	assert.False(t, bob.IsMonitoring())
	assert.Zero(t, hs.get("bob").(*monitor.MemoryHost).Calls(monitor.CallRegister))
}

func TestRestoreAll_ResumesMonitoring(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	night := schedule.Schedule{
		ID: "night", Name: "Night", Start: schedule.At(22, 0), End: schedule.At(8, 0),
		Days: schedule.AllDays, Active: true,
	}
	require.NoError(t, st.SaveSchedules(ctx, "alice", []schedule.Schedule{night}))
	require.NoError(t, st.SaveApps(ctx, "alice", []string{"shop"}))
	require.NoError(t, st.SaveMonitoring(ctx, "alice", true))
	require.NoError(t, st.SaveApps(ctx, "bob", []string{"market"}))

	m := newManager(t, st, &hosts{})
	require.NoError(t, m.RestoreAll(ctx))

	assert.Equal(t, []string{"alice", "bob"}, m.Users())
	alice, ok := m.Peek("alice")
	require.True(t, ok)
	assert.Equal(t, coordinator.StateBlocking, alice.State().State)
	bob, ok := m.Peek("bob")
	require.True(t, ok)
	assert.Equal(t, coordinator.StateStopped, bob.State().State)
}

func TestClose_DetachesSessions(t *testing.T) {
	m := newManager(t, store.NewMemory(), &hosts{})
	c, err := m.Get(context.Background(), "alice")
	require.NoError(t, err)

	m.Close()
	assert.Empty(t, m.Users())
	assert.ErrorIs(t, c.Start(context.Background()), coordinator.ErrClosed)
}

func TestApplyFile_ConfiguresUsersAndSkipsBadSections(t *testing.T) {
	m := newManager(t, store.NewMemory(), &hosts{})
	f, err := schedule.Parse([]byte(`
users:
  - id: alice
    apps: [com.shop]
    schedules:
      - id: night
        start: "22:00"
        end: "08:00"
  - id: bob
    schedules:
      - id: twice
        start: "12:00"
        end: "13:00"
      - id: twice
        start: "18:00"
        end: "19:00"
`))
	require.NoError(t, err)

	err = m.ApplyFile(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user bob")

	alice, err := m.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.shop"}, alice.MonitoredApps())
	require.Len(t, alice.Schedules(), 1)
	assert.Equal(t, "night", alice.Schedules()[0].ID)
}
