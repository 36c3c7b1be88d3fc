package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/streak"
)

// Memory is an in-memory Store for development and tests.
type Memory struct {
	*risk.MemoryStore

	mu    sync.RWMutex
	users map[string]*UserData
	ids   map[string]struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		MemoryStore: risk.NewMemoryStore(),
		users:       make(map[string]*UserData),
		ids:         make(map[string]struct{}),
	}
}

func (m *Memory) Load(ctx context.Context, userID string) (*UserData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return &UserData{UserID: userID}, nil
	}
	return cloneUser(u), nil
}

func (m *Memory) SaveSchedules(ctx context.Context, userID string, ss []schedule.Schedule) error {
	m.update(userID, func(u *UserData) { u.Schedules = slices.Clone(ss) })
	return nil
}

func (m *Memory) SaveApps(ctx context.Context, userID string, apps []string) error {
	m.update(userID, func(u *UserData) { u.Apps = slices.Clone(apps) })
	return nil
}

func (m *Memory) SaveStreak(ctx context.Context, userID string, state streak.State) error {
	m.update(userID, func(u *UserData) { u.Streak = state })
	return nil
}

func (m *Memory) SaveMonitoring(ctx context.Context, userID string, monitoring bool) error {
	m.update(userID, func(u *UserData) { u.Monitoring = monitoring })
	return nil
}

func (m *Memory) SaveUnblockedUntil(ctx context.Context, userID string, until time.Time) error {
	m.update(userID, func(u *UserData) { u.UnblockedUntil = until })
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev events.UnblockEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ids[ev.ID]; dup {
		return ErrDuplicateEvent
	}
	m.ids[ev.ID] = struct{}{}
	u := m.userLocked(ev.UserID)
	u.Events = append(u.Events, ev)
	u.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteEvent(ctx context.Context, userID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	n := len(u.Events)
	u.Events = slices.DeleteFunc(u.Events, func(ev events.UnblockEvent) bool { return ev.ID == eventID })
	if len(u.Events) != n {
		delete(m.ids, eventID)
		u.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for id := range m.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) update(userID string, fn func(*UserData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userLocked(userID)
	fn(u)
	u.UpdatedAt = time.Now()
}

func (m *Memory) userLocked(userID string) *UserData {
	u, ok := m.users[userID]
	if !ok {
		u = &UserData{UserID: userID}
		m.users[userID] = u
	}
	return u
}

func cloneUser(u *UserData) *UserData {
	c := *u
	c.Schedules = slices.Clone(u.Schedules)
	c.Apps = slices.Clone(u.Apps)
	evs := u.Events
	if len(evs) > MaxLoadedEvents {
		evs = evs[len(evs)-MaxLoadedEvents:]
	}
	c.Events = slices.Clone(evs)
	return &c
}
