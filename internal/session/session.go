// Package session owns one coordinator per user. Coordinators are created
// lazily, loaded from the store and resumed if they were monitoring.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/quietguard/internal/alerts"
	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/coordinator"
	"github.com/mbd888/quietguard/internal/metrics"
	"github.com/mbd888/quietguard/internal/monitor"
	"github.com/mbd888/quietguard/internal/store"
	"github.com/mbd888/quietguard/internal/syncutil"
)

// ErrInvalidUser is returned for an empty or oversized user ID.
var ErrInvalidUser = errors.New("session: invalid user id")

const (
	maxUserIDLen       = 128
	restoreConcurrency = 8
)

// Config holds what every user's coordinator shares.
type Config struct {
	Store store.Store
	Clock clock.Clock
	// Host returns the host monitor for a user.
	Host func(userID string) monitor.Host
	// Notifier receives risk alerts. Nil disables alerting.
	Notifier       alerts.Notifier
	AlertThreshold float64
	AlertCooldown  time.Duration
	Publisher      coordinator.Publisher
	Options        coordinator.Options
	Logger         *slog.Logger
	// OnError receives background coordinator failures.
	OnError func(userID string, err error)
}

// Manager maps user IDs to live coordinators.
type Manager struct {
	cfg   Config
	locks *syncutil.KeyedMutex

	mu       sync.RWMutex
	sessions map[string]*coordinator.Coordinator
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		locks:    syncutil.NewKeyedMutex(syncutil.DefaultShards),
		sessions: make(map[string]*coordinator.Coordinator),
	}
}

// Get returns the user's coordinator, creating and loading it on first use.
func (m *Manager) Get(ctx context.Context, userID string) (*coordinator.Coordinator, error) {
	if userID == "" || len(userID) > maxUserIDLen {
		return nil, ErrInvalidUser
	}
	if c, ok := m.Peek(userID); ok {
		return c, nil
	}

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another caller may have finished loading while we waited.
	if c, ok := m.Peek(userID); ok {
		return c, nil
	}

	c, err := m.create(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[userID] = c
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	return c, nil
}

func (m *Manager) create(ctx context.Context, userID string) (*coordinator.Coordinator, error) {
	logger := m.cfg.Logger
	deps := coordinator.Deps{
		UserID:    userID,
		Host:      m.cfg.Host(userID),
		Store:     m.cfg.Store,
		Clock:     m.cfg.Clock,
		Publisher: m.cfg.Publisher,
		Logger:    logger,
		OnInvariant: func(err error) {
			logger.Error("coordinator invariant violated", "user", userID, "error", err)
		},
		Options: m.cfg.Options,
	}
	if m.cfg.Notifier != nil {
		d := alerts.NewDispatcher(m.cfg.Clock, m.cfg.Notifier, logger)
		if m.cfg.AlertThreshold > 0 {
			d = d.WithThreshold(m.cfg.AlertThreshold)
		}
		if m.cfg.AlertCooldown > 0 {
			d = d.WithCooldown(m.cfg.AlertCooldown)
		}
		deps.Alerts = d
	}
	if m.cfg.OnError != nil {
		deps.OnError = func(err error) { m.cfg.OnError(userID, err) }
	}

	c, err := coordinator.New(deps)
	if err != nil {
		return nil, err
	}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	if err := c.Resume(ctx); err != nil {
		// The session is still usable; the user can start monitoring again.
		logger.Warn("failed to resume monitoring", "user", userID, "error", err)
	}
	return c, nil
}

// Now returns the manager's current time in the coordinators' location.
func (m *Manager) Now() time.Time {
	loc := m.cfg.Options.Location
	if loc == nil {
		loc = time.UTC
	}
	return m.cfg.Clock.Now().In(loc)
}

// Peek returns a loaded coordinator without creating one.
func (m *Manager) Peek(userID string) (*coordinator.Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[userID]
	return c, ok
}

// Users returns the IDs of loaded sessions, sorted.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// RestoreAll loads every user with stored data so monitoring resumes
// without waiting for a request.
func (m *Manager) RestoreAll(ctx context.Context) error {
	users, err := m.cfg.Store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("session: list users: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, id := range users {
		g.Go(func() error {
			if _, err := m.Get(gctx, id); err != nil {
				return fmt.Errorf("session: restore %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.cfg.Logger.Info("sessions restored", "count", len(users))
	return nil
}

// Evict detaches one user's coordinator so the next request reloads it
// from the store. The host keeps its registration.
func (m *Manager) Evict(ctx context.Context, userID string) (bool, error) {
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[userID]
	if !ok {
		return false, nil
	}
	c.Close()
	delete(m.sessions, userID)
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return true, nil
}

// Close detaches every coordinator for shutdown. Hosts keep their
// registrations so monitoring survives a restart.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.sessions {
		c.Close()
		delete(m.sessions, id)
	}
	metrics.ActiveSessions.Set(0)
}
