// Package store persists per-user coordinator data: schedules, monitored
// apps, the unblock event log, streak counters and the risk audit trail.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/streak"
)

// MaxLoadedEvents caps how many of the newest unblock events Load returns.
const MaxLoadedEvents = 1000

// ErrDuplicateEvent is returned when an unblock event ID is appended twice.
var ErrDuplicateEvent = errors.New("store: duplicate unblock event")

// UserData is everything the coordinator restores on load.
type UserData struct {
	UserID     string
	Schedules  []schedule.Schedule
	Apps       []string
	Events     []events.UnblockEvent // oldest first
	Streak     streak.State
	Monitoring bool
	// UnblockedUntil is the expiry of the pending temporary unblock, zero
	// when none is pending.
	UnblockedUntil time.Time
	UpdatedAt      time.Time
}

// Store is the persistence port. Every Save rewrites the whole entity, so a
// save that failed earlier is repaired by the next successful one.
type Store interface {
	risk.Store

	// Load returns the user's data. An unknown user yields empty data.
	Load(ctx context.Context, userID string) (*UserData, error)
	SaveSchedules(ctx context.Context, userID string, schedules []schedule.Schedule) error
	SaveApps(ctx context.Context, userID string, apps []string) error
	SaveStreak(ctx context.Context, userID string, state streak.State) error
	SaveMonitoring(ctx context.Context, userID string, monitoring bool) error
	// SaveUnblockedUntil records the pending grant's expiry. A zero time
	// clears it.
	SaveUnblockedUntil(ctx context.Context, userID string, until time.Time) error
	// AppendEvent durably appends to the user's unblock log.
	AppendEvent(ctx context.Context, ev events.UnblockEvent) error
	// DeleteEvent removes an event whose unblock never took effect. Unknown
	// IDs are ignored.
	DeleteEvent(ctx context.Context, userID, eventID string) error
	// ListUsers returns every user with stored data.
	ListUsers(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
