// Package monitor is the port to the host activity monitor: the platform
// facility that watches app launches and shields apps from being opened.
// The host holds at most one monitoring registration at a time.
package monitor

import (
	"context"
	"errors"
	"slices"

	"github.com/mbd888/quietguard/internal/schedule"
)

var (
	// ErrPermissionDenied means the user has not granted the host monitoring
	// permission. Retrying does not help.
	ErrPermissionDenied = errors.New("monitor: permission denied")

	// ErrHostUnavailable means the host could not be reached.
	ErrHostUnavailable = errors.New("monitor: host unavailable")

	// ErrNotRegistered is returned by Deregister when nothing is registered
	// and the host treats that as an error.
	ErrNotRegistered = errors.New("monitor: no active registration")
)

// Registration is the single schedule the host monitors. A nil Window means
// all-day monitoring.
type Registration struct {
	Window *schedule.Schedule `json:"window,omitempty"`
	Apps   []string           `json:"apps"`
}

// AllDay reports whether the registration covers the whole day.
func (r Registration) AllDay() bool {
	return r.Window == nil
}

// Equal reports whether two registrations would program the host
// identically.
func (r Registration) Equal(o Registration) bool {
	if !slices.Equal(r.Apps, o.Apps) {
		return false
	}
	if r.Window == nil || o.Window == nil {
		return r.Window == nil && o.Window == nil
	}
	return r.Window.Equal(*o.Window)
}

// Clone returns a deep copy.
func (r Registration) Clone() Registration {
	out := Registration{Apps: slices.Clone(r.Apps)}
	if r.Window != nil {
		w := r.Window.Normalize()
		out.Window = &w
	}
	return out
}

// Host programs the platform activity monitor. Implementations must honour
// ctx cancellation; callers bound every call with a timeout.
type Host interface {
	// Register installs reg, replacing any existing registration.
	Register(ctx context.Context, reg Registration) error
	// Deregister removes the current registration. Deregistering with
	// nothing registered is not an error.
	Deregister(ctx context.Context) error
	// ApplyShield blocks the given apps from opening.
	ApplyShield(ctx context.Context, apps []string) error
	// ClearShield lifts any shield.
	ClearShield(ctx context.Context) error
}
