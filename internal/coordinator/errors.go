package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySelection is returned when monitoring is started (or left
	// running) with no monitored apps.
	ErrEmptySelection = errors.New("coordinator: no monitored apps selected")

	// ErrNotBlocking is returned by TemporarilyUnblock when no shield is up.
	ErrNotBlocking = errors.New("coordinator: not blocking")

	// ErrNotMonitoring is ErrNotBlocking's stricter form for a stopped
	// coordinator. errors.Is matches both.
	ErrNotMonitoring = fmt.Errorf("%w: monitoring is stopped", ErrNotBlocking)

	// ErrClosed is returned by mutations after Close.
	ErrClosed = errors.New("coordinator: closed")

	// ErrInvalidDuration rejects unblock grants outside [1, MaxUnblockMinutes].
	ErrInvalidDuration = errors.New("coordinator: invalid unblock duration")
)

// RegistrationError reports a failed host transition. When RolledBack is
// true the previous registration and state were restored; otherwise the
// coordinator stopped monitoring.
type RegistrationError struct {
	Op         string
	Err        error
	RolledBack bool
}

func (e *RegistrationError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("coordinator: %s failed, rolled back: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("coordinator: %s failed, rollback failed, monitoring stopped: %v", e.Op, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// PersistenceError reports a failed save. In-memory state stays usable and
// the next save of the same entity rewrites it in full.
type PersistenceError struct {
	Entity string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("coordinator: persist %s: %v", e.Entity, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TimerRaceError means a timer callback held a live token while the
// coordinator was stopped. Stop invalidates every token, so this is a bug.
type TimerRaceError struct {
	Timer string
	Token uint64
}

func (e *TimerRaceError) Error() string {
	return fmt.Sprintf("coordinator: %s timer fired with live token %d while stopped", e.Timer, e.Token)
}
