// Package events defines the append-only unblock event log that the streak
// tracker and risk scorer consume.
package events

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrInvalidPurchaseType is returned for an unknown purchase type.
var ErrInvalidPurchaseType = errors.New("events: purchase type must be planned, impulse or none")

// PurchaseType classifies what the user intended when unblocking.
type PurchaseType string

const (
	PurchasePlanned PurchaseType = "planned"
	PurchaseImpulse PurchaseType = "impulse"
	PurchaseNone    PurchaseType = "none"
)

// Valid reports whether p is a known purchase type.
func (p PurchaseType) Valid() bool {
	switch p {
	case PurchasePlanned, PurchaseImpulse, PurchaseNone:
		return true
	}
	return false
}

// ParsePurchaseType parses a purchase type; the empty string means none.
func ParsePurchaseType(s string) (PurchaseType, error) {
	if s == "" {
		return PurchaseNone, nil
	}
	p := PurchaseType(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseType, s)
	}
	return p, nil
}

// UnblockMetadata is what the user supplies when asking for a temporary
// unblock.
type UnblockMetadata struct {
	PurchaseType PurchaseType `json:"purchaseType"`
	Tag          string       `json:"tag,omitempty"`
	AppIndex     int          `json:"appIndex"`
}

// UnblockEvent records one granted temporary unblock. Events are immutable
// once appended.
type UnblockEvent struct {
	ID              string       `json:"id"`
	UserID          string       `json:"userId"`
	Timestamp       time.Time    `json:"timestamp"`
	PurchaseType    PurchaseType `json:"purchaseType"`
	Tag             string       `json:"tag,omitempty"`
	AppIndex        int          `json:"appIndex"`
	MonitoredCount  int          `json:"monitoredCount"`
	DurationMinutes int          `json:"durationMinutes"`
}

// Since returns the events with Timestamp in (now-window, now].
func Since(evs []UnblockEvent, now time.Time, window time.Duration) []UnblockEvent {
	cutoff := now.Add(-window)
	var out []UnblockEvent
	for _, e := range evs {
		if e.Timestamp.After(cutoff) && !e.Timestamp.After(now) {
			out = append(out, e)
		}
	}
	return out
}

// ImpulseRatio is the share of events marked impulse. It is 0 for no events.
func ImpulseRatio(evs []UnblockEvent) float64 {
	if len(evs) == 0 {
		return 0
	}
	n := 0
	for _, e := range evs {
		if e.PurchaseType == PurchaseImpulse {
			n++
		}
	}
	return float64(n) / float64(len(evs))
}

// SortByTime orders events oldest first, ties broken by ID.
func SortByTime(evs []UnblockEvent) {
	slices.SortStableFunc(evs, func(a, b UnblockEvent) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

// Log is an in-memory append-only event log. Safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	events []UnblockEvent
}

// NewLog creates a log seeded with previously persisted events.
func NewLog(seed []UnblockEvent) *Log {
	evs := slices.Clone(seed)
	SortByTime(evs)
	return &Log{events: evs}
}

// Reset replaces the log's contents with seed.
func (l *Log) Reset(seed []UnblockEvent) {
	evs := slices.Clone(seed)
	SortByTime(evs)
	l.mu.Lock()
	l.events = evs
	l.mu.Unlock()
}

// Remove drops the event with id, reporting whether it was present.
func (l *Log) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.events)
	l.events = slices.DeleteFunc(l.events, func(e UnblockEvent) bool { return e.ID == id })
	return len(l.events) != n
}

// Append adds an event.
func (l *Log) Append(e UnblockEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// All returns a copy of every event, oldest first.
func (l *Log) All() []UnblockEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}

// Recent returns the events in the trailing window ending at now.
func (l *Log) Recent(now time.Time, window time.Duration) []UnblockEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Since(l.events, now, window)
}

// Len returns the number of events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
