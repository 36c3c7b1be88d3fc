// Package admin provides operator endpoints for inspecting and unsticking
// per-user monitoring sessions.
package admin

import (
	"time"

	"github.com/mbd888/quietguard/internal/coordinator"
)

// SessionSummary is one loaded session as operators see it.
type SessionSummary struct {
	UserID           string            `json:"userId"`
	State            coordinator.State `json:"state"`
	ActiveScheduleID string            `json:"activeScheduleId,omitempty"`
	UnblockedUntil   *time.Time        `json:"unblockedUntil,omitempty"`
	Shielded         int               `json:"shielded"`
	MonitoredApps    int               `json:"monitoredApps"`
	CircuitOpen      bool              `json:"circuitOpen"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func summarize(snap coordinator.Snapshot, circuitOpen bool) SessionSummary {
	return SessionSummary{
		UserID:           snap.UserID,
		State:            snap.State,
		ActiveScheduleID: snap.ActiveScheduleID,
		UnblockedUntil:   snap.UnblockedUntil,
		Shielded:         len(snap.Shielded),
		MonitoredApps:    len(snap.MonitoredApps),
		CircuitOpen:      circuitOpen,
		UpdatedAt:        snap.UpdatedAt,
	}
}
