package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/streak"
)

// SQLite persists user data in a local SQLite file, for single-device
// deployments without a database server.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS monitoring_profiles (
  user_id TEXT PRIMARY KEY,
  schedules TEXT NOT NULL DEFAULT '[]',
  apps TEXT NOT NULL DEFAULT '[]',
  streak TEXT NOT NULL DEFAULT '{}',
  monitoring INTEGER NOT NULL DEFAULT 0,
  unblocked_until TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS unblock_events (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  occurred_at TEXT NOT NULL,
  purchase_type TEXT NOT NULL,
  tag TEXT NOT NULL DEFAULT '',
  app_index INTEGER NOT NULL DEFAULT 0,
  monitored_count INTEGER NOT NULL DEFAULT 0,
  duration_minutes INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_unblock_events_user ON unblock_events (user_id, occurred_at);

CREATE TABLE IF NOT EXISTS risk_assessments (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  score REAL NOT NULL,
  recommendation TEXT NOT NULL,
  weights TEXT NOT NULL DEFAULT '{}',
  evaluated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_assessments_user ON risk_assessments (user_id, evaluated_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	// Files created before pending grants were persisted lack the column.
	_, err := s.db.ExecContext(ctx,
		`ALTER TABLE monitoring_profiles ADD COLUMN unblocked_until TEXT NOT NULL DEFAULT ''`)
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("failed to add unblocked_until column: %w", err)
	}
	return nil
}

// Timestamps are stored as fixed-width UTC RFC 3339 so they sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func (s *SQLite) Load(ctx context.Context, userID string) (*UserData, error) {
	u := &UserData{UserID: userID}
	var schedulesJSON, appsJSON, streakJSON, unblockedUntil, updatedAt string
	var monitoring int
	err := s.db.QueryRowContext(ctx, `
SELECT schedules, apps, streak, monitoring, unblocked_until, updated_at
FROM monitoring_profiles WHERE user_id = ?`, userID).
		Scan(&schedulesJSON, &appsJSON, &streakJSON, &monitoring, &unblockedUntil, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load profile: %w", err)
	default:
		if err := decodeProfile(u, []byte(schedulesJSON), []byte(appsJSON), []byte(streakJSON)); err != nil {
			return nil, err
		}
		u.Monitoring = monitoring != 0
		u.UpdatedAt, _ = parseTime(updatedAt)
		if unblockedUntil != "" {
			if u.UnblockedUntil, err = parseTime(unblockedUntil); err != nil {
				return nil, fmt.Errorf("failed to parse pending unblock: %w", err)
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, occurred_at, purchase_type, tag, app_index, monitored_count, duration_minutes
FROM unblock_events WHERE user_id = ?
ORDER BY occurred_at DESC LIMIT ?`, userID, MaxLoadedEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to load unblock events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ev events.UnblockEvent
		var occurredAt, purchaseType string
		if err := rows.Scan(&ev.ID, &ev.UserID, &occurredAt, &purchaseType, &ev.Tag,
			&ev.AppIndex, &ev.MonitoredCount, &ev.DurationMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan unblock event: %w", err)
		}
		if ev.Timestamp, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("failed to parse unblock event time: %w", err)
		}
		ev.PurchaseType = events.PurchaseType(purchaseType)
		u.Events = append(u.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(u.Events)
	return u, nil
}

func (s *SQLite) SaveSchedules(ctx context.Context, userID string, ss []schedule.Schedule) error {
	return s.upsertJSON(ctx, userID, "schedules", nonNil(ss))
}

func (s *SQLite) SaveApps(ctx context.Context, userID string, apps []string) error {
	return s.upsertJSON(ctx, userID, "apps", nonNil(apps))
}

func (s *SQLite) SaveStreak(ctx context.Context, userID string, state streak.State) error {
	return s.upsertJSON(ctx, userID, "streak", state)
}

func (s *SQLite) SaveMonitoring(ctx context.Context, userID string, monitoring bool) error {
	flag := 0
	if monitoring {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO monitoring_profiles (user_id, monitoring, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET monitoring=excluded.monitoring, updated_at=excluded.updated_at`,
		userID, flag, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save monitoring flag: %w", err)
	}
	return nil
}

func (s *SQLite) SaveUnblockedUntil(ctx context.Context, userID string, until time.Time) error {
	v := ""
	if !until.IsZero() {
		v = formatTime(until)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO monitoring_profiles (user_id, unblocked_until, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET unblocked_until=excluded.unblocked_until, updated_at=excluded.updated_at`,
		userID, v, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save pending unblock: %w", err)
	}
	return nil
}

func (s *SQLite) upsertJSON(ctx context.Context, userID, column string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", column, err)
	}
	stmt := fmt.Sprintf(`
INSERT INTO monitoring_profiles (user_id, %[1]s, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET %[1]s=excluded.%[1]s, updated_at=excluded.updated_at`,
		column) // #nosec G201 -- column is a package constant
	if _, err := s.db.ExecContext(ctx, stmt, userID, string(data), formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to save %s: %w", column, err)
	}
	return nil
}

func (s *SQLite) AppendEvent(ctx context.Context, ev events.UnblockEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO unblock_events
  (id, user_id, occurred_at, purchase_type, tag, app_index, monitored_count, duration_minutes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, formatTime(ev.Timestamp), string(ev.PurchaseType), ev.Tag,
		ev.AppIndex, ev.MonitoredCount, ev.DurationMinutes)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append unblock event: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteEvent(ctx context.Context, userID, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM unblock_events WHERE user_id = ? AND id = ?`, userID, eventID)
	if err != nil {
		return fmt.Errorf("failed to delete unblock event: %w", err)
	}
	return nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM monitoring_profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Record implements risk.Store.
func (s *SQLite) Record(ctx context.Context, a *risk.RiskAssessment) error {
	weights, err := json.Marshal(a.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO risk_assessments (id, user_id, score, recommendation, weights, evaluated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		a.ID, a.UserID, a.Score, string(a.Recommendation), string(weights), formatTime(a.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

// ListByUser implements risk.Store, newest first.
func (s *SQLite) ListByUser(ctx context.Context, userID string, limit int) ([]*risk.RiskAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, score, recommendation, weights, evaluated_at
FROM risk_assessments WHERE user_id = ?
ORDER BY evaluated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*risk.RiskAssessment
	for rows.Next() {
		var a risk.RiskAssessment
		var recommendation, weights, evaluatedAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Score, &recommendation, &weights, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Recommendation = risk.Recommendation(recommendation)
		a.Weights = make(map[string]float64)
		_ = json.Unmarshal([]byte(weights), &a.Weights)
		a.Factors = risk.TagsOf(a.Weights)
		if a.Timestamp, err = parseTime(evaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse risk assessment time: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB exposes the pool for connection metrics.
func (s *SQLite) DB() *sql.DB { return s.db }
