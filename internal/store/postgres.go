package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/quietguard/internal/events"
	"github.com/mbd888/quietguard/internal/risk"
	"github.com/mbd888/quietguard/internal/schedule"
	"github.com/mbd888/quietguard/internal/streak"
	"github.com/mbd888/quietguard/migrations"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Postgres persists user data in PostgreSQL.
type Postgres struct {
	*risk.PostgresStore
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{PostgresStore: risk.NewPostgresStore(db), db: db}
}

// Migrate applies the embedded schema migrations. Deployments usually run
// cmd/migrate first, in which case this is a no-op.
func (s *Postgres) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, s.db)
}

func (s *Postgres) Load(ctx context.Context, userID string) (*UserData, error) {
	u := &UserData{UserID: userID}
	var schedulesJSON, appsJSON, streakJSON []byte
	var unblockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT schedules, apps, streak, monitoring, unblocked_until, updated_at
		FROM monitoring_profiles
		WHERE user_id = $1
	`, userID).Scan(&schedulesJSON, &appsJSON, &streakJSON, &u.Monitoring, &unblockedUntil, &u.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load profile: %w", err)
	default:
		if err := decodeProfile(u, schedulesJSON, appsJSON, streakJSON); err != nil {
			return nil, err
		}
		if unblockedUntil.Valid {
			u.UnblockedUntil = unblockedUntil.Time
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, occurred_at, purchase_type, tag, app_index, monitored_count, duration_minutes
		FROM unblock_events
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, userID, MaxLoadedEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to load unblock events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ev events.UnblockEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Timestamp, &ev.PurchaseType, &ev.Tag,
			&ev.AppIndex, &ev.MonitoredCount, &ev.DurationMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan unblock event: %w", err)
		}
		u.Events = append(u.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(u.Events)
	return u, nil
}

func (s *Postgres) SaveSchedules(ctx context.Context, userID string, ss []schedule.Schedule) error {
	return s.upsertJSON(ctx, userID, "schedules", nonNil(ss))
}

func (s *Postgres) SaveApps(ctx context.Context, userID string, apps []string) error {
	return s.upsertJSON(ctx, userID, "apps", nonNil(apps))
}

func (s *Postgres) SaveStreak(ctx context.Context, userID string, state streak.State) error {
	return s.upsertJSON(ctx, userID, "streak", state)
}

func (s *Postgres) SaveMonitoring(ctx context.Context, userID string, monitoring bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_profiles (user_id, monitoring, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET monitoring = EXCLUDED.monitoring, updated_at = NOW()
	`, userID, monitoring)
	if err != nil {
		return fmt.Errorf("failed to save monitoring flag: %w", err)
	}
	return nil
}

func (s *Postgres) SaveUnblockedUntil(ctx context.Context, userID string, until time.Time) error {
	var v sql.NullTime
	if !until.IsZero() {
		v = sql.NullTime{Time: until, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_profiles (user_id, unblocked_until, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET unblocked_until = EXCLUDED.unblocked_until, updated_at = NOW()
	`, userID, v)
	if err != nil {
		return fmt.Errorf("failed to save pending unblock: %w", err)
	}
	return nil
}

// upsertJSON writes one JSONB column. column is always a literal from this
// file, never caller input.
func (s *Postgres) upsertJSON(ctx context.Context, userID, column string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", column, err)
	}
	stmt := fmt.Sprintf(`
		INSERT INTO monitoring_profiles (user_id, %[1]s, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = NOW()
	`, column) // #nosec G201 -- column is a package constant
	if _, err := s.db.ExecContext(ctx, stmt, userID, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", column, err)
	}
	return nil
}

func (s *Postgres) AppendEvent(ctx context.Context, ev events.UnblockEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unblock_events
			(id, user_id, occurred_at, purchase_type, tag, app_index, monitored_count, duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.UserID, ev.Timestamp, string(ev.PurchaseType), ev.Tag,
		ev.AppIndex, ev.MonitoredCount, ev.DurationMinutes)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append unblock event: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteEvent(ctx context.Context, userID, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM unblock_events WHERE user_id = $1 AND id = $2`, userID, eventID)
	if err != nil {
		return fmt.Errorf("failed to delete unblock event: %w", err)
	}
	return nil
}

func (s *Postgres) ListUsers(ctx context.Context) ([]string, error) {
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

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func decodeProfile(u *UserData, schedulesJSON, appsJSON, streakJSON []byte) error {
	if len(schedulesJSON) > 0 {
		if err := json.Unmarshal(schedulesJSON, &u.Schedules); err != nil {
			return fmt.Errorf("failed to decode schedules: %w", err)
		}
	}
	if len(appsJSON) > 0 {
		if err := json.Unmarshal(appsJSON, &u.Apps); err != nil {
			return fmt.Errorf("failed to decode apps: %w", err)
		}
	}
	if len(streakJSON) > 0 {
		if err := json.Unmarshal(streakJSON, &u.Streak); err != nil {
			return fmt.Errorf("failed to decode streak: %w", err)
		}
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
