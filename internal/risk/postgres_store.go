package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore keeps the assessment audit trail in the risk_assessments
// table. Factors are not stored; they are derived from the weights on read.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db. The schema comes from the
// embedded migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertAssessment = `
	INSERT INTO risk_assessments (id, user_id, score, recommendation, weights, evaluated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING`

const selectAssessments = `
	SELECT id, score, recommendation, weights, evaluated_at
	FROM risk_assessments
	WHERE user_id = $1
	ORDER BY evaluated_at DESC
	LIMIT $2`

// Record inserts a. Re-recording the same ID is a no-op.
func (s *PostgresStore) Record(ctx context.Context, a *RiskAssessment) error {
	weights, err := json.Marshal(a.Weights)
	if err != nil {
		return fmt.Errorf("risk: encode weights: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertAssessment,
		a.ID, a.UserID, a.Score, string(a.Recommendation), weights, a.Timestamp); err != nil {
		return fmt.Errorf("risk: record %s: %w", a.ID, err)
	}
	return nil
}

// ListByUser returns up to limit assessments for userID, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*RiskAssessment, error) {
	rows, err := s.db.QueryContext(ctx, selectAssessments, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("risk: list %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*RiskAssessment, 0, limit)
	for rows.Next() {
		a := &RiskAssessment{UserID: userID}
		var weights []byte
		if err := rows.Scan(&a.ID, &a.Score, &a.Recommendation, &weights, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("risk: scan assessment: %w", err)
		}
		if err := json.Unmarshal(weights, &a.Weights); err != nil {
			return nil, fmt.Errorf("risk: decode weights for %s: %w", a.ID, err)
		}
		a.Factors = TagsOf(a.Weights)
		out = append(out, a)
	}
	return out, rows.Err()
}
