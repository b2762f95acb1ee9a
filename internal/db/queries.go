package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"onboardvoice/internal/model"
	"onboardvoice/internal/stepsync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
	log *zap.Logger
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool, log *zap.Logger) *Queries {
	return &Queries{Pool: pool, log: log}
}

var _ stepsync.Ledger = (*Queries)(nil)

// StepSync is a row of onboarding_step_syncs
type StepSync struct {
	SessionID    string                 `json:"sessionId"`
	Attempt      string                 `json:"attempt,omitempty"`
	Step         model.Step             `json:"step"`
	Status       string                 `json:"status"`
	Error        *string                `json:"error,omitempty"`
	Payload      map[string]interface{} `json:"payload"`
	DispatchedAt time.Time              `json:"dispatchedAt"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// RecordStepSync stores a dispatch outcome. A repeated (session, attempt, step) keeps the first row.
func (q *Queries) RecordStepSync(ctx context.Context, rec stepsync.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}

	tag, err := q.Pool.Exec(ctx,
		`INSERT INTO onboarding_step_syncs (session_id, attempt, step, status, error, payload, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, attempt, step) DO NOTHING`,
		rec.SessionID, rec.Attempt, int(rec.Step), rec.Status, errText, payload, rec.DispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		q.log.Debug("Step sync already recorded", zap.String("session_id", rec.SessionID), zap.Int("step", int(rec.Step)))
	}
	return nil
}

// ListStepSyncs returns the recorded syncs of a session, attempt by attempt in step order.
// Attempt IDs are ULIDs, so the first attempt ("") sorts first.
func (q *Queries) ListStepSyncs(ctx context.Context, sessionID string) ([]StepSync, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT session_id, attempt, step, status, error, payload, dispatched_at, created_at
		FROM onboarding_step_syncs WHERE session_id = $1 ORDER BY attempt, step`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query step syncs: %w", err)
	}
	defer rows.Close()

	var out []StepSync
	for rows.Next() {
		var (
			s    StepSync
			step int
		)
		if err := rows.Scan(&s.SessionID, &s.Attempt, &step, &s.Status, &s.Error, &s.Payload, &s.DispatchedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step sync: %w", err)
		}
		s.Step = model.Step(step)
		out = append(out, s)
	}
	return out, rows.Err()
}
