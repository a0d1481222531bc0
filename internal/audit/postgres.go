// Package audit persists the reconciler's append-only trail: drift records
// and remediation attempts. A drift record is always written before the
// attempts that act on it, so the trail explains every mutation.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/your-org/position-guard/internal/reconciler"
)

// DB is the slice of pgxpool.Pool the sink uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes the audit trail to Postgres.
type PostgresSink struct {
	db     DB
	logger *zap.Logger
}

// NewPostgresSink creates a sink over the given connection pool.
func NewPostgresSink(db DB, log *zap.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: log}
}

// mismatchJSON is the stored shape of one field diff.
type mismatchJSON struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Want    string `json:"want"`
	Got     string `json:"got"`
	OrderID string `json:"order_id"`
}

// RecordDrift appends one drift record.
func (s *PostgresSink) RecordDrift(ctx context.Context, record reconciler.DriftRecord) error {
	missing := make([]string, 0, len(record.Missing))
	for _, kind := range record.Missing {
		missing = append(missing, string(kind))
	}
	mismatched := make([]mismatchJSON, 0, len(record.Mismatched))
	for _, diff := range record.Mismatched {
		mismatched = append(mismatched, mismatchJSON{
			Kind:    string(diff.Kind),
			Field:   diff.Field,
			Want:    diff.Want.String(),
			Got:     diff.Got.String(),
			OrderID: diff.OrderID,
		})
	}
	mismatchedRaw, err := json.Marshal(mismatched)
	if err != nil {
		return fmt.Errorf("marshal mismatches: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO drift_records (cycle_id, symbol, classification, missing, mismatched, orphaned, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.CycleID, record.Symbol, string(record.Classification),
		missing, mismatchedRaw, record.Orphaned, record.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert drift record: %w", err)
	}
	return nil
}

// RecordAttempt appends one remediation attempt.
func (s *PostgresSink) RecordAttempt(ctx context.Context, attempt reconciler.RemediationAttempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO remediation_attempts (cycle_id, symbol, action, kind, client_oid, order_id, outcome, exchange_code, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		attempt.CycleID, attempt.Symbol, string(attempt.Action), string(attempt.Kind),
		attempt.ClientOID, attempt.OrderID, string(attempt.Outcome), attempt.ExchangeCode,
		attempt.AttemptedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert remediation attempt: %w", err)
	}
	return nil
}

// PurgeOlderThan trims trail rows past the retention horizon. Run
// periodically from the main process; the trail is append-only otherwise.
func (s *PostgresSink) PurgeOlderThan(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM drift_records WHERE detected_at < $1`, cutoff.UTC()); err != nil {
		return fmt.Errorf("purge drift records: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM remediation_attempts WHERE attempted_at < $1`, cutoff.UTC()); err != nil {
		return fmt.Errorf("purge remediation attempts: %w", err)
	}
	return nil
}
