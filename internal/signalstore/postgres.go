package signalstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/your-org/position-guard/internal/reconciler"
)

// DB is the slice of pgxpool.Pool the store uses. Narrowed to an interface so
// tests can capture the SQL without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists accepted signals and serves expected-target lookups.
type PostgresStore struct {
	db     DB
	logger *zap.Logger
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(db DB, log *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log}
}

// RecordSignal appends one accepted signal.
func (s *PostgresStore) RecordSignal(ctx context.Context, sig Signal) error {
	legs, err := json.Marshal(sig.TakeProfits)
	if err != nil {
		return fmt.Errorf("marshal take profits: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO accepted_signals (id, symbol, side, entry_price, stop_loss, take_profits, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sig.ID, sig.Symbol, string(sig.Side), sig.EntryPrice, sig.StopLoss, legs, sig.AcceptedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert accepted signal: %w", err)
	}
	return nil
}

// LookupExpectedTarget returns the protection derived from the closest signal
// accepted at or before the position open time. No preceding signal means the
// position is unmanaged.
func (s *PostgresStore) LookupExpectedTarget(ctx context.Context, symbol string, approxOpenTime time.Time) (reconciler.ExpectedTarget, error) {
	var (
		side     string
		stopLoss string
		legsRaw  []byte
	)
	cutoff := approxOpenTime.UTC().Add(clockSkew)
	err := s.db.QueryRow(ctx, `
		SELECT side, stop_loss, take_profits
		FROM accepted_signals
		WHERE symbol = $1 AND accepted_at <= $2
		ORDER BY accepted_at DESC
		LIMIT 1`,
		symbol, cutoff).Scan(&side, &stopLoss, &legsRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return reconciler.ExpectedTarget{}, reconciler.ErrTargetNotFound
	}
	if err != nil {
		return reconciler.ExpectedTarget{}, fmt.Errorf("query accepted signal for %s: %w", symbol, err)
	}

	var legs []TakeProfitLeg
	if err := json.Unmarshal(legsRaw, &legs); err != nil {
		return reconciler.ExpectedTarget{}, fmt.Errorf("decode take profits for %s: %w", symbol, err)
	}
	return buildTarget(symbol, side, stopLoss, legs)
}

// buildTarget converts the stored string representation into decimals.
func buildTarget(symbol, side, stopLoss string, legs []TakeProfitLeg) (reconciler.ExpectedTarget, error) {
	sl, err := decimal.NewFromString(stopLoss)
	if err != nil {
		return reconciler.ExpectedTarget{}, fmt.Errorf("stop loss for %s: %w", symbol, err)
	}
	target := reconciler.ExpectedTarget{
		Symbol:   symbol,
		Side:     reconciler.Side(side),
		StopLoss: sl,
	}
	for i, leg := range legs {
		price, err := decimal.NewFromString(leg.Price)
		if err != nil {
			return reconciler.ExpectedTarget{}, fmt.Errorf("take profit %d price for %s: %w", i+1, symbol, err)
		}
		fraction, err := decimal.NewFromString(leg.Fraction)
		if err != nil {
			return reconciler.ExpectedTarget{}, fmt.Errorf("take profit %d fraction for %s: %w", i+1, symbol, err)
		}
		target.TakeProfits = append(target.TakeProfits, reconciler.TakeProfit{Price: price, Fraction: fraction})
	}
	return target, nil
}
