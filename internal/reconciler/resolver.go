package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/your-org/position-guard/internal/config"
)

// ErrTargetNotFound is returned by a TargetSource when no accepted signal
// precedes the position. The position is then unmanaged, not an error.
var ErrTargetNotFound = errors.New("no expected target for position")

// TargetSource looks up the expected protection for a position from the
// accepted-signal store. approxOpenTime is the position open timestamp; the
// source returns the closest preceding signal for the symbol.
type TargetSource interface {
	LookupExpectedTarget(ctx context.Context, symbol string, approxOpenTime time.Time) (ExpectedTarget, error)
}

// Resolver derives the expected protective targets for open positions.
type Resolver struct {
	source TargetSource
}

// NewResolver creates a Resolver backed by the given signal source.
func NewResolver(source TargetSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the expected target for a position, or ErrTargetNotFound
// when the position was not originated by an accepted signal. The target is
// validated but not resized here; sizing against the current position happens
// in PlanSlices so that partial fills are always judged against the latest
// snapshot.
func (r *Resolver) Resolve(ctx context.Context, pos Position) (ExpectedTarget, error) {
	target, err := r.source.LookupExpectedTarget(ctx, pos.Symbol, pos.OpenedAt)
	if err != nil {
		if errors.Is(err, ErrTargetNotFound) {
			return ExpectedTarget{}, ErrTargetNotFound
		}
		return ExpectedTarget{}, fmt.Errorf("resolve %s: %w", pos.Symbol, err)
	}

	if err := target.validate(); err != nil {
		return ExpectedTarget{}, fmt.Errorf("resolve %s: %w", pos.Symbol, err)
	}
	if target.Side != pos.Side {
		return ExpectedTarget{}, fmt.Errorf("resolve %s: signal side %s does not match position side %s",
			pos.Symbol, target.Side, pos.Side)
	}
	return target, nil
}

func (t ExpectedTarget) validate() error {
	if !t.StopLoss.IsPositive() {
		return fmt.Errorf("stop loss %s is not positive", t.StopLoss)
	}
	for i, tp := range t.TakeProfits {
		if !tp.Price.IsPositive() {
			return fmt.Errorf("take profit %d price %s is not positive", i+1, tp.Price)
		}
		if !tp.Fraction.IsPositive() {
			return fmt.Errorf("take profit %d fraction %s is not positive", i+1, tp.Fraction)
		}
	}
	return nil
}

// PlanSlice is one concrete protective order to hold against the current
// position: a target kind, a trigger price and an absolute size.
type PlanSlice struct {
	Kind  TargetKind
	Price decimal.Decimal
	Size  decimal.Decimal
}

// StopLossSlice returns the stop-loss order sized to the full remaining
// position.
func (t ExpectedTarget) StopLossSlice(positionSize decimal.Decimal) PlanSlice {
	return PlanSlice{Kind: KindStopLoss, Price: t.StopLoss, Size: positionSize}
}

// TakeProfitSlices maps the take-profit fractions onto the current position
// size under the given policy.
//
// Under PolicyRenormalize fractions whose sum exceeds 1 are rescaled
// proportionally so they exactly cover the remaining size. Under PolicyStrict
// fractions are applied as stored and legs that no longer fit into the
// remaining size are dropped, which matches a position whose earlier
// take-profit legs already filled.
func (t ExpectedTarget) TakeProfitSlices(positionSize decimal.Decimal, policy config.TakeProfitPolicy) []PlanSlice {
	if len(t.TakeProfits) == 0 || !positionSize.IsPositive() {
		return nil
	}

	fractions := make([]decimal.Decimal, len(t.TakeProfits))
	sum := decimal.Zero
	for i, tp := range t.TakeProfits {
		fractions[i] = tp.Fraction
		sum = sum.Add(tp.Fraction)
	}
	if policy == config.PolicyRenormalize && sum.GreaterThan(decimal.New(1, 0)) {
		for i := range fractions {
			fractions[i] = fractions[i].Div(sum)
		}
	}

	slices := make([]PlanSlice, 0, len(t.TakeProfits))
	remaining := positionSize
	for i, tp := range t.TakeProfits {
		size := fractions[i].Mul(positionSize)
		if size.GreaterThan(remaining) {
			if policy == config.PolicyStrict {
				// The leg no longer fits; assume it partially or fully
				// filled already and stop here.
				break
			}
			size = remaining
		}
		if !size.IsPositive() {
			continue
		}
		slices = append(slices, PlanSlice{
			Kind:  TakeProfitKind(i + 1),
			Price: tp.Price,
			Size:  size,
		})
		remaining = remaining.Sub(size)
	}
	return slices
}
