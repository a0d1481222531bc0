// Package reconciler implements the position-protection control loop: it
// derives the protective orders every open position should carry, detects
// drift against the live plan orders, and repairs it idempotently.
package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/your-org/position-guard/internal/exchange/bitget"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// TargetKind identifies one protective order slot of a position.
type TargetKind string

// KindStopLoss is the single stop-loss slot. Take-profit slots are
// take_profit_1, take_profit_2, ... in the order the signal specified them.
const KindStopLoss TargetKind = "stop_loss"

// kindTakeProfitUnassigned marks a live take-profit order before positional
// matching assigns it a slot index.
const kindTakeProfitUnassigned TargetKind = "take_profit"

// TakeProfitKind returns the kind for the i-th (1-based) take-profit leg.
func TakeProfitKind(i int) TargetKind {
	return TargetKind(fmt.Sprintf("take_profit_%d", i))
}

// IsTakeProfit reports whether k is a take-profit slot.
func (k TargetKind) IsTakeProfit() bool {
	return strings.HasPrefix(string(k), "take_profit")
}

// slug is the short form used inside client order ids: sl, tp1, tp2, ...
func (k TargetKind) slug() string {
	if k == KindStopLoss {
		return "sl"
	}
	if n, ok := strings.CutPrefix(string(k), "take_profit_"); ok {
		return "tp" + n
	}
	return string(k)
}

// ClientOID derives the deterministic idempotency key for one expected
// target. The same (symbol, position open time, kind) always yields the same
// key, so a placement retried after a timeout is deduped by the exchange.
func ClientOID(symbol string, openedAt time.Time, kind TargetKind) string {
	return "pg-" + strings.ToLower(symbol) + "-" + strconv.FormatInt(openedAt.Unix(), 10) + "-" + kind.slug()
}

// Position is a snapshot of one open position. Size is the current
// (possibly partially closed) size.
type Position struct {
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	OpenedAt   time.Time
}

// TakeProfit is one take-profit leg of an expected target. Fraction is the
// share of the position the leg closes.
type TakeProfit struct {
	Price    decimal.Decimal
	Fraction decimal.Decimal
}

// ExpectedTarget is the protection a position should carry, derived from the
// accepted signal that originated it.
type ExpectedTarget struct {
	Symbol      string
	Side        Side
	StopLoss    decimal.Decimal
	TakeProfits []TakeProfit
}

// LivePlanOrder is a pending protective order as seen on the exchange,
// normalized from the gateway representation.
type LivePlanOrder struct {
	ID           string
	Symbol       string
	Kind         TargetKind // KindStopLoss or a generic take-profit; slot index is assigned by matching
	TriggerPrice decimal.Decimal
	Size         decimal.Decimal
	ClientOID    string
	Status       string
}

// Classification of one position after drift detection, ordered by severity.
type Classification string

const (
	ClassOK         Classification = "ok"
	ClassMissing    Classification = "missing"
	ClassMismatched Classification = "mismatched"
	ClassOrphaned   Classification = "orphaned"
	// ClassUnmanaged marks positions with no resolvable expected target
	// (e.g. opened manually). They are excluded from remediation.
	ClassUnmanaged Classification = "unmanaged"
)

// FieldDiff describes one mismatched field of a live protective order.
type FieldDiff struct {
	Kind    TargetKind
	Field   string // "trigger_price" or "size"
	Want    decimal.Decimal
	Got     decimal.Decimal
	OrderID string
}

// DriftRecord is the result of one detection pass for one position. It is
// cycle-scoped; the audit log is the only place it outlives the cycle.
type DriftRecord struct {
	CycleID        string
	Symbol         string
	Classification Classification
	Missing        []TargetKind
	Mismatched     []FieldDiff
	Orphaned       []string // exchange order ids to cancel
	DetectedAt     time.Time
}

// Action is one remediation step type.
type Action string

const (
	ActionPlace  Action = "place"
	ActionCancel Action = "cancel"
)

// Outcome of one remediation attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimeout  Outcome = "timeout"
)

// RemediationAttempt is one append-only audit fact about a place or cancel.
type RemediationAttempt struct {
	CycleID      string
	Symbol       string
	Action       Action
	Kind         TargetKind
	ClientOID    string
	OrderID      string
	Outcome      Outcome
	ExchangeCode string
	AttemptedAt  time.Time
}

// Gateway is the exchange surface the reconciler consumes.
type Gateway interface {
	ListPositions(ctx context.Context) ([]bitget.Position, error)
	ListPlanOrders(ctx context.Context, symbol string) ([]bitget.PlanOrder, error)
	ListContracts(ctx context.Context) ([]bitget.Contract, error)
	PlacePlanOrder(ctx context.Context, spec bitget.PlanOrderSpec) (string, error)
	CancelPlanOrder(ctx context.Context, symbol, orderID string) error
}

// AuditSink records drift and remediation facts durably. The drift record for
// a symbol is always written before any remediation attempt for it.
type AuditSink interface {
	RecordDrift(ctx context.Context, record DriftRecord) error
	RecordAttempt(ctx context.Context, attempt RemediationAttempt) error
}

// positionFromExchange normalizes a gateway position snapshot.
func positionFromExchange(p bitget.Position) Position {
	side := SideLong
	if p.HoldSide == string(SideShort) {
		side = SideShort
	}
	return Position{
		Symbol:     p.Symbol,
		Side:       side,
		Size:       p.Total,
		EntryPrice: p.OpenPriceAvg,
		OpenedAt:   p.CreatedAt,
	}
}

// planOrderFromExchange normalizes a gateway plan order. Orders with plan
// types the reconciler does not manage (entry plans etc.) return ok=false.
func planOrderFromExchange(o bitget.PlanOrder) (LivePlanOrder, bool) {
	var kind TargetKind
	switch o.PlanType {
	case bitget.PlanTypeStopLoss:
		kind = KindStopLoss
	case bitget.PlanTypeTakeProfit:
		kind = kindTakeProfitUnassigned
	default:
		return LivePlanOrder{}, false
	}
	return LivePlanOrder{
		ID:           o.OrderID,
		Symbol:       o.Symbol,
		Kind:         kind,
		TriggerPrice: o.TriggerPrice,
		Size:         o.Size,
		ClientOID:    o.ClientOID,
		Status:       o.Status,
	}, true
}
