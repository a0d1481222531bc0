package reconciler

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/your-org/position-guard/internal/config"
)

// defaultTickSize is used when the cycle's contract snapshot has no entry for
// a symbol. Deliberately small so an unknown instrument errs on the side of
// reporting drift rather than hiding it.
var defaultTickSize = decimal.New(1, -2) // 0.01

// relative size slack for matching live order sizes against expected slices,
// absorbing exchange-side size rounding.
var sizeSlack = decimal.New(1, -3) // 0.1%

// Detector classifies positions against their expected protection. It is
// cycle-scoped: construct one per pass from the cycle's contract snapshot so
// tick sizes never go stale (and never live in mutable package state).
type Detector struct {
	tickSizes      map[string]decimal.Decimal
	toleranceTicks int
	policy         config.TakeProfitPolicy
}

// NewDetector creates a Detector for one reconciliation pass.
func NewDetector(tickSizes map[string]decimal.Decimal, toleranceTicks int, policy config.TakeProfitPolicy) *Detector {
	return &Detector{
		tickSizes:      tickSizes,
		toleranceTicks: toleranceTicks,
		policy:         policy,
	}
}

// tolerance is tick-aware, not percentage-based: exchanges round trigger
// prices to the instrument tick, and a fixed percentage would oscillate
// between "mismatched" and "ok" around that rounding.
func (d *Detector) tolerance(symbol string) decimal.Decimal {
	tick, ok := d.tickSizes[symbol]
	if !ok || !tick.IsPositive() {
		tick = defaultTickSize
	}
	return tick.Mul(decimal.NewFromInt(int64(d.toleranceTicks)))
}

func withinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

func sizeMatches(want, got decimal.Decimal) bool {
	larger := decimal.Max(want.Abs(), got.Abs())
	return want.Sub(got).Abs().LessThanOrEqual(larger.Mul(sizeSlack))
}

// Detect compares the live plan orders of one position against its expected
// target and returns the cycle's drift record for the symbol.
//
// A position that vanished between the snapshot and detection (size zero)
// needs no protection and is reported ok.
func (d *Detector) Detect(cycleID string, pos Position, expected ExpectedTarget, live []LivePlanOrder) DriftRecord {
	record := DriftRecord{
		CycleID:        cycleID,
		Symbol:         pos.Symbol,
		Classification: ClassOK,
		DetectedAt:     time.Now().UTC(),
	}
	if !pos.Size.IsPositive() {
		return record
	}

	tolerance := d.tolerance(pos.Symbol)

	var stops, takeProfits []LivePlanOrder
	for _, o := range live {
		switch {
		case o.Kind == KindStopLoss:
			stops = append(stops, o)
		case o.Kind.IsTakeProfit():
			takeProfits = append(takeProfits, o)
		}
	}

	d.detectStopLoss(&record, pos, expected, stops, tolerance)
	d.detectTakeProfits(&record, pos, expected, takeProfits, tolerance)

	record.Classification = classify(record)
	return record
}

func (d *Detector) detectStopLoss(record *DriftRecord, pos Position, expected ExpectedTarget, stops []LivePlanOrder, tolerance decimal.Decimal) {
	if len(stops) == 0 {
		record.Missing = append(record.Missing, KindStopLoss)
		return
	}

	// With several stop-losses live, keep the one closest to the expected
	// trigger and cancel the rest.
	sort.Slice(stops, func(i, j int) bool {
		di := stops[i].TriggerPrice.Sub(expected.StopLoss).Abs()
		dj := stops[j].TriggerPrice.Sub(expected.StopLoss).Abs()
		return di.LessThan(dj)
	})
	keep := stops[0]
	for _, extra := range stops[1:] {
		record.Orphaned = append(record.Orphaned, extra.ID)
	}

	if !withinTolerance(keep.TriggerPrice, expected.StopLoss, tolerance) {
		record.Mismatched = append(record.Mismatched, FieldDiff{
			Kind:    KindStopLoss,
			Field:   "trigger_price",
			Want:    expected.StopLoss,
			Got:     keep.TriggerPrice,
			OrderID: keep.ID,
		})
	}
}

func (d *Detector) detectTakeProfits(record *DriftRecord, pos Position, expected ExpectedTarget, live []LivePlanOrder, tolerance decimal.Decimal) {
	slices := expected.TakeProfitSlices(pos.Size, d.policy)

	// Positional matching: expected legs are ordered by the signal; live
	// orders are aligned by trigger price in the profit direction (ascending
	// for longs, descending for shorts).
	sort.Slice(live, func(i, j int) bool {
		if pos.Side == SideShort {
			return live[i].TriggerPrice.GreaterThan(live[j].TriggerPrice)
		}
		return live[i].TriggerPrice.LessThan(live[j].TriggerPrice)
	})

	for i, slice := range slices {
		if i >= len(live) {
			record.Missing = append(record.Missing, slice.Kind)
			continue
		}
		order := live[i]
		if !withinTolerance(order.TriggerPrice, slice.Price, tolerance) {
			record.Mismatched = append(record.Mismatched, FieldDiff{
				Kind:    slice.Kind,
				Field:   "trigger_price",
				Want:    slice.Price,
				Got:     order.TriggerPrice,
				OrderID: order.ID,
			})
			continue
		}
		if !sizeMatches(slice.Size, order.Size) {
			record.Mismatched = append(record.Mismatched, FieldDiff{
				Kind:    slice.Kind,
				Field:   "size",
				Want:    slice.Size,
				Got:     order.Size,
				OrderID: order.ID,
			})
		}
	}

	for _, extra := range live[min(len(slices), len(live)):] {
		record.Orphaned = append(record.Orphaned, extra.ID)
	}
}

// classify applies the severity precedence missing > mismatched > orphaned.
// All detected issues stay recorded on the drift record regardless of which
// one names the classification.
func classify(record DriftRecord) Classification {
	switch {
	case len(record.Missing) > 0:
		return ClassMissing
	case len(record.Mismatched) > 0:
		return ClassMismatched
	case len(record.Orphaned) > 0:
		return ClassOrphaned
	default:
		return ClassOK
	}
}
