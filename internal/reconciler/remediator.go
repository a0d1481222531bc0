package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/your-org/position-guard/internal/alert"
	"github.com/your-org/position-guard/internal/config"
	"github.com/your-org/position-guard/internal/exchange/bitget"
	"github.com/your-org/position-guard/internal/metrics"
)

// Remediator turns a drift record into the minimal sequence of place/cancel
// calls that restores the expected protection, and executes them.
//
// Guarantees:
//   - all mutations share one token bucket sized to the exchange quota and
//     queue on it rather than burst-failing;
//   - at most one remediation runs per symbol at a time (single-flight);
//   - within a stop-loss replace, the cancel completes (or is confirmed
//     already absent) before the corrected order is placed;
//   - every attempt is recorded to the audit sink, and a duplicate-clientOid
//     rejection counts as success.
type Remediator struct {
	gateway    Gateway
	audit      AuditSink
	metrics    *metrics.Metrics
	notifier   alert.Notifier
	limiter    *rate.Limiter
	group      singleflight.Group
	maxRetries uint64
	policy     config.TakeProfitPolicy
	logger     *zap.Logger
}

// NewRemediator creates a Remediator. quotaPerMinute and burst size the
// shared mutation token bucket. Burst capacity is carved out of the quota:
// the bucket holds at most burst tokens and refills at quotaPerMinute-burst
// per minute, so burst plus one minute of refill never exceeds the quota in
// any rolling 60-second window.
func NewRemediator(gw Gateway, audit AuditSink, m *metrics.Metrics, notifier alert.Notifier,
	quotaPerMinute, burst, maxRetries int, policy config.TakeProfitPolicy, log *zap.Logger) *Remediator {
	return &Remediator{
		gateway:    gw,
		audit:      audit,
		metrics:    m,
		notifier:   notifier,
		limiter:    rate.NewLimiter(rate.Limit(float64(quotaPerMinute-burst)/60.0), burst),
		maxRetries: uint64(maxRetries),
		policy:     policy,
		logger:     log,
	}
}

// remedyStep is one planned mutation. A place step produced by a stop-loss
// replace carries the cancel it depends on in cancelFirst.
type remedyStep struct {
	action      Action
	kind        TargetKind
	spec        bitget.PlanOrderSpec // for place
	orderID     string               // for cancel
	cancelFirst *remedyStep
}

// Remediate repairs one symbol's drift. The returned attempts mirror what was
// written to the audit sink, in execution order.
func (r *Remediator) Remediate(ctx context.Context, pos Position, record DriftRecord, expected ExpectedTarget) ([]RemediationAttempt, error) {
	result, err, _ := r.group.Do(pos.Symbol, func() (interface{}, error) {
		return r.remediate(ctx, pos, record, expected)
	})
	attempts, _ := result.([]RemediationAttempt)
	return attempts, err
}

func (r *Remediator) remediate(ctx context.Context, pos Position, record DriftRecord, expected ExpectedTarget) ([]RemediationAttempt, error) {
	steps := r.plan(pos, record, expected)
	attempts := make([]RemediationAttempt, 0, len(steps))

	for _, step := range steps {
		if step.cancelFirst != nil {
			cancelAttempt, ok, execErr := r.execute(ctx, record.CycleID, pos.Symbol, *step.cancelFirst)
			attempts = append(attempts, cancelAttempt)
			if !ok {
				if bitget.IsAuthError(execErr) {
					return attempts, execErr
				}
				// The old order may still be live; placing the corrected one
				// now could leave two stop-losses at different prices. Defer
				// only this replacement. The remaining steps do not depend on
				// the cancel and still run this cycle.
				r.logger.Warn("cancel before replace failed, deferring replacement",
					zap.String("symbol", pos.Symbol),
					zap.String("kind", string(step.kind)),
					zap.String("outcome", string(cancelAttempt.Outcome)))
				continue
			}
		}
		attempt, ok, execErr := r.execute(ctx, record.CycleID, pos.Symbol, step)
		attempts = append(attempts, attempt)
		if !ok {
			if bitget.IsAuthError(execErr) {
				return attempts, execErr
			}
			if ctx.Err() != nil {
				return attempts, ctx.Err()
			}
		}
	}
	return attempts, nil
}

// plan computes the minimal action sequence for the drift record: replaces
// first (cancel bound to its place), then missing placements, then orphan
// cancels.
func (r *Remediator) plan(pos Position, record DriftRecord, expected ExpectedTarget) []remedyStep {
	var steps []remedyStep

	replaced := make(map[TargetKind]bool)
	for _, diff := range record.Mismatched {
		if replaced[diff.Kind] {
			continue
		}
		replaced[diff.Kind] = true
		cancel := &remedyStep{action: ActionCancel, kind: diff.Kind, orderID: diff.OrderID}
		steps = append(steps, remedyStep{
			action:      ActionPlace,
			kind:        diff.Kind,
			spec:        r.specFor(pos, expected, diff.Kind),
			cancelFirst: cancel,
		})
	}

	for _, kind := range record.Missing {
		steps = append(steps, remedyStep{
			action: ActionPlace,
			kind:   kind,
			spec:   r.specFor(pos, expected, kind),
		})
	}

	for _, orderID := range record.Orphaned {
		steps = append(steps, remedyStep{action: ActionCancel, orderID: orderID})
	}

	return steps
}

// specFor builds the placement spec for one target kind, sized against the
// current position snapshot.
func (r *Remediator) specFor(pos Position, expected ExpectedTarget, kind TargetKind) bitget.PlanOrderSpec {
	var slice PlanSlice
	if kind == KindStopLoss {
		slice = expected.StopLossSlice(pos.Size)
	} else {
		for _, s := range expected.TakeProfitSlices(pos.Size, r.policy) {
			if s.Kind == kind {
				slice = s
				break
			}
		}
	}

	planType := bitget.PlanTypeTakeProfit
	if kind == KindStopLoss {
		planType = bitget.PlanTypeStopLoss
	}
	return bitget.PlanOrderSpec{
		Symbol:       pos.Symbol,
		PlanType:     planType,
		HoldSide:     string(pos.Side),
		TriggerPrice: slice.Price,
		Size:         slice.Size,
		ClientOID:    ClientOID(pos.Symbol, pos.OpenedAt, kind),
	}
}

// execute runs one step through the rate limiter and retry policy, records
// the attempt, and reports whether the protection for that step is now in
// place (or confirmed absent, for cancels).
func (r *Remediator) execute(ctx context.Context, cycleID, symbol string, step remedyStep) (RemediationAttempt, bool, error) {
	attempt := RemediationAttempt{
		CycleID:     cycleID,
		Symbol:      symbol,
		Action:      step.action,
		Kind:        step.kind,
		ClientOID:   step.spec.ClientOID,
		OrderID:     step.orderID,
		AttemptedAt: time.Now().UTC(),
	}

	err := r.withRetries(ctx, func() error {
		if waitErr := r.limiter.Wait(ctx); waitErr != nil {
			return backoff.Permanent(waitErr)
		}
		var callErr error
		switch step.action {
		case ActionPlace:
			var orderID string
			orderID, callErr = r.gateway.PlacePlanOrder(ctx, step.spec)
			if callErr == nil {
				attempt.OrderID = orderID
			}
		case ActionCancel:
			callErr = r.gateway.CancelPlanOrder(ctx, symbol, step.orderID)
		}
		return classifyForRetry(callErr)
	})

	ok := true
	switch {
	case err == nil:
		attempt.Outcome = OutcomeSuccess
	case bitget.IsDuplicateClientOID(err):
		// A previous attempt (possibly one that timed out) already created
		// this order. Idempotency satisfied.
		attempt.Outcome = OutcomeSuccess
		attempt.ExchangeCode = exchangeCode(err)
	case step.action == ActionCancel && bitget.IsOrderNotFound(err):
		// Idempotent-absent: the order is already gone.
		attempt.Outcome = OutcomeSuccess
		attempt.ExchangeCode = exchangeCode(err)
	case bitget.IsTimeout(err):
		// Fate unknown; the dedup key makes the retry next cycle safe.
		attempt.Outcome = OutcomeTimeout
		ok = false
	case bitget.IsValidation(err):
		attempt.Outcome = OutcomeRejected
		attempt.ExchangeCode = exchangeCode(err)
		ok = false
		// Retrying an invalid request is futile; surface it immediately.
		detail := fmt.Sprintf("%s %s rejected by exchange: %v", step.action, step.kind, err)
		if sendErr := r.notifier.Send(alert.FormatDrift(alert.SeverityCritical, symbol, "validation", detail)); sendErr != nil {
			r.logger.Error("failed to notify validation rejection", zap.Error(sendErr))
		}
	default:
		attempt.Outcome = OutcomeRejected
		attempt.ExchangeCode = exchangeCode(err)
		ok = false
	}

	if err != nil && attempt.Outcome != OutcomeSuccess {
		r.logger.Warn("remediation attempt failed",
			zap.String("symbol", symbol),
			zap.String("action", string(step.action)),
			zap.String("kind", string(step.kind)),
			zap.String("outcome", string(attempt.Outcome)),
			zap.Error(err))
	}

	r.record(ctx, attempt)
	return attempt, ok, err
}

// withRetries retries transient failures with exponential backoff, bounded by
// maxRetries and the cycle context.
func (r *Remediator) withRetries(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)
	return backoff.Retry(op, policy)
}

// classifyForRetry wraps errors that must not be retried in
// backoff.Permanent so only transient failures loop. Timeouts are retried
// too: the dedup key turns a retry of an order that actually went through
// into a harmless duplicate rejection.
func classifyForRetry(err error) error {
	if err == nil {
		return nil
	}
	if bitget.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (r *Remediator) record(ctx context.Context, attempt RemediationAttempt) {
	r.metrics.RemediationAttempts.WithLabelValues(string(attempt.Action), string(attempt.Outcome)).Inc()
	if err := r.audit.RecordAttempt(ctx, attempt); err != nil {
		r.logger.Error("failed to record remediation attempt",
			zap.String("symbol", attempt.Symbol), zap.Error(err))
	}
}

func exchangeCode(err error) string {
	var apiErr *bitget.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
