package reconciler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/position-guard/internal/config"
	"github.com/your-org/position-guard/internal/exchange/bitget"
	"github.com/your-org/position-guard/internal/metrics"
)

type schedulerFixture struct {
	gateway   *fakeGateway
	sink      *recordingSink
	notifier  *recordingNotifier
	metrics   *metrics.Metrics
	scheduler *Scheduler
}

func newSchedulerFixture(t *testing.T, source TargetSource) *schedulerFixture {
	t.Helper()
	gw := newFakeGateway()
	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	m := metrics.New(prometheus.NewRegistry())

	remediator := NewRemediator(gw, sink, m, notifier, 60000, 100, 1, config.PolicyRenormalize, zap.NewNop())
	scheduler := NewScheduler(gw, NewResolver(source), remediator, sink, m, notifier,
		Options{
			Interval:         time.Hour,
			CycleDeadline:    5 * time.Second,
			ShutdownTimeout:  time.Second,
			ToleranceTicks:   5,
			AlertAfterCycles: 2,
			Workers:          4,
			Policy:           config.PolicyRenormalize,
		},
		zap.NewNop())
	return &schedulerFixture{gateway: gw, sink: sink, notifier: notifier, metrics: m, scheduler: scheduler}
}

func exchangeLongPosition() bitget.Position {
	return bitget.Position{
		Symbol:       "BTCUSDT",
		HoldSide:     "long",
		Total:        decimal.NewFromInt(2),
		OpenPriceAvg: decimal.NewFromInt(60000),
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func managedSource() TargetSource {
	return &stubTargetSource{targets: map[string]ExpectedTarget{"BTCUSDT": longTarget()}}
}

func TestSchedulerConvergesInTwoCycles(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}

	f.scheduler.runCycle(context.Background())
	require.Len(t, f.gateway.placed, 3, "first cycle places the full protection")
	require.GreaterOrEqual(t, len(f.sink.drifts), 1)
	assert.Equal(t, ClassMissing, f.sink.drifts[0].Classification)

	f.scheduler.runCycle(context.Background())
	assert.Len(t, f.gateway.placed, 3, "second cycle must not double-submit")
	require.Len(t, f.sink.drifts, 2)
	assert.Equal(t, ClassOK, f.sink.drifts[1].Classification)
	assert.Empty(t, f.gateway.cancelled)
}

func TestSchedulerRecordsDriftBeforeRemediation(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}

	f.scheduler.runCycle(context.Background())

	driftIdx, attemptIdx := -1, -1
	for i, entry := range f.sink.order {
		if entry == "drift:BTCUSDT" && driftIdx < 0 {
			driftIdx = i
		}
		if strings.HasPrefix(entry, "attempt:BTCUSDT") && attemptIdx < 0 {
			attemptIdx = i
		}
	}
	require.GreaterOrEqual(t, driftIdx, 0)
	require.GreaterOrEqual(t, attemptIdx, 0)
	assert.Less(t, driftIdx, attemptIdx, "the drift fact must be durable before acting on it")
}

func TestSchedulerUnmanagedPosition(t *testing.T) {
	f := newSchedulerFixture(t, &stubTargetSource{targets: map[string]ExpectedTarget{}})
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}

	f.scheduler.runCycle(context.Background())

	assert.Empty(t, f.gateway.placed, "unmanaged positions are observed, never touched")
	assert.Empty(t, f.gateway.cancelled)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.UnmanagedPositions))
}

func TestSchedulerSkipsOverlappingTick(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())

	f.scheduler.cycleMu.Lock()
	defer f.scheduler.cycleMu.Unlock()
	f.scheduler.tryCycle(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CyclesSkipped))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Cycles))
}

func TestSchedulerDisabledSymbolDetectsOnly(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.scheduler.opts.SymbolEnabled = func(symbol string) bool { return symbol != "BTCUSDT" }
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}

	f.scheduler.runCycle(context.Background())

	assert.Empty(t, f.gateway.placed)
	require.Len(t, f.sink.drifts, 1, "detection and audit still run for disabled symbols")
	assert.Equal(t, ClassMissing, f.sink.drifts[0].Classification)
}

func TestSchedulerDegradedMode(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}
	f.gateway.placeHook = func(bitget.PlanOrderSpec) error {
		return &bitget.APIError{HTTPStatus: 401, Code: "40009", Message: "signature error"}
	}

	f.scheduler.runCycle(context.Background())
	assert.True(t, f.scheduler.isDegraded())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DegradedMode))

	// While degraded only the probe mutation goes out, and the alert repeats.
	alertsBefore := len(f.notifier.all())
	opsBefore := len(f.gateway.opTrace())
	f.scheduler.runCycle(context.Background())
	assert.True(t, f.scheduler.isDegraded())
	assert.Equal(t, opsBefore+1, len(f.gateway.opTrace()), "exactly one probe per degraded cycle")
	assert.Greater(t, len(f.notifier.all()), alertsBefore)

	// Credentials fixed: the probe succeeds and remediation resumes.
	f.gateway.placeHook = nil
	f.scheduler.runCycle(context.Background())
	assert.False(t, f.scheduler.isDegraded())
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.DegradedMode))
	assert.Len(t, f.gateway.placed, 3, "protection restored after recovery")

	recovered := false
	for _, msg := range f.notifier.all() {
		if strings.Contains(msg, "recovered") {
			recovered = true
		}
	}
	assert.True(t, recovered)
}

func TestSchedulerDegradedNotClearedByTimeout(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}
	f.gateway.placeHook = func(bitget.PlanOrderSpec) error {
		return &bitget.APIError{HTTPStatus: 401, Code: "40009", Message: "signature error"}
	}
	f.scheduler.runCycle(context.Background())
	require.True(t, f.scheduler.isDegraded())

	// The test mutation times out. The credentials were not confirmed valid,
	// so the loop must stay degraded.
	f.gateway.placeHook = func(bitget.PlanOrderSpec) error {
		return context.DeadlineExceeded
	}
	f.scheduler.runCycle(context.Background())
	assert.True(t, f.scheduler.isDegraded(), "a timeout proves nothing about the credentials")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DegradedMode))

	// Only an acknowledged mutation clears the mode.
	f.gateway.placeHook = nil
	f.scheduler.runCycle(context.Background())
	assert.False(t, f.scheduler.isDegraded())
	assert.Len(t, f.gateway.placed, 3)
}

func TestSchedulerAlertsAfterConsecutiveDrift(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}
	// Placements rejected as invalid, so the symbol stays missing cycle after
	// cycle without tripping degraded mode.
	f.gateway.placeHook = func(bitget.PlanOrderSpec) error {
		return &bitget.APIError{HTTPStatus: 400, Code: "40774", Message: "bad trigger price"}
	}

	countStreakAlerts := func() int {
		n := 0
		for _, msg := range f.notifier.all() {
			if strings.Contains(msg, "unprotected for") {
				n++
			}
		}
		return n
	}

	f.scheduler.runCycle(context.Background())
	assert.Equal(t, 0, countStreakAlerts(), "one bad cycle is not yet an incident")

	f.scheduler.runCycle(context.Background())
	assert.Equal(t, 1, countStreakAlerts(), "threshold crossed")

	f.scheduler.runCycle(context.Background())
	assert.Equal(t, 2, countStreakAlerts(), "the alert repeats while the position stays unprotected")

	var last string
	for _, msg := range f.notifier.all() {
		if strings.Contains(msg, "unprotected for") {
			last = msg
		}
	}
	assert.Contains(t, last, "unprotected for 3 consecutive cycles", "the alert reports the actual streak length")
}

func TestSchedulerStreakAlertNamesMismatchedOrders(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}
	// A stop-loss lives at the wrong trigger price while both take-profits
	// are correct. The cancel half of the replace keeps failing, so the
	// mismatch persists across cycles.
	f.gateway.plans["BTCUSDT"] = []bitget.PlanOrder{
		{OrderID: "stale-sl", Symbol: "BTCUSDT", PlanType: bitget.PlanTypeStopLoss,
			TriggerPrice: decimal.NewFromInt(58800), Size: decimal.NewFromInt(2)},
		{OrderID: "tp-1", Symbol: "BTCUSDT", PlanType: bitget.PlanTypeTakeProfit,
			TriggerPrice: decimal.NewFromInt(61800), Size: decimal.NewFromInt(1)},
		{OrderID: "tp-2", Symbol: "BTCUSDT", PlanType: bitget.PlanTypeTakeProfit,
			TriggerPrice: decimal.NewFromInt(62700), Size: decimal.NewFromInt(1)},
	}
	f.gateway.cancelHook = func(string) error {
		return &bitget.APIError{HTTPStatus: 400, Code: "40808", Message: "parameter check failure"}
	}

	f.scheduler.runCycle(context.Background())
	f.scheduler.runCycle(context.Background())

	var streakAlert string
	for _, msg := range f.notifier.all() {
		if strings.Contains(msg, "unprotected for") {
			streakAlert = msg
		}
	}
	require.NotEmpty(t, streakAlert)
	assert.Contains(t, streakAlert, "mismatched [stop_loss]", "the alert names what is actually wrong")
	assert.NotContains(t, streakAlert, "missing", "nothing is missing for this symbol")
}

func TestSchedulerStatus(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	f.gateway.positions = []bitget.Position{exchangeLongPosition()}

	before := f.scheduler.Status()
	assert.Equal(t, StateIdle, before.State)
	assert.True(t, before.LastCycleAt.IsZero())

	f.scheduler.runCycle(context.Background())

	after := f.scheduler.Status()
	assert.Equal(t, StateIdle, after.State)
	assert.False(t, after.LastCycleAt.IsZero())
	assert.False(t, after.Degraded)
}

func TestSchedulerNudgeCoalesces(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	// Nudging many times while no cycle is draining the channel must never
	// block the websocket callback.
	for i := 0; i < 10; i++ {
		f.scheduler.Nudge()
	}
	assert.Len(t, f.scheduler.nudge, 1)
}

func TestSchedulerVanishedPositionNeedsNoProtection(t *testing.T) {
	f := newSchedulerFixture(t, managedSource())
	pos := exchangeLongPosition()
	pos.Total = decimal.Zero
	f.gateway.positions = []bitget.Position{pos}

	f.scheduler.runCycle(context.Background())

	assert.Empty(t, f.gateway.placed)
	require.Len(t, f.sink.drifts, 1)
	assert.Equal(t, ClassOK, f.sink.drifts[0].Classification)
}
