package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/your-org/position-guard/internal/alert"
	"github.com/your-org/position-guard/internal/config"
	"github.com/your-org/position-guard/internal/exchange/bitget"
	"github.com/your-org/position-guard/internal/metrics"
)

// State of the control loop, exposed through the health endpoint.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateResolving   State = "resolving"
	StateDetecting   State = "detecting"
	StateRemediating State = "remediating"
	StateReporting   State = "reporting"
	StateDegraded    State = "degraded"
)

// Options configures the Scheduler. SymbolEnabled is the per-symbol
// remediation switch; it must be a pure function over an immutable snapshot.
type Options struct {
	Interval         time.Duration
	CycleDeadline    time.Duration
	ShutdownTimeout  time.Duration
	ToleranceTicks   int
	AlertAfterCycles int
	Workers          int64
	Policy           config.TakeProfitPolicy
	SymbolEnabled    func(symbol string) bool
}

// Status is a health snapshot of the loop.
type Status struct {
	State         State     `json:"state"`
	Degraded      bool      `json:"degraded"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	LastCycleTook string    `json:"last_cycle_took"`
}

// Scheduler drives the reconciliation pipeline on a fixed cadence:
// Idle → Fetching → Resolving → Detecting → Remediating → Reporting → Idle.
// A tick that fires while a cycle is still running is skipped and counted,
// never overlapped.
type Scheduler struct {
	gateway    Gateway
	resolver   *Resolver
	remediator *Remediator
	audit      AuditSink
	metrics    *metrics.Metrics
	notifier   alert.Notifier
	logger     *zap.Logger
	opts       Options

	cycleMu sync.Mutex // held for the duration of one cycle
	nudge   chan struct{}

	mu              sync.Mutex
	state           State
	degraded        bool
	lastCycleAt     time.Time
	lastCycleTook   time.Duration
	streaks         map[string]int
	unmanagedLogged map[string]struct{}
}

// NewScheduler wires the control loop.
func NewScheduler(gw Gateway, resolver *Resolver, remediator *Remediator, audit AuditSink,
	m *metrics.Metrics, notifier alert.Notifier, opts Options, log *zap.Logger) *Scheduler {
	if opts.SymbolEnabled == nil {
		opts.SymbolEnabled = func(string) bool { return true }
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Scheduler{
		gateway:         gw,
		resolver:        resolver,
		remediator:      remediator,
		audit:           audit,
		metrics:         m,
		notifier:        notifier,
		logger:          log,
		opts:            opts,
		nudge:           make(chan struct{}, 1),
		state:           StateIdle,
		streaks:         make(map[string]int),
		unmanagedLogged: make(map[string]struct{}),
	}
}

// Nudge requests an early reconciliation pass, e.g. from the websocket
// position stream. Never blocks; redundant nudges coalesce.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Status returns the current health snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	if s.degraded && state == StateIdle {
		state = StateDegraded
	}
	return Status{
		State:         state,
		Degraded:      s.degraded,
		LastCycleAt:   s.lastCycleAt,
		LastCycleTook: s.lastCycleTook.String(),
	}
}

// Run drives cycles until ctx is cancelled. On cancellation the in-flight
// cycle may finish its remediation, bounded by the shutdown timeout, before
// Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// First pass immediately: a fresh start should not wait a full interval
	// to protect positions left unguarded by the previous shutdown.
	s.tryCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tryCycle(ctx)
		case <-s.nudge:
			s.tryCycle(ctx)
		}
	}
}

// tryCycle runs one cycle unless the previous one is still running, in which
// case the tick is skipped (counted, not an error).
func (s *Scheduler) tryCycle(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	if !s.cycleMu.TryLock() {
		s.metrics.CyclesSkipped.Inc()
		s.logger.Debug("tick skipped, previous cycle still running")
		return
	}
	defer s.cycleMu.Unlock()

	// The cycle context survives shutdown for the shutdown timeout so
	// in-flight remediation (cancel-then-replace in particular) can finish
	// instead of being torn down half-applied.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.CycleDeadline)
	defer cancel()
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(s.opts.ShutdownTimeout, cancel)
	})
	defer stop()

	s.runCycle(ctx)
}

// symbolResult carries one position through the pipeline stages.
type symbolResult struct {
	pos       Position
	expected  ExpectedTarget
	unmanaged bool
	skipped   bool // resolve failed with a real error; retried next cycle
	drift     DriftRecord
	attempts  []RemediationAttempt
}

func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now()
	cycleID := uuid.NewString()

	// Fetching
	s.setState(StateFetching)
	defer s.setState(StateIdle)

	exchangePositions, err := s.gateway.ListPositions(ctx)
	if err != nil {
		if bitget.IsAuthError(err) {
			s.enterDegraded(err)
		}
		s.logger.Error("cycle aborted: failed to list positions", zap.String("cycle", cycleID), zap.Error(err))
		return
	}

	tickSizes := s.fetchTickSizes(ctx)
	detector := NewDetector(tickSizes, s.opts.ToleranceTicks, s.opts.Policy)

	results := make([]*symbolResult, 0, len(exchangePositions))
	for _, p := range exchangePositions {
		results = append(results, &symbolResult{pos: positionFromExchange(p)})
	}

	// Resolving
	s.setState(StateResolving)
	s.forEach(ctx, results, func(res *symbolResult) {
		expected, err := s.resolver.Resolve(ctx, res.pos)
		switch {
		case errors.Is(err, ErrTargetNotFound):
			res.unmanaged = true
			s.logUnmanagedOnce(res.pos)
		case err != nil:
			res.skipped = true
			s.logger.Error("resolve failed", zap.String("symbol", res.pos.Symbol), zap.Error(err))
		default:
			res.expected = expected
		}
	})

	// Detecting. The drift record is written to the audit sink here, before
	// any remediation attempt for the symbol.
	s.setState(StateDetecting)
	s.forEach(ctx, results, func(res *symbolResult) {
		if res.unmanaged || res.skipped {
			return
		}
		live, err := s.listLivePlanOrders(ctx, res.pos.Symbol)
		if err != nil {
			res.skipped = true
			s.logger.Error("failed to list plan orders", zap.String("symbol", res.pos.Symbol), zap.Error(err))
			return
		}
		res.drift = detector.Detect(cycleID, res.pos, res.expected, live)
		s.metrics.DriftDetected.WithLabelValues(string(res.drift.Classification)).Inc()
		if err := s.audit.RecordDrift(ctx, res.drift); err != nil {
			// Without the audit fact the remediation would not be explainable
			// after the fact; skip the symbol this cycle.
			res.skipped = true
			s.logger.Error("failed to record drift", zap.String("symbol", res.pos.Symbol), zap.Error(err))
		}
	})

	// Remediating. In degraded mode a single probe symbol tests whether the
	// credentials recovered; detection-only otherwise.
	s.setState(StateRemediating)
	if s.isDegraded() && !s.probeDegraded(ctx, results) {
		s.alertDegraded()
	} else {
		s.forEach(ctx, results, func(res *symbolResult) {
			if !s.remediable(res) || len(res.attempts) > 0 {
				return
			}
			attempts, err := s.remediator.Remediate(ctx, res.pos, res.drift, res.expected)
			res.attempts = attempts
			if err != nil {
				if bitget.IsAuthError(err) {
					s.enterDegraded(err)
					return
				}
				s.logger.Warn("remediation incomplete", zap.String("symbol", res.pos.Symbol), zap.Error(err))
			}
		})
	}

	// Reporting
	s.setState(StateReporting)
	s.report(cycleID, results, time.Since(start))
}

// remediable reports whether a symbol result should be acted on.
func (s *Scheduler) remediable(res *symbolResult) bool {
	if res.unmanaged || res.skipped || res.drift.Classification == ClassOK {
		return false
	}
	if !s.opts.SymbolEnabled(res.pos.Symbol) {
		s.logger.Debug("remediation disabled for symbol", zap.String("symbol", res.pos.Symbol))
		return false
	}
	return true
}

// probeDegraded attempts remediation for the first drifted symbol. Only a
// mutation the exchange acknowledged (success, including a duplicate or
// already-absent rejection) proves the credentials work again; a timeout or
// rejection confirms nothing and the loop stays degraded.
func (s *Scheduler) probeDegraded(ctx context.Context, results []*symbolResult) bool {
	for _, res := range results {
		if !s.remediable(res) {
			continue
		}
		attempts, err := s.remediator.Remediate(ctx, res.pos, res.drift, res.expected)
		res.attempts = attempts
		if err != nil && bitget.IsAuthError(err) {
			return false
		}
		for _, attempt := range attempts {
			if attempt.Outcome == OutcomeSuccess {
				s.leaveDegraded()
				return true
			}
		}
		return false
	}
	// Nothing to probe with; stay degraded until a mutation can be tested.
	return false
}

// forEach fans work out across symbols with a bounded worker pool. Symbols
// are independent; per-symbol ordering is preserved because the stages run
// sequentially and remediation is single-flight per symbol.
func (s *Scheduler) forEach(ctx context.Context, results []*symbolResult, fn func(*symbolResult)) {
	sem := semaphore.NewWeighted(s.opts.Workers)
	var wg sync.WaitGroup
	for _, res := range results {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // cycle deadline hit; remaining symbols wait for next cycle
		}
		wg.Add(1)
		go func(res *symbolResult) {
			defer wg.Done()
			defer sem.Release(1)
			fn(res)
		}(res)
	}
	wg.Wait()
}

func (s *Scheduler) fetchTickSizes(ctx context.Context) map[string]decimal.Decimal {
	contracts, err := s.gateway.ListContracts(ctx)
	if err != nil {
		// The detector falls back to a conservative default tick.
		s.logger.Warn("failed to list contracts, using default tick sizes", zap.Error(err))
		return nil
	}
	tickSizes := make(map[string]decimal.Decimal, len(contracts))
	for _, c := range contracts {
		tickSizes[c.Symbol] = c.TickSize
	}
	return tickSizes
}

func (s *Scheduler) listLivePlanOrders(ctx context.Context, symbol string) ([]LivePlanOrder, error) {
	orders, err := s.gateway.ListPlanOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	live := make([]LivePlanOrder, 0, len(orders))
	for _, o := range orders {
		if normalized, ok := planOrderFromExchange(o); ok {
			live = append(live, normalized)
		}
	}
	return live, nil
}

// report closes the cycle: gauges, streak-based alerting, summary log.
func (s *Scheduler) report(cycleID string, results []*symbolResult, took time.Duration) {
	notOK := 0
	unmanaged := 0

	s.mu.Lock()
	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		seen[res.pos.Symbol] = struct{}{}
		switch {
		case res.unmanaged:
			unmanaged++
		case res.skipped:
			// Unknown state this cycle; the streak neither grows nor resets.
		case res.drift.Classification != ClassOK:
			notOK++
			s.streaks[res.pos.Symbol]++
		default:
			delete(s.streaks, res.pos.Symbol)
		}
	}
	// Closed positions drop out of the streak map entirely.
	for symbol := range s.streaks {
		if _, ok := seen[symbol]; !ok {
			delete(s.streaks, symbol)
		}
	}
	// The alert repeats every cycle while the streak holds; the notifier
	// buffers, so a long outage coalesces instead of flooding.
	type streakAlert struct {
		res    *symbolResult
		streak int
	}
	toAlert := make([]streakAlert, 0)
	for _, res := range results {
		if !res.unmanaged && !res.skipped && res.drift.Classification != ClassOK &&
			s.streaks[res.pos.Symbol] >= s.opts.AlertAfterCycles {
			toAlert = append(toAlert, streakAlert{res: res, streak: s.streaks[res.pos.Symbol]})
		}
	}
	s.lastCycleAt = time.Now().UTC()
	s.lastCycleTook = took
	s.mu.Unlock()

	for _, a := range toAlert {
		detail := fmt.Sprintf("unprotected for %d consecutive cycles, %s", a.streak, driftDetail(a.res.drift))
		msg := alert.FormatDrift(alert.SeverityWarning, a.res.pos.Symbol, string(a.res.drift.Classification), detail)
		if err := s.notifier.Send(msg); err != nil {
			s.logger.Error("failed to send drift alert", zap.Error(err))
		}
	}

	s.metrics.SymbolsNotOK.Set(float64(notOK))
	s.metrics.UnmanagedPositions.Set(float64(unmanaged))
	s.metrics.Cycles.Inc()
	s.metrics.CycleDuration.Observe(took.Seconds())

	s.logger.Info("cycle complete",
		zap.String("cycle", cycleID),
		zap.Int("positions", len(results)),
		zap.Int("not_ok", notOK),
		zap.Int("unmanaged", unmanaged),
		zap.Duration("took", took))
}

// driftDetail names what is wrong with the symbol, covering every drift kind
// so a mismatch or orphan streak is as explicit as a missing order.
func driftDetail(record DriftRecord) string {
	var parts []string
	if len(record.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %v", record.Missing))
	}
	if len(record.Mismatched) > 0 {
		kinds := make([]TargetKind, 0, len(record.Mismatched))
		seen := make(map[TargetKind]bool)
		for _, diff := range record.Mismatched {
			if !seen[diff.Kind] {
				seen[diff.Kind] = true
				kinds = append(kinds, diff.Kind)
			}
		}
		parts = append(parts, fmt.Sprintf("mismatched %v", kinds))
	}
	if len(record.Orphaned) > 0 {
		parts = append(parts, fmt.Sprintf("%d orphaned", len(record.Orphaned)))
	}
	if len(parts) == 0 {
		return "drifted"
	}
	return strings.Join(parts, ", ")
}

func (s *Scheduler) logUnmanagedOnce(pos Position) {
	key := pos.Symbol + "@" + pos.OpenedAt.UTC().Format(time.RFC3339)
	s.mu.Lock()
	_, logged := s.unmanagedLogged[key]
	if !logged {
		s.unmanagedLogged[key] = struct{}{}
	}
	s.mu.Unlock()
	if !logged {
		s.logger.Info("position has no originating signal, leaving unmanaged",
			zap.String("symbol", pos.Symbol), zap.Time("opened_at", pos.OpenedAt))
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Scheduler) enterDegraded(cause error) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if already {
		return
	}
	s.metrics.DegradedMode.Set(1)
	s.logger.Error("entering degraded mode: exchange rejected credentials, remediation suspended", zap.Error(cause))
	msg := alert.FormatDrift(alert.SeverityCritical, "*", "degraded",
		"exchange auth failure, remediation suspended; detection-only passes continue")
	if err := s.notifier.Send(msg); err != nil {
		s.logger.Error("failed to send degraded alert", zap.Error(err))
	}
}

// leaveDegraded clears degraded mode after a probe mutation succeeded.
func (s *Scheduler) leaveDegraded() {
	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = false
	s.mu.Unlock()
	if !wasDegraded {
		return
	}
	s.metrics.DegradedMode.Set(0)
	s.logger.Info("credentials confirmed valid, leaving degraded mode")
	msg := alert.FormatDrift(alert.SeverityInfo, "*", "recovered", "credentials valid again, remediation resumed")
	if err := s.notifier.Send(msg); err != nil {
		s.logger.Error("failed to send recovery alert", zap.Error(err))
	}
}

// alertDegraded keeps the degraded alert continuous, once per cycle.
func (s *Scheduler) alertDegraded() {
	msg := alert.FormatDrift(alert.SeverityCritical, "*", "degraded",
		"remediation still suspended pending valid credentials")
	if err := s.notifier.Send(msg); err != nil {
		s.logger.Error("failed to send degraded alert", zap.Error(err))
	}
}
