// Package metrics exposes the reconciler's Prometheus instrumentation.
//
// Served at /metrics in Prometheus text exposition format:
//   - guard_drift_detected_total{classification}      – drift found per detection pass
//   - guard_remediation_attempts_total{action,outcome} – place/cancel attempts by outcome
//   - guard_symbols_not_ok                             – symbols still drifted after the last cycle
//   - guard_unmanaged_positions                        – open positions with no resolvable target
//   - guard_cycles_total                               – completed reconciliation cycles
//   - guard_cycles_skipped_total                       – ticks skipped because a cycle was running
//   - guard_cycle_duration_seconds                     – cycle wall time
//   - guard_degraded_mode                              – 1 while remediation is suspended on auth failure
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors. Construct with New and register against a
// dedicated registry so tests never collide on the global one.
type Metrics struct {
	DriftDetected       *prometheus.CounterVec
	RemediationAttempts *prometheus.CounterVec
	SymbolsNotOK        prometheus.Gauge
	UnmanagedPositions  prometheus.Gauge
	Cycles              prometheus.Counter
	CyclesSkipped       prometheus.Counter
	CycleDuration       prometheus.Histogram
	DegradedMode        prometheus.Gauge
}

// New creates and registers the reconciler metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DriftDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_drift_detected_total",
				Help: "Drift records by classification",
			},
			[]string{"classification"},
		),
		RemediationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_remediation_attempts_total",
				Help: "Remediation attempts by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		SymbolsNotOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_symbols_not_ok",
			Help: "Symbols left in a non-ok state after the last cycle",
		}),
		UnmanagedPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_unmanaged_positions",
			Help: "Open positions with no resolvable expected target",
		}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_cycles_total",
			Help: "Completed reconciliation cycles",
		}),
		CyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_cycles_skipped_total",
			Help: "Scheduler ticks skipped because the previous cycle was still running",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_cycle_duration_seconds",
			Help:    "Reconciliation cycle wall time",
			Buckets: prometheus.DefBuckets,
		}),
		DegradedMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_degraded_mode",
			Help: "1 while remediation is suspended due to an auth failure",
		}),
	}

	reg.MustRegister(
		m.DriftDetected,
		m.RemediationAttempts,
		m.SymbolsNotOK,
		m.UnmanagedPositions,
		m.Cycles,
		m.CyclesSkipped,
		m.CycleDuration,
		m.DegradedMode,
	)
	return m
}
