// Package metrics exposes Prometheus collectors for the enforcement pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// DispatchTotal counts queue item dispatches by method and result.
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "queue",
		Name:      "dispatch_total",
		Help:      "Total number of takedown dispatches, labeled by delivery method and result.",
	}, []string{"method", "result"})

	// DispatchDurationSeconds is the time spent in one channel call.
	DispatchDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "enforcer",
		Subsystem: "queue",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent delivering one takedown notice through its channel.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"method"})

	// DispatchInFlight is the number of channel calls currently running.
	DispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "enforcer",
		Subsystem: "queue",
		Name:      "dispatch_in_flight",
		Help:      "Current number of takedown dispatches in progress.",
	})

	// ReclaimedTotal counts stale processing items returned to pending.
	ReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "queue",
		Name:      "reclaimed_total",
		Help:      "Total number of stale processing items returned to pending.",
	})

	// OverdueMarkedTotal counts records newly marked overdue by kind.
	OverdueMarkedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "deadlines",
		Name:      "overdue_marked_total",
		Help:      "Total number of records newly marked overdue, labeled by kind.",
	}, []string{"kind"})

	// EscalationsTotal counts escalation suggestions by outcome.
	EscalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "deadlines",
		Name:      "escalations_total",
		Help:      "Total number of escalation suggestions, labeled by outcome.",
	}, []string{"outcome"})

	// ReviewsFlaggedTotal counts pending verifications flagged as stale.
	ReviewsFlaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "deadlines",
		Name:      "reviews_flagged_total",
		Help:      "Total number of pending verifications flagged as stale.",
	})

	// ScanCandidatesTotal counts scan candidates by delta partition.
	ScanCandidatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "scan",
		Name:      "candidates_total",
		Help:      "Total number of scan candidates, labeled by partition (new, reseen, relisted, invalid).",
	}, []string{"partition"})

	// CostAvoidedTotal counts external calls skipped thanks to the ledger.
	CostAvoidedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "scan",
		Name:      "cost_avoided_total",
		Help:      "Total number of lookups and classifications skipped for re-seen URLs.",
	}, []string{"kind"})

	// HTTPRequestsTotal counts API requests by route pattern and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enforcer",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests, labeled by route pattern and status code.",
	}, []string{"route", "code"})
)

// Register registers enforcement metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchTotal,
			DispatchDurationSeconds,
			DispatchInFlight,
			ReclaimedTotal,
			OverdueMarkedTotal,
			EscalationsTotal,
			ReviewsFlaggedTotal,
			ScanCandidatesTotal,
			CostAvoidedTotal,
			HTTPRequestsTotal,
		)
	})
}
