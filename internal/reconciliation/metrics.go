package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func auditGauge(name, help string) prometheus.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      name,
		Help:      help,
	})
}

// Gauges describe the most recent completed audit.
var (
	reconcileLedgerMismatches = auditGauge("ledger_mismatches", "Accounts whose stored balance differs from the log replay.")
	reconcileOrphanedHolds    = auditGauge("orphaned_holds", "Held balance not backed by an open escrow.")
	reconcileStuckEscrows     = auditGauge("stuck_escrows", "Held escrows past expiry plus grace.")
	reconcileConserved        = auditGauge("conserved", "1 when minted supply equals available + held + fees.")
)

var (
	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Wall time of audit runs, including failed ones.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 3, 8),
	})
	reconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Audit runs that did not complete.",
	})
)

func publish(res *Result) {
	reconcileLedgerMismatches.Set(float64(len(res.Ledger.Mismatches)))
	reconcileOrphanedHolds.Set(float64(res.OrphanedHolds()))
	reconcileStuckEscrows.Set(float64(len(res.StuckEscrows)))
	conserved := 0.0
	if res.Ledger.Conserved {
		conserved = 1
	}
	reconcileConserved.Set(conserved)
}
