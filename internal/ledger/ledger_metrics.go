package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpFailures counts failed ledger operations by type and reason.
	LedgerOpFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "ledger_operation_failures_total",
			Help:      "Failed ledger operations by type and reason.",
		},
		[]string{"type", "reason"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerInvariantViolations counts rejected movements that would have
	// driven a balance negative. Any non-zero value is a bug.
	LedgerInvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "ledger_invariant_violations_total",
			Help:      "Balance movements rejected by the non-negative invariant.",
		},
	)

	// LedgerBalanceAvailable tracks the sum of all available balances.
	LedgerBalanceAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "ledger_balance_available_total",
			Help:      "Sum of all available balances.",
		},
	)

	// LedgerBalanceHeld tracks the sum of all held balances.
	LedgerBalanceHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "ledger_balance_held_total",
			Help:      "Sum of all balances held in escrow.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpFailures,
		LedgerOpDuration,
		LedgerInvariantViolations,
		LedgerBalanceAvailable,
		LedgerBalanceHeld,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// observeFailure records a failed operation under a coarse reason label.
func observeFailure(opType string, err error) {
	LedgerOpFailures.WithLabelValues(opType, FailureReason(err)).Inc()
}

// FailureReason maps an error to a low-cardinality metric label.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "error"
	}
}

// invariantViolated records a rejected movement.
func invariantViolated() {
	LedgerInvariantViolations.Inc()
}
