package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EscrowsTotal counts escrows reaching a status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrows_total",
			Help:      "Escrow status transitions by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowOpDuration observes escrow operation latency.
	EscrowOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "escrow_operation_duration_seconds",
			Help:      "Escrow operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"op"},
	)

	// EscrowCascadeRefunds counts dependents refunded by a cascade.
	EscrowCascadeRefunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrow_cascade_refunds_total",
			Help:      "Dependent escrows visited by refund cascades, by result.",
		},
		[]string{"result"},
	)

	// EscrowSweeps counts escrows handled by the expiry sweeper.
	EscrowSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "escrow_sweeper_escrows_total",
			Help:      "Escrows handled by the expiry sweeper, by result.",
		},
		[]string{"result"},
	)

	// EscrowsActive tracks escrows currently held or disputed.
	EscrowsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "escrows_active",
			Help:      "Escrows in a non-terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		EscrowsTotal,
		EscrowOpDuration,
		EscrowCascadeRefunds,
		EscrowSweeps,
		EscrowsActive,
	)
}

func observeOp(op string) func() {
	start := time.Now()
	return func() {
		EscrowOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func statusReached(s Status) {
	EscrowsTotal.WithLabelValues(string(s)).Inc()
}
