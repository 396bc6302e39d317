// Package reconciliation periodically audits the ledger and the escrows
// holding funds in it.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/ledger"
)

// DefaultStuckGrace is how long past expiry a held escrow may wait for the
// sweeper before it counts as stuck.
const DefaultStuckGrace = 5 * time.Minute

// Auditor replays the ledger log.
type Auditor interface {
	Reconcile(ctx context.Context) (*ledger.Report, error)
}

// EscrowSource lists escrows for the hold check.
type EscrowSource interface {
	List(ctx context.Context, f escrow.Filter) ([]*escrow.Escrow, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
}

// Result is one audit pass.
type Result struct {
	Ledger *ledger.Report `json:"ledger"`
	// HeldBalances is the sum of every account's held balance.
	HeldBalances int64 `json:"held_balances"`
	// HeldByEscrows is the sum of amount+fee over held and disputed escrows.
	HeldByEscrows int64 `json:"held_by_escrows"`
	// StuckEscrows are held escrows the sweeper should already have expired.
	StuckEscrows []string  `json:"stuck_escrows"`
	CheckedAt    time.Time `json:"checked_at"`
	Duration     string    `json:"duration"`
}

// OrphanedHolds is the amount held in balances that no open escrow accounts for.
func (r *Result) OrphanedHolds() int64 {
	return r.HeldBalances - r.HeldByEscrows
}

// OK reports whether every check passed.
func (r *Result) OK() bool {
	return r.Ledger.OK() && r.OrphanedHolds() == 0 && len(r.StuckEscrows) == 0
}

// Runner executes audits and remembers the latest one.
type Runner struct {
	ledger  Auditor
	escrows EscrowSource
	grace   time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.RWMutex
	last *Result
}

// NewRunner creates a runner.
func NewRunner(l Auditor, escrows EscrowSource, logger *slog.Logger) *Runner {
	return &Runner{
		ledger:  l,
		escrows: escrows,
		grace:   DefaultStuckGrace,
		now:     time.Now,
		logger:  logger,
	}
}

// WithGrace overrides DefaultStuckGrace.
func (r *Runner) WithGrace(d time.Duration) *Runner {
	r.grace = d
	return r
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll performs every check and records the result.
func (r *Runner) RunAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	report, err := r.ledger.Reconcile(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("ledger replay: %w", err)
	}

	res := &Result{
		Ledger:       report,
		HeldBalances: report.Totals.Held,
		StuckEscrows: []string{},
		CheckedAt:    r.now().UTC(),
	}
	for _, st := range []escrow.Status{escrow.StatusHeld, escrow.StatusDisputed} {
		open, err := r.escrows.List(ctx, escrow.Filter{Status: st})
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list %s escrows: %w", st, err)
		}
		for _, e := range open {
			res.HeldByEscrows += e.TotalHeld()
		}
	}

	stuck, err := r.escrows.ListExpired(ctx, res.CheckedAt.Add(-r.grace), 100)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list stuck escrows: %w", err)
	}
	for _, e := range stuck {
		res.StuckEscrows = append(res.StuckEscrows, e.ID)
	}
	res.Duration = time.Since(start).String()

	publish(res)

	if !res.OK() {
		r.logger.Error("reconciliation found inconsistencies",
			"conserved", report.Conserved,
			"mismatches", len(report.Mismatches),
			"orphaned_holds", res.OrphanedHolds(),
			"stuck_escrows", len(res.StuckEscrows),
		)
	}

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()
	return res, nil
}

// Last returns the most recent result, or nil before the first run.
func (r *Runner) Last() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Healthy is false only when the last completed run found a problem.
func (r *Runner) Healthy() bool {
	last := r.Last()
	return last == nil || last.OK()
}
