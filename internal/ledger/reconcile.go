package ledger

import (
	"context"
	"fmt"
	"sort"
)

// Project replays the transaction log and returns the balance each account
// should hold. It is the reference the stored balances are checked against.
func Project(entries []*Transaction) map[string]*Balance {
	out := make(map[string]*Balance)
	get := func(id string) *Balance {
		b, ok := out[id]
		if !ok {
			b = &Balance{AccountID: id}
			out[id] = b
		}
		return b
	}

	for _, e := range entries {
		switch e.Kind {
		case KindMint, KindDeposit:
			get(e.ToAccount).Available += e.Amount
		case KindEscrowHold:
			b := get(e.FromAccount)
			b.Available -= e.Amount
			b.Held += e.Amount
		case KindEscrowRelease:
			from := get(e.FromAccount)
			from.Held -= e.Amount
			from.Spent += e.Amount
			to := get(e.ToAccount)
			to.Available += e.Amount
			to.Earned += e.Amount
		case KindFee:
			from := get(e.FromAccount)
			from.Held -= e.Amount
			from.Spent += e.Amount
		case KindEscrowRefund:
			get(e.FromAccount).Held -= e.Amount
			get(e.ToAccount).Available += e.Amount
		}
	}
	return out
}

// Mismatch is one account whose stored balance differs from its projection.
type Mismatch struct {
	AccountID string  `json:"account_id"`
	Stored    Balance `json:"stored"`
	Projected Balance `json:"projected"`
}

// Report is the result of a reconciliation pass.
type Report struct {
	Accounts   int        `json:"accounts"`
	Entries    int        `json:"entries"`
	Totals     Totals     `json:"totals"`
	Conserved  bool       `json:"conserved"`
	Mismatches []Mismatch `json:"mismatches"`
}

// OK reports whether the ledger is consistent.
func (r *Report) OK() bool {
	return r.Conserved && len(r.Mismatches) == 0
}

// Reconcile replays the whole log, compares every stored balance with its
// projection and checks conservation of funds.
func (l *Ledger) Reconcile(ctx context.Context) (*Report, error) {
	done := observeOp("reconcile")
	defer done()

	entries, err := l.store.AllTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	balances, err := l.store.AllBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	totals, err := l.store.Totals(ctx)
	if err != nil {
		return nil, err
	}

	projected := Project(entries)
	report := &Report{
		Accounts:   len(balances),
		Entries:    len(entries),
		Totals:     *totals,
		Conserved:  totals.Conserved(),
		Mismatches: []Mismatch{},
	}

	seen := make(map[string]bool, len(balances))
	for _, stored := range balances {
		seen[stored.AccountID] = true
		want := projected[stored.AccountID]
		if want == nil {
			want = &Balance{AccountID: stored.AccountID}
		}
		if !sameAmounts(stored, want) {
			report.Mismatches = append(report.Mismatches, Mismatch{AccountID: stored.AccountID, Stored: *stored, Projected: *want})
		}
	}
	for id, want := range projected {
		if !seen[id] {
			report.Mismatches = append(report.Mismatches, Mismatch{AccountID: id, Projected: *want})
		}
	}
	sort.Slice(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].AccountID < report.Mismatches[j].AccountID
	})
	return report, nil
}

func sameAmounts(a, b *Balance) bool {
	return a.Available == b.Available && a.Held == b.Held && a.Earned == b.Earned && a.Spent == b.Spent
}
