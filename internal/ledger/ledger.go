// Package ledger holds prepaid agent balances and the append-only
// transaction log they are projected from.
//
// Every balance movement happens inside a Tx: the balance adjustments and
// the log entries that explain them commit together or not at all. The
// escrow package joins the same Tx so that escrow rows move with the funds.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/idgen"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAccount      = errors.New("invalid account")

	// ErrInvariantViolation means a movement would have driven a balance
	// negative. Correct callers never trigger it; it is fatal, never clamped.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrLockTimeout is returned when a row lock could not be acquired within
	// the configured bound. It is transient: the caller may retry.
	ErrLockTimeout = errors.New("timed out waiting for ledger lock")
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Role separates ordinary agents from operators allowed to resolve disputes.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// InitialReputation is the score every new account starts with.
const InitialReputation = 0.5

// Account is an agent identity. Accounts are never deleted.
type Account struct {
	ID          string        `json:"account_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Skills      []string      `json:"skills"`
	Status      AccountStatus `json:"status"`
	Role        Role          `json:"role"`
	Reputation  float64       `json:"reputation"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// IsOperator reports whether the account may act as an operator.
func (a *Account) IsOperator() bool {
	return a.Role == RoleOperator && a.Status == AccountActive
}

func (a *Account) clone() *Account {
	cp := *a
	cp.Skills = append([]string(nil), a.Skills...)
	return &cp
}

// Balance is the materialized projection of an account's log entries.
type Balance struct {
	AccountID string    `json:"account_id"`
	Available int64     `json:"available"`
	Held      int64     `json:"held"`
	Earned    int64     `json:"earned"`
	Spent     int64     `json:"spent"`
	Currency  string    `json:"currency,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delta is a signed change to each balance field.
type Delta struct {
	Available int64
	Held      int64
	Earned    int64
	Spent     int64
}

// apply returns b+d, or ErrInvariantViolation if any field would go negative.
func (d Delta) apply(b Balance) (Balance, error) {
	next := b
	next.Available += d.Available
	next.Held += d.Held
	next.Earned += d.Earned
	next.Spent += d.Spent
	if next.Available < 0 || next.Held < 0 || next.Earned < 0 || next.Spent < 0 {
		return b, fmt.Errorf("%w: account %s available=%d held=%d after delta %+v",
			ErrInvariantViolation, b.AccountID, next.Available, next.Held, d)
	}
	return next, nil
}

// Kind classifies a transaction log entry.
type Kind string

const (
	KindMint          Kind = "mint"
	KindDeposit       Kind = "deposit"
	KindEscrowHold    Kind = "escrow_hold"
	KindEscrowRelease Kind = "escrow_release"
	KindEscrowRefund  Kind = "escrow_refund"
	KindFee           Kind = "fee"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMint, KindDeposit, KindEscrowHold, KindEscrowRelease, KindEscrowRefund, KindFee:
		return true
	}
	return false
}

// Transaction is an immutable log entry. FromAccount is empty for mint and
// deposit; ToAccount is empty for fee (the treasury has no balance).
type Transaction struct {
	ID          string    `json:"id"`
	EscrowID    string    `json:"escrow_id,omitempty"`
	FromAccount string    `json:"from_account,omitempty"`
	ToAccount   string    `json:"to_account,omitempty"`
	Amount      int64     `json:"amount"`
	Kind        Kind      `json:"kind"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// prepare fills generated fields and validates the entry.
func (t *Transaction) prepare(now time.Time) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown transaction kind %q", t.Kind)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("%w: transaction amount %d", ErrInvalidAmount, t.Amount)
	}
	if t.ID == "" {
		t.ID = idgen.WithPrefix("tx_")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	return nil
}

// Tx is one atomic unit of ledger work. Locks taken through a Tx are held
// until it commits or rolls back.
type Tx interface {
	// GetAccount reads an account without locking it.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// LockBalance takes the exclusive lock on an account's balance row and
	// returns its current value.
	LockBalance(ctx context.Context, accountID string) (*Balance, error)
	// AdjustBalance applies d to the account's balance (locking it if needed)
	// and returns the new value.
	AdjustBalance(ctx context.Context, accountID string, d Delta) (*Balance, error)
	// AppendTransaction adds an entry to the log.
	AppendTransaction(ctx context.Context, t *Transaction) error
}

// Store persists accounts, balances and the transaction log.
type Store interface {
	// CreateAccount inserts the account with a zero balance and, if mint > 0,
	// mints that many units to it in the same atomic unit.
	CreateAccount(ctx context.Context, acct *Account, mint int64, currency string) error
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	UpdateAccount(ctx context.Context, acct *Account) error
	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error)
	AllTransactions(ctx context.Context) ([]*Transaction, error)
	AllBalances(ctx context.Context) ([]*Balance, error)
	Totals(ctx context.Context) (*Totals, error)
	// UpdateReputation atomically replaces the score with fn(old).
	UpdateReputation(ctx context.Context, accountID string, fn func(old float64) float64) (float64, error)
	// WithTx runs fn in one atomic unit. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Totals are ledger-wide sums.
type Totals struct {
	Accounts      int   `json:"accounts"`
	Minted        int64 `json:"minted"` // mints + deposits
	Available     int64 `json:"available"`
	Held          int64 `json:"held"`
	FeesCollected int64 `json:"fees_collected"`
}

// Conserved reports whether available+held+fees equals everything minted.
func (t *Totals) Conserved() bool {
	return t.Available+t.Held+t.FeesCollected == t.Minted
}

// Ledger is the account-facing service over a Store.
type Ledger struct {
	store    Store
	currency string
	now      func() time.Time
}

// New creates a ledger stamping entries with currency.
func New(store Store, currency string) *Ledger {
	return &Ledger{store: store, currency: currency, now: time.Now}
}

// Store exposes the underlying store to packages that join its transactions.
func (l *Ledger) Store() Store { return l.store }

// Currency is the opaque unit code stamped on every entry.
func (l *Ledger) Currency() string { return l.currency }

// OpenAccount registers an account and mints starter units to it.
func (l *Ledger) OpenAccount(ctx context.Context, acct *Account, starter int64) (*Account, error) {
	if strings.TrimSpace(acct.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidAccount)
	}
	if starter < 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("open_account")
	defer done()

	now := l.now()
	if acct.ID == "" {
		acct.ID = idgen.WithPrefix("acct_")
	}
	if acct.Status == "" {
		acct.Status = AccountActive
	}
	if acct.Role == "" {
		acct.Role = RoleAgent
	}
	if acct.Skills == nil {
		acct.Skills = []string{}
	}
	acct.Reputation = InitialReputation
	acct.CreatedAt = now
	acct.UpdatedAt = now

	if err := l.store.CreateAccount(ctx, acct, starter, l.currency); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount returns an account by id.
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// SetStatus activates or suspends an account.
func (l *Ledger) SetStatus(ctx context.Context, accountID string, status AccountStatus) (*Account, error) {
	if status != AccountActive && status != AccountSuspended {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidAccount, status)
	}
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	acct.Status = status
	acct.UpdatedAt = l.now()
	if err := l.store.UpdateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// UpdateProfile replaces an account's skills and, if non-empty, description.
func (l *Ledger) UpdateProfile(ctx context.Context, accountID string, skills []string, description string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	acct.Skills = normalizeSkills(skills)
	if description != "" {
		acct.Description = description
	}
	acct.UpdatedAt = l.now()
	if err := l.store.UpdateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetBalance returns the balance projection for an account.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	bal.Currency = l.currency
	return bal, nil
}

// Transactions returns the most recent entries touching an account.
func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListTransactions(ctx, accountID, limit)
}

// Deposit credits units to an account's available balance.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount int64, reference string) (*Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("deposit")
	defer done()

	var out *Balance
	err := l.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockBalance(ctx, accountID); err != nil {
			return err
		}
		bal, err := tx.AdjustBalance(ctx, accountID, Delta{Available: amount})
		if err != nil {
			return err
		}
		out = bal
		return tx.AppendTransaction(ctx, &Transaction{
			ToAccount:   accountID,
			Amount:      amount,
			Kind:        KindDeposit,
			Currency:    l.currency,
			Description: reference,
		})
	})
	if err != nil {
		observeFailure("deposit", err)
		return nil, err
	}
	out.Currency = l.currency
	return out, nil
}

// Totals returns ledger-wide sums.
func (l *Ledger) Totals(ctx context.Context) (*Totals, error) {
	t, err := l.store.Totals(ctx)
	if err != nil {
		return nil, err
	}
	LedgerBalanceAvailable.Set(float64(t.Available))
	LedgerBalanceHeld.Set(float64(t.Held))
	return t, nil
}

func normalizeSkills(skills []string) []string {
	seen := make(map[string]bool, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
