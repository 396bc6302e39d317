package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/syncutil"
)

// DefaultLockTimeout bounds how long a Tx waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// MemoryStore is an in-memory ledger store for development and tests.
//
// Row locks are per-key channel mutexes held for the life of a MemoryTx.
// Writes are staged on the MemoryTx and applied under mu on commit, so
// readers never see half of a unit of work.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*Account
	balances    map[string]*Balance
	entries     []*Transaction
	locks       *syncutil.KeyedMutex
	lockTimeout time.Duration
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		balances:    make(map[string]*Balance),
		locks:       syncutil.NewKeyedMutex(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
}

// WithLockTimeout sets the bounded lock wait.
func (m *MemoryStore) WithLockTimeout(d time.Duration) *MemoryStore {
	m.lockTimeout = d
	return m
}

// ReadLocked runs fn while holding the store's read lock. Stores that join
// MemoryTx units use it so their reads share the ledger's consistency domain.
func (m *MemoryStore) ReadLocked(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn()
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account, mint int64, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.ID]; ok {
		return ErrAccountExists
	}
	now := m.now()
	bal := &Balance{AccountID: acct.ID, UpdatedAt: now}
	var entry *Transaction
	if mint > 0 {
		entry = &Transaction{ToAccount: acct.ID, Amount: mint, Kind: KindMint, Currency: currency, Description: "starter tokens"}
		if err := entry.prepare(now); err != nil {
			return err
		}
		bal.Available = mint
	}

	m.accounts[acct.ID] = acct.clone()
	m.balances[acct.ID] = bal
	if entry != nil {
		m.entries = append(m.entries, entry)
	}
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.clone(), nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.accounts[acct.ID]
	if !ok {
		return ErrAccountNotFound
	}
	next := acct.clone()
	// Reputation is owned by UpdateReputation.
	next.Reputation = existing.Reputation
	m.accounts[acct.ID] = next
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bal, ok := m.balances[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.FromAccount == accountID || e.ToAccount == accountID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) AllTransactions(ctx context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Transaction, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryStore) AllBalances(ctx context.Context) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Balance, 0, len(m.balances))
	for _, b := range m.balances {
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result, nil
}

func (m *MemoryStore) Totals(ctx context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := &Totals{Accounts: len(m.accounts)}
	for _, b := range m.balances {
		t.Available += b.Available
		t.Held += b.Held
	}
	for _, e := range m.entries {
		switch e.Kind {
		case KindMint, KindDeposit:
			t.Minted += e.Amount
		case KindFee:
			t.FeesCollected += e.Amount
		}
	}
	return t, nil
}

func (m *MemoryStore) UpdateReputation(ctx context.Context, accountID string, fn func(old float64) float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	acct.Reputation = fn(acct.Reputation)
	acct.UpdatedAt = m.now()
	return acct.Reputation, nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := m.Begin()
	defer tx.Release()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Begin opens a unit of work. The caller must call Release, normally deferred;
// Commit applies staged writes.
func (m *MemoryStore) Begin() *MemoryTx {
	return &MemoryTx{
		store:    m,
		held:     make(map[string]func()),
		balances: make(map[string]*Balance),
	}
}

// MemoryTx stages writes against a MemoryStore.
type MemoryTx struct {
	store    *MemoryStore
	held     map[string]func() // lock key -> unlock
	order    []string
	balances map[string]*Balance // staged copies
	entries  []*Transaction
	hooks    []func()
	done     bool
}

// Lock takes the row lock for key, bounded by the store's lock timeout.
// Re-locking a key already held by this Tx is a no-op.
func (t *MemoryTx) Lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	lockCtx, cancel := context.WithTimeout(ctx, t.store.lockTimeout)
	defer cancel()

	unlock, err := t.store.locks.LockContext(lockCtx, key)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return err
	}
	t.held[key] = unlock
	t.order = append(t.order, key)
	return nil
}

// OnCommit registers fn to run under the store's write lock during Commit,
// after the ledger writes are applied.
func (t *MemoryTx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// Commit applies staged writes atomically.
func (t *MemoryTx) Commit() error {
	if t.done {
		return errors.New("ledger: transaction already finished")
	}
	t.done = true

	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, bal := range t.balances {
		m.balances[id] = bal
	}
	m.entries = append(m.entries, t.entries...)
	for _, fn := range t.hooks {
		fn()
	}
	return nil
}

// Release drops every lock held by the Tx, in reverse acquisition order.
// Uncommitted writes are discarded.
func (t *MemoryTx) Release() {
	t.done = true
	for i := len(t.order) - 1; i >= 0; i-- {
		t.held[t.order[i]]()
	}
	t.held = map[string]func(){}
	t.order = nil
}

func balanceKey(accountID string) string { return "balance:" + accountID }

func (t *MemoryTx) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return t.store.GetAccount(ctx, accountID)
}

func (t *MemoryTx) LockBalance(ctx context.Context, accountID string) (*Balance, error) {
	if _, err := t.store.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	if err := t.Lock(ctx, balanceKey(accountID)); err != nil {
		return nil, err
	}
	bal, err := t.staged(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cp := *bal
	return &cp, nil
}

func (t *MemoryTx) AdjustBalance(ctx context.Context, accountID string, d Delta) (*Balance, error) {
	if _, err := t.LockBalance(ctx, accountID); err != nil {
		return nil, err
	}
	bal, _ := t.staged(ctx, accountID)
	next, err := d.apply(*bal)
	if err != nil {
		invariantViolated()
		return nil, err
	}
	next.UpdatedAt = t.store.now()
	t.balances[accountID] = &next
	cp := next
	return &cp, nil
}

func (t *MemoryTx) AppendTransaction(ctx context.Context, e *Transaction) error {
	if err := e.prepare(t.store.now()); err != nil {
		return err
	}
	cp := *e
	t.entries = append(t.entries, &cp)
	return nil
}

// staged returns this Tx's working copy of a balance, loading it on first use.
func (t *MemoryTx) staged(ctx context.Context, accountID string) (*Balance, error) {
	if bal, ok := t.balances[accountID]; ok {
		return bal, nil
	}
	bal, err := t.store.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	t.balances[accountID] = bal
	return bal, nil
}

// Compile-time assertions
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*MemoryTx)(nil)
)
