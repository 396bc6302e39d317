package escrow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/settlement/internal/ledger"
)

// MemoryStore is an in-memory escrow store for development and tests.
//
// It shares the ledger MemoryStore's locks and commit: escrow rows are
// staged on the same unit of work as the balances and applied in the same
// critical section, and reads go through the ledger's read lock.
type MemoryStore struct {
	ledger     *ledger.MemoryStore
	escrows    map[string]*Escrow
	dependents map[string][]string // depends_on id -> dependent ids
}

// NewMemoryStore creates an escrow store joined to l.
func NewMemoryStore(l *ledger.MemoryStore) *MemoryStore {
	return &MemoryStore{
		ledger:     l,
		escrows:    make(map[string]*Escrow),
		dependents: make(map[string][]string),
	}
}

func escrowKey(id string) string { return "escrow:" + id }

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	ltx := m.ledger.Begin()
	defer ltx.Release()

	tx := &memoryTx{MemoryTx: ltx, store: m, staged: make(map[string]*Escrow)}
	if err := fn(tx); err != nil {
		return err
	}
	ltx.OnCommit(tx.apply)
	return ltx.Commit()
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	var (
		e  *Escrow
		ok bool
	)
	m.ledger.ReadLocked(func() {
		if e, ok = m.escrows[id]; ok {
			e = e.Clone()
		}
	})
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e, nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	return m.collect(f.Limit, f.matches, func(a, b *Escrow) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	return m.collect(limit, func(e *Escrow) bool {
		return e.Status == StatusHeld && !e.ExpiresAt.After(now)
	}, byExpiry), nil
}

func (m *MemoryStore) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	return m.collect(limit, func(e *Escrow) bool {
		return e.Status == StatusHeld && e.WarnedAt == nil && !e.ExpiresAt.After(cutoff)
	}, byExpiry), nil
}

func byExpiry(a, b *Escrow) bool { return a.ExpiresAt.Before(b.ExpiresAt) }

// collect returns copies of matching escrows, sorted by less and capped at
// limit (no cap when limit <= 0).
func (m *MemoryStore) collect(limit int, match func(*Escrow) bool, less func(a, b *Escrow) bool) []*Escrow {
	var result []*Escrow
	m.ledger.ReadLocked(func() {
		for _, e := range m.escrows {
			if match(e) {
				result = append(result, e.Clone())
			}
		}
	})
	sort.Slice(result, func(i, j int) bool {
		if less(result[i], result[j]) {
			return true
		}
		if less(result[j], result[i]) {
			return false
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) MarkWarned(ctx context.Context, id string, at time.Time) (bool, error) {
	tx := m.ledger.Begin()
	defer tx.Release()
	if err := tx.Lock(ctx, escrowKey(id)); err != nil {
		return false, err
	}
	e, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Status != StatusHeld || e.WarnedAt != nil {
		return false, nil
	}
	tx.OnCommit(func() {
		if stored, ok := m.escrows[id]; ok {
			stored.WarnedAt = &at
		}
	})
	return true, tx.Commit()
}

func (m *MemoryStore) ListDependents(ctx context.Context, id string) ([]*Escrow, error) {
	var result []*Escrow
	m.ledger.ReadLocked(func() {
		for _, depID := range m.dependents[id] {
			if e, ok := m.escrows[depID]; ok {
				result = append(result, e.Clone())
			}
		}
	})
	return result, nil
}

func (m *MemoryStore) ListStranded(ctx context.Context, limit int) ([]Stranded, error) {
	var result []Stranded
	m.ledger.ReadLocked(func() {
		for _, e := range m.escrows {
			if e.Status != StatusHeld {
				continue
			}
			for _, depID := range e.DependsOn {
				dep, ok := m.escrows[depID]
				if !ok || (dep.Status != StatusRefunded && dep.Status != StatusExpired) {
					continue
				}
				result = append(result, Stranded{Escrow: e.Clone(), DependencyID: dep.ID, DependencyStatus: dep.Status})
				break
			}
		}
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Escrow.ID < result[j].Escrow.ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int)
	m.ledger.ReadLocked(func() {
		for _, e := range m.escrows {
			counts[e.Status]++
		}
	})
	return counts, nil
}

// memoryTx adds staged escrow rows to a ledger MemoryTx.
type memoryTx struct {
	*ledger.MemoryTx
	store  *MemoryStore
	staged map[string]*Escrow
	order  []string
	isNew  map[string]bool
}

func (t *memoryTx) LockEscrow(ctx context.Context, id string) (*Escrow, error) {
	if err := t.Lock(ctx, escrowKey(id)); err != nil {
		return nil, err
	}
	return t.GetEscrow(ctx, id)
}

func (t *memoryTx) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	if e, ok := t.staged[id]; ok {
		return e.Clone(), nil
	}
	return t.store.Get(ctx, id)
}

func (t *memoryTx) InsertEscrow(ctx context.Context, e *Escrow) error {
	if _, err := t.GetEscrow(ctx, e.ID); err == nil {
		return fmt.Errorf("escrow %s already exists", e.ID)
	}
	if err := t.Lock(ctx, escrowKey(e.ID)); err != nil {
		return err
	}
	if t.isNew == nil {
		t.isNew = make(map[string]bool)
	}
	t.isNew[e.ID] = true
	t.stage(e)
	return nil
}

func (t *memoryTx) UpdateEscrow(ctx context.Context, e *Escrow) error {
	if _, err := t.GetEscrow(ctx, e.ID); err != nil {
		return err
	}
	t.stage(e)
	return nil
}

func (t *memoryTx) stage(e *Escrow) {
	if _, ok := t.staged[e.ID]; !ok {
		t.order = append(t.order, e.ID)
	}
	t.staged[e.ID] = e.Clone()
}

// apply runs under the ledger's write lock during commit.
func (t *memoryTx) apply() {
	m := t.store
	for _, id := range t.order {
		e := t.staged[id]
		m.escrows[id] = e
		if t.isNew[id] {
			for _, dep := range e.DependsOn {
				m.dependents[dep] = append(m.dependents[dep], id)
			}
		}
	}
}

// Compile-time assertions
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
