//go:build integration

package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/testutil"
)

func setupPostgresService(t *testing.T) (*Service, *ledger.Ledger, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	l := ledger.New(ledger.NewPostgresStore(db, time.Second), "ATE")
	store := NewPostgresStore(db, time.Second)
	svc := NewService(store, PercentFee{BasisPoints: 1000, MinFee: 1}, "ATE").
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, l, store
}

func pgAccount(t *testing.T, l *ledger.Ledger, name string, starter int64) string {
	t.Helper()
	acct, err := l.OpenAccount(context.Background(), &ledger.Account{Name: name}, starter)
	require.NoError(t, err)
	return acct.ID
}

func TestPostgres_Lifecycle(t *testing.T) {
	svc, l, _ := setupPostgresService(t)
	ctx := context.Background()
	alice := pgAccount(t, l, "alice", 10_000)
	bob := pgAccount(t, l, "bob", 0)

	e, err := svc.Create(ctx, alice, CreateRequest{
		ProviderID:   bob,
		Amount:       1000,
		TaskID:       "t-1",
		Deliverables: []Deliverable{{Description: "report", ContentHash: "sha256:abc"}},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.Equal(t, int64(100), got.Fee)
	require.Len(t, got.Deliverables, 1)
	assert.Equal(t, "sha256:abc", got.Deliverables[0].ContentHash)

	_, err = svc.Release(ctx, e.ID, alice)
	require.NoError(t, err)

	bal, err := l.GetBalance(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestPostgres_CascadeAndStranded(t *testing.T) {
	svc, l, store := setupPostgresService(t)
	ctx := context.Background()
	alice := pgAccount(t, l, "alice", 1000)
	bob := pgAccount(t, l, "bob", 0)

	created, err := svc.CreateBatch(ctx, alice, BatchRequest{Escrows: []CreateRequest{
		{ProviderID: bob, Amount: 10},
		{ProviderID: bob, Amount: 10, DependsOn: []string{"$0"}},
		{ProviderID: bob, Amount: 10, DependsOn: []string{"$1"}},
	}})
	require.NoError(t, err)

	deps, err := store.ListDependents(ctx, created[0].ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, created[1].ID, deps[0].ID)

	// Interrupted cascade: root refunded, dependents untouched.
	_, err = svc.settle(ctx, "test", created[0].ID, requireHeld, StatusRefunded, nil)
	require.NoError(t, err)

	stranded, err := store.ListStranded(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, created[1].ID, stranded[0].Escrow.ID)
	assert.Equal(t, StatusRefunded, stranded[0].DependencyStatus)

	n, err := svc.RepairStranded(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, e := range created {
		got, err := svc.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, got.Status)
	}
	bal, err := l.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Held)
}

func TestPostgres_ConcurrentTransitionsOneWinner(t *testing.T) {
	svc, l, _ := setupPostgresService(t)
	ctx := context.Background()
	alice := pgAccount(t, l, "alice", 1000)
	bob := pgAccount(t, l, "bob", 0)
	zero := int64(0)

	e, err := svc.Create(ctx, alice, CreateRequest{ProviderID: bob, Amount: 100, TTLMinutes: &zero})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	ops := []func() error{
		func() error { _, err := svc.Release(ctx, e.ID, alice); return err },
		func() error { _, err := svc.Refund(ctx, e.ID, alice, ""); return err },
		func() error { _, err := svc.Expire(ctx, e.ID); return err },
	}
	for _, op := range ops {
		wg.Add(1)
		go func(op func() error) {
			defer wg.Done()
			err := op()
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrAlreadyResolved), "unexpected: %v", err)
		}(op)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
}

func TestPostgres_DependentCreateWhileParentLocked(t *testing.T) {
	svc, l, store := setupPostgresService(t)
	ctx := context.Background()
	alice := pgAccount(t, l, "alice", 1000)
	bob := pgAccount(t, l, "bob", 0)
	carol := pgAccount(t, l, "carol", 1000)

	parent, err := svc.Create(ctx, alice, CreateRequest{ProviderID: bob, Amount: 100})
	require.NoError(t, err)

	// Hold the parent's transition lock while another requester creates a
	// dependent. The foreign key check must not queue behind it; the store's
	// one second lock_timeout would fail the create if it did.
	err = store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockEscrow(ctx, parent.ID); err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() {
			_, err := svc.Create(ctx, carol, CreateRequest{ProviderID: bob, Amount: 50, DependsOn: []string{parent.ID}})
			done <- err
		}()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("dependent create blocked on parent lock")
		}
	})
	require.NoError(t, err)

	deps, err := store.ListDependents(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, carol, deps[0].RequesterID)
}

func TestPostgres_SweeperWarnsAndExpires(t *testing.T) {
	svc, l, store := setupPostgresService(t)
	ctx := context.Background()
	alice := pgAccount(t, l, "alice", 1000)
	bob := pgAccount(t, l, "bob", 0)
	one := int64(1)

	e, err := svc.Create(ctx, alice, CreateRequest{ProviderID: bob, Amount: 10, TTLMinutes: &one})
	require.NoError(t, err)

	marked, err := store.MarkWarned(ctx, e.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, marked)
	marked, err = store.MarkWarned(ctx, e.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, marked)

	svc.WithClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	res := NewSweeper(svc, slog.New(slog.NewTextHandler(io.Discard, nil))).SweepOnce(ctx)
	assert.Equal(t, 1, res.Expired)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusExpired])
}
