//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/settlement/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgresLedger(t *testing.T) (*Ledger, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db, 500*time.Millisecond)
	return New(store, "ATE"), store
}

func TestPostgres_OpenAccountAndDeposit(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()

	acct, err := l.OpenAccount(ctx, &Account{Name: "alice", Skills: []string{"ocr"}}, 100)
	require.NoError(t, err)

	got, err := l.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr"}, got.Skills)
	assert.Equal(t, InitialReputation, got.Reputation)

	bal, err := l.Deposit(ctx, acct.ID, 50, "topup")
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal.Available)

	txs, err := l.Transactions(ctx, acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, KindDeposit, txs[0].Kind)
	assert.Equal(t, KindMint, txs[1].Kind)
}

func TestPostgres_CheckConstraintIsInvariantViolation(t *testing.T) {
	l, store := setupPostgresLedger(t)
	ctx := context.Background()
	acct, err := l.OpenAccount(ctx, &Account{Name: "bob"}, 5)
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AdjustBalance(ctx, acct.ID, Delta{Available: -6})
		return err
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	bal, _ := store.GetBalance(ctx, acct.ID)
	assert.Equal(t, int64(5), bal.Available)
}

func TestPostgres_LockTimeout(t *testing.T) {
	l, store := setupPostgresLedger(t)
	ctx := context.Background()
	acct, err := l.OpenAccount(ctx, &Account{Name: "carol"}, 5)
	require.NoError(t, err)

	holding := make(chan struct{})
	finish := make(chan struct{})
	go func() {
		_ = store.WithTx(ctx, func(tx Tx) error {
			_, err := tx.LockBalance(ctx, acct.ID)
			close(holding)
			<-finish
			return err
		})
	}()
	<-holding

	err = store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockBalance(ctx, acct.ID)
		return err
	})
	close(finish)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestPostgres_ConcurrentDepositsReconcile(t *testing.T) {
	l, _ := setupPostgresLedger(t)
	ctx := context.Background()
	acct, err := l.OpenAccount(ctx, &Account{Name: "dave"}, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deposit(ctx, acct.ID, 3, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report)
	assert.Equal(t, int64(60), report.Totals.Minted)
}

func TestPostgres_UpdateReputation(t *testing.T) {
	l, store := setupPostgresLedger(t)
	ctx := context.Background()
	acct, err := l.OpenAccount(ctx, &Account{Name: "erin"}, 0)
	require.NoError(t, err)

	score, err := store.UpdateReputation(ctx, acct.ID, func(old float64) float64 { return old + 0.05 })
	require.NoError(t, err)
	assert.InDelta(t, 0.55, score, 1e-9)

	_, err = store.UpdateReputation(ctx, "acct_missing", func(old float64) float64 { return old })
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
