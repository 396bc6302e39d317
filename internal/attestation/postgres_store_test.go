//go:build integration

package attestation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/testutil"
)

func TestPostgresStore_AppendReloadAndConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	l := ledger.New(ledger.NewPostgresStore(db, time.Second), "ATE")
	svc := escrow.NewService(escrow.NewPostgresStore(db, time.Second), escrow.PercentFee{BasisPoints: 300, MinFee: 1}, "ATE").
		WithLogger(logging.Discard())
	buyer, err := l.OpenAccount(ctx, &ledger.Account{Name: "buyer"}, 1000)
	require.NoError(t, err)
	seller, err := l.OpenAccount(ctx, &ledger.Account{Name: "seller"}, 0)
	require.NoError(t, err)
	esc, err := svc.Create(ctx, buyer.ID, escrow.CreateRequest{ProviderID: seller.ID, Amount: 40})
	require.NoError(t, err)
	disputed, err := svc.Dispute(ctx, esc.ID, seller.ID, "requester unresponsive")
	require.NoError(t, err)

	store := NewPostgresStore(db)
	log, err := Open(ctx, store, "settlement")
	require.NoError(t, err)
	rec, err := log.Attest(ctx, disputed, "")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Index)

	reopened, err := Open(ctx, store, "settlement")
	require.NoError(t, err)
	assert.Equal(t, log.Root(), reopened.Root())

	recs, err := store.ByEscrow(ctx, esc.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.LeafHash, recs[0].LeafHash)
	assert.Equal(t, buyer.ID, recs[0].RequesterID)
	assert.Equal(t, "requester unresponsive", recs[0].Payload.Mediation.DisputeReason)

	// A second writer that loaded the log before the first append collides.
	stale := &Record{Index: 0, LeafHash: rec.LeafHash, Payload: rec.Payload, RequesterID: buyer.ID, ProviderID: seller.ID, CreatedAt: rec.CreatedAt}
	err = store.Append(ctx, stale, []byte("{}"))
	assert.ErrorIs(t, err, ErrPositionTaken)
}
