//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	storeContract(t, NewPostgresStore(db))
}

func TestPostgresStore_ExpiredRowIsTakenOver(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	_, reserved, err := store.Reserve(ctx, newRecord("k", "old", now.Add(-2*time.Hour), time.Hour))
	require.NoError(t, err)
	require.True(t, reserved)

	_, reserved, err = store.Reserve(ctx, newRecord("k", "new", now, time.Hour))
	require.NoError(t, err)
	assert.True(t, reserved)

	n, err := store.Purge(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
