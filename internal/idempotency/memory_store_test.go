package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(key, fp string, now time.Time, ttl time.Duration) *Record {
	return &Record{Key: key, Fingerprint: fp, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// storeContract exercises the behaviour every backend must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now()

	existing, reserved, err := store.Reserve(ctx, newRecord("a:1", "fp1", now, time.Hour))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)

	existing, reserved, err = store.Reserve(ctx, newRecord("a:1", "fp2", now, time.Hour))
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, "fp1", existing.Fingerprint)
	assert.Equal(t, StatusPending, existing.Status)

	require.NoError(t, store.Complete(ctx, "a:1", 201, []byte(`{"ok":true}`)))
	existing, _, err = store.Reserve(ctx, newRecord("a:1", "fp1", now, time.Hour))
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, StatusComplete, existing.Status)
	assert.Equal(t, 201, existing.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(existing.Body))

	_, reserved, err = store.Reserve(ctx, newRecord("a:2", "fp", now, time.Hour))
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, store.Release(ctx, "a:2"))
	_, reserved, err = store.Reserve(ctx, newRecord("a:2", "fp", now, time.Hour))
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ExpiredRecordsFreeTheKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	_, reserved, err := store.Reserve(ctx, newRecord("k", "fp1", now.Add(-2*time.Hour), time.Hour))
	require.NoError(t, err)
	require.True(t, reserved)

	_, reserved, err = store.Reserve(ctx, newRecord("k", "fp2", now, time.Hour))
	require.NoError(t, err)
	assert.True(t, reserved)

	_, _, _ = store.Reserve(ctx, newRecord("old", "fp", now.Add(-2*time.Hour), time.Hour))
	n, err := store.Purge(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_ConcurrentReserveHasOneWinner(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := store.Reserve(context.Background(), newRecord("k", "fp", now, time.Hour))
			if err == nil && reserved {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("POST", "/v1/exchange/escrow", "alice", []byte(`{"a":1}`))
	assert.Len(t, base, 64)
	assert.Equal(t, base, Fingerprint("POST", "/v1/exchange/escrow", "alice", []byte(`{"a":1}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/exchange/escrow", "bob", []byte(`{"a":1}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/exchange/refund", "alice", []byte(`{"a":1}`)))
	assert.NotEqual(t, base, Fingerprint("POST", "/v1/exchange/escrow", "alice", []byte(`{"a":2}`)))
}
