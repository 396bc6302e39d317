package idempotency

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisStore_Contract(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Del(context.Background(), redisPrefix+"a:1", redisPrefix+"a:2")
		_ = client.Close()
	})
	client.Del(context.Background(), redisPrefix+"a:1", redisPrefix+"a:2")

	storeContract(t, NewRedisStore(client))
}
