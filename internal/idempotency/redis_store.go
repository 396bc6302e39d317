package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "settlement:idem:"

// RedisStore shares records across processes. Keys carry a TTL so Redis
// expires them without Purge.
type RedisStore struct {
	client *redis.Client
}

// Connect opens a client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Reserve(ctx context.Context, rec *Record) (*Record, bool, error) {
	cp := *rec
	cp.Status = StatusPending
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, false, err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	for attempt := 0; attempt < 3; attempt++ {
		ok, err := r.client.SetNX(ctx, redisPrefix+rec.Key, data, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return nil, true, nil
		}
		raw, err := r.client.Get(ctx, redisPrefix+rec.Key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read idempotency key: %w", err)
		}
		var existing Record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, false, fmt.Errorf("decode idempotency key: %w", err)
		}
		return &existing, false, nil
	}
	return nil, false, fmt.Errorf("reserve idempotency key %s: contention", rec.Key)
}

func (r *RedisStore) Complete(ctx context.Context, key string, statusCode int, body []byte) error {
	raw, err := r.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	rec.Status = StatusComplete
	rec.StatusCode = statusCode
	rec.Body = body
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisPrefix+key, data, redis.KeepTTL).Err()
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisPrefix+key).Err()
}

// Purge is a no-op; Redis expires keys itself.
func (r *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
