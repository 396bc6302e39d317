package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists records in the idempotency_keys table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Reserve inserts the record, or takes over an expired one. A live
// conflicting row makes the upsert return nothing and is read back.
func (p *PostgresStore) Reserve(ctx context.Context, rec *Record) (*Record, bool, error) {
	var key string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, status, status_code, body, created_at, expires_at)
		VALUES ($1, $2, 'pending', 0, NULL, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			status      = 'pending',
			status_code = 0,
			body        = NULL,
			created_at  = EXCLUDED.created_at,
			expires_at  = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING key`,
		rec.Key, rec.Fingerprint, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&key)
	if err == nil {
		return nil, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}

	existing := &Record{}
	var status string
	err = p.db.QueryRowContext(ctx, `
		SELECT key, fingerprint, status, status_code, body, created_at, expires_at
		FROM idempotency_keys WHERE key = $1`, rec.Key,
	).Scan(&existing.Key, &existing.Fingerprint, &status, &existing.StatusCode,
		&existing.Body, &existing.CreatedAt, &existing.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the upsert and the read.
		return p.Reserve(ctx, rec)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}
	existing.Status = Status(status)
	return existing, false, nil
}

func (p *PostgresStore) Complete(ctx context.Context, key string, statusCode int, body []byte) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = 'complete', status_code = $2, body = $3
		WHERE key = $1`, key, statusCode, body)
	return err
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND status = 'pending'`, key)
	return err
}

func (p *PostgresStore) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
