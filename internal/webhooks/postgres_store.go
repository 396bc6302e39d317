package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, account_id, url, secret, events, active, last_success, COALESCE(last_error, ''), created_at, updated_at`

func (p *PostgresStore) Put(ctx context.Context, sub *Subscription) (*Subscription, bool, error) {
	events, err := json.Marshal(orEmpty(sub.Events))
	if err != nil {
		return nil, false, err
	}

	// xmax is zero only for a freshly inserted row.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_subscriptions (id, account_id, url, secret, events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			url        = EXCLUDED.url,
			events     = EXCLUDED.events,
			active     = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING `+subscriptionColumns+`, (xmax = 0)`,
		sub.ID, sub.AccountID, sub.URL, sub.Secret, events, sub.CreatedAt,
	)
	var created bool
	stored, err := scanSubscription(row, &created)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (p *PostgresStore) GetByAccount(ctx context.Context, accountID string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions WHERE account_id = $1`, accountID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) Delete(ctx context.Context, accountID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE account_id = $1`, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RecordResult(ctx context.Context, id string, at time.Time, deliveryErr string) error {
	if deliveryErr == "" {
		_, err := p.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions SET last_success = $2, last_error = NULL WHERE id = $1`, id, at)
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET last_error = $2 WHERE id = $1`, id, deliveryErr)
	return err
}

func scanSubscription(row *sql.Row, extra ...any) (*Subscription, error) {
	sub := &Subscription{}
	var events []byte
	var lastSuccess sql.NullTime
	dest := []any{&sub.ID, &sub.AccountID, &sub.URL, &sub.Secret, &events, &sub.Active,
		&lastSuccess, &sub.LastError, &sub.CreatedAt, &sub.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	return sub, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
