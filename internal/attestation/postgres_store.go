package attestation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore keeps leaves in the attestations table. The payload column
// holds the exact bytes that were hashed.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, rec *Record, canonical []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO attestations (position, escrow_id, requester_id, provider_id, leaf_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Index, rec.Payload.Mediation.EscrowID, rec.RequesterID, rec.ProviderID,
		rec.LeafHash, string(canonical), rec.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrPositionTaken
	}
	return err
}

func (p *PostgresStore) All(ctx context.Context) ([]*Record, error) {
	return p.query(ctx, `SELECT position, requester_id, provider_id, leaf_hash, payload, created_at
		FROM attestations ORDER BY position`)
}

func (p *PostgresStore) ByEscrow(ctx context.Context, escrowID string) ([]*Record, error) {
	return p.query(ctx, `SELECT position, requester_id, provider_id, leaf_hash, payload, created_at
		FROM attestations WHERE escrow_id = $1 ORDER BY position`, escrowID)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			rec     Record
			payload string
		)
		if err := rows.Scan(&rec.Index, &rec.RequesterID, &rec.ProviderID, &rec.LeafHash, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
