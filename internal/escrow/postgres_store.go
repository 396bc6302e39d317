package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/ledger"
)

// PostgresStore persists escrows in PostgreSQL, in the same transactions
// as the ledger rows they move.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = ledger.DefaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

var escrowFields = []string{
	"id", "requester_id", "provider_id", "amount", "fee", "currency", "status",
	"COALESCE(task_id, '')", "COALESCE(task_type, '')", "COALESCE(group_id, '')",
	"depends_on", "deliverables",
	"COALESCE(dispute_reason, '')", "COALESCE(resolution_strategy, '')",
	"COALESCE(resolved_by, '')", "COALESCE(refund_reason, '')",
	"expires_at", "warned_at", "resolved_at", "created_at", "updated_at",
}

// columns renders escrowFields, qualified with alias when set.
func columns(alias string) string {
	if alias == "" {
		return strings.Join(escrowFields, ", ")
	}
	out := make([]string, len(escrowFields))
	for i, f := range escrowFields {
		if strings.HasPrefix(f, "COALESCE(") {
			out[i] = "COALESCE(" + alias + "." + strings.TrimPrefix(f, "COALESCE(")
		} else {
			out[i] = alias + "." + f
		}
	}
	return strings.Join(out, ", ")
}

var escrowColumns = columns("")

type scanner interface{ Scan(...any) error }

func scanEscrow(row scanner, extra ...any) (*Escrow, error) {
	var (
		e            Escrow
		status       string
		dependsOn    []byte
		deliverables []byte
		warnedAt     sql.NullTime
		resolvedAt   sql.NullTime
	)
	dest := []any{
		&e.ID, &e.RequesterID, &e.ProviderID, &e.Amount, &e.Fee, &e.Currency, &status,
		&e.TaskID, &e.TaskType, &e.GroupID,
		&dependsOn, &deliverables,
		&e.DisputeReason, &e.ResolutionStrategy, &e.ResolvedBy, &e.RefundReason,
		&e.ExpiresAt, &warnedAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if err := json.Unmarshal(dependsOn, &e.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on: %w", err)
	}
	if err := json.Unmarshal(deliverables, &e.Deliverables); err != nil {
		return nil, fmt.Errorf("failed to decode deliverables: %w", err)
	}
	if len(e.DependsOn) == 0 {
		e.DependsOn = nil
	}
	if len(e.Deliverables) == 0 {
		e.Deliverables = nil
	}
	if warnedAt.Valid {
		e.WarnedAt = &warnedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	defer rows.Close()
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEscrow(ctx context.Context, q querier, id string, forUpdate bool) (*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	// NO KEY UPDATE leaves the row's KEY SHARE lock free, so a concurrent
	// insert into escrow_dependencies naming this escrow does not wait on it.
	if forUpdate {
		query += ` FOR NO KEY UPDATE`
	}
	e, err := scanEscrow(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, ledger.MapError(err)
	}
	return e, nil
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return ledger.RunInTx(ctx, p.db, p.lockTimeout, func(tx *sql.Tx) error {
		return fn(&postgresTx{PostgresTx: ledger.NewPostgresTx(tx)})
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return getEscrow(ctx, p.db, id, false)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		where = append(where, fmt.Sprintf("(requester_id = $%d OR provider_id = $%d)", len(args), len(args)))
	}
	if f.TaskID != "" {
		add("task_id = $%d", f.TaskID)
	}
	if f.GroupID != "" {
		add("group_id = $%d", f.GroupID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'held' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'held' AND warned_at IS NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) MarkWarned(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET warned_at = $2
		WHERE id = $1 AND status = 'held' AND warned_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListDependents(ctx context.Context, id string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+columns("e")+` FROM escrows e
		JOIN escrow_dependencies d ON d.escrow_id = e.id
		WHERE d.depends_on_id = $1
		ORDER BY e.created_at, e.id
	`, id)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListStranded(ctx context.Context, limit int) ([]Stranded, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (e.id) `+columns("e")+`, d.depends_on_id, dep.status
		FROM escrows e
		JOIN escrow_dependencies d ON d.escrow_id = e.id
		JOIN escrows dep ON dep.id = d.depends_on_id
		WHERE e.status = 'held' AND dep.status IN ('refunded', 'expired')
		ORDER BY e.id, d.depends_on_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Stranded
	for rows.Next() {
		var (
			st        Stranded
			depStatus string
		)
		e, err := scanEscrow(rows, &st.DependencyID, &depStatus)
		if err != nil {
			return nil, err
		}
		st.Escrow = e
		st.DependencyStatus = Status(depStatus)
		result = append(result, st)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// postgresTx adds escrow rows to a ledger PostgresTx.
type postgresTx struct {
	*ledger.PostgresTx
}

func (t *postgresTx) LockEscrow(ctx context.Context, id string) (*Escrow, error) {
	return getEscrow(ctx, t.SQL(), id, true)
}

func (t *postgresTx) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return getEscrow(ctx, t.SQL(), id, false)
}

func (t *postgresTx) InsertEscrow(ctx context.Context, e *Escrow) error {
	dependsOn, deliverables, err := encodeJSONColumns(e)
	if err != nil {
		return err
	}
	_, err = t.SQL().ExecContext(ctx, `
		INSERT INTO escrows (
			id, requester_id, provider_id, amount, fee, currency, status,
			task_id, task_type, group_id, depends_on, deliverables,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.RequesterID, e.ProviderID, e.Amount, e.Fee, e.Currency, string(e.Status),
		nullString(e.TaskID), nullString(e.TaskType), nullString(e.GroupID), dependsOn, deliverables,
		e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", ledger.MapError(err))
	}

	for _, dep := range e.DependsOn {
		if _, err := t.SQL().ExecContext(ctx, `
			INSERT INTO escrow_dependencies (escrow_id, depends_on_id) VALUES ($1, $2)
		`, e.ID, dep); err != nil {
			return fmt.Errorf("failed to insert dependency edge: %w", ledger.MapError(err))
		}
	}
	return nil
}

func (t *postgresTx) UpdateEscrow(ctx context.Context, e *Escrow) error {
	result, err := t.SQL().ExecContext(ctx, `
		UPDATE escrows SET
			status              = $2,
			dispute_reason      = $3,
			resolution_strategy = $4,
			resolved_by         = $5,
			refund_reason       = $6,
			resolved_at         = $7,
			updated_at          = $8
		WHERE id = $1
	`, e.ID, string(e.Status), nullString(e.DisputeReason), nullString(e.ResolutionStrategy),
		nullString(e.ResolvedBy), nullString(e.RefundReason), nullTime(e.ResolvedAt), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", ledger.MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func encodeJSONColumns(e *Escrow) (dependsOn, deliverables []byte, err error) {
	deps := e.DependsOn
	if deps == nil {
		deps = []string{}
	}
	if dependsOn, err = json.Marshal(deps); err != nil {
		return nil, nil, err
	}
	dels := e.Deliverables
	if dels == nil {
		dels = []Deliverable{}
	}
	if deliverables, err = json.Marshal(dels); err != nil {
		return nil, nil, err
	}
	return dependsOn, deliverables, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
