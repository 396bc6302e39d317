package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/settlement/internal/retry"
)

// PostgreSQL error codes the ledger reacts to.
const (
	pqLockNotAvailable     = "55P03"
	pqCheckViolation       = "23514"
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// RunInTx runs fn inside a READ COMMITTED transaction whose row-lock waits
// are bounded by lockTimeout. Deadlocks and serialization failures are
// retried; every other error rolls back and is returned after mapping pq
// codes to ledger errors.
func RunInTx(ctx context.Context, db *sql.DB, lockTimeout time.Duration, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, 3, 20*time.Millisecond, func() error {
		err := runOnce(ctx, db, lockTimeout, fn)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err
		}
		return retry.Permanent(MapError(err))
	})
}

func runOnce(ctx context.Context, db *sql.DB, lockTimeout time.Duration, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// SET LOCAL does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}
	return false
}

// MapError translates driver errors into ledger sentinel errors.
func MapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrLockTimeout, pqErr.Message)
	case pqCheckViolation:
		invariantViolated()
		return fmt.Errorf("%w: %s", ErrInvariantViolation, pqErr.Message)
	}
	return err
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return RunInTx(ctx, p.db, p.lockTimeout, func(tx *sql.Tx) error {
		return fn(NewPostgresTx(tx))
	})
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account, mint int64, currency string) error {
	return RunInTx(ctx, p.db, p.lockTimeout, func(tx *sql.Tx) error {
		skills, err := json.Marshal(acct.Skills)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (id, name, description, skills, status, role, reputation, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, acct.ID, acct.Name, acct.Description, skills, string(acct.Status), string(acct.Role),
			acct.Reputation, acct.CreatedAt, acct.UpdatedAt)
		if IsUniqueViolation(err) {
			return ErrAccountExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balances (account_id, available, held, earned, spent, updated_at)
			VALUES ($1, $2, 0, 0, 0, NOW())
		`, acct.ID, mint); err != nil {
			return fmt.Errorf("failed to insert balance: %w", err)
		}

		if mint > 0 {
			return NewPostgresTx(tx).AppendTransaction(ctx, &Transaction{
				ToAccount:   acct.ID,
				Amount:      mint,
				Kind:        KindMint,
				Currency:    currency,
				Description: "starter tokens",
			})
		}
		return nil
	})
}

const accountColumns = `id, name, COALESCE(description, ''), skills, status, role, reputation, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		acct   Account
		skills []byte
		status string
		role   string
	)
	if err := row.Scan(&acct.ID, &acct.Name, &acct.Description, &skills, &status, &role,
		&acct.Reputation, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	acct.Status = AccountStatus(status)
	acct.Role = Role(role)
	acct.Skills = []string{}
	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &acct.Skills); err != nil {
			return nil, fmt.Errorf("failed to decode skills: %w", err)
		}
	}
	return &acct, nil
}

func getAccount(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, accountID string) (*Account, error) {
	acct, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return getAccount(ctx, p.db, accountID)
}

func (p *PostgresStore) UpdateAccount(ctx context.Context, acct *Account) error {
	skills, err := json.Marshal(acct.Skills)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET name = $2, description = $3, skills = $4, status = $5, role = $6, updated_at = $7
		WHERE id = $1
	`, acct.ID, acct.Name, acct.Description, skills, string(acct.Status), string(acct.Role), acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

const balanceColumns = `account_id, available, held, earned, spent, updated_at`

func scanBalance(row interface{ Scan(...any) error }) (*Balance, error) {
	var b Balance
	if err := row.Scan(&b.AccountID, &b.Available, &b.Held, &b.Earned, &b.Spent, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal, err := scanBalance(p.db.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM balances WHERE account_id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

func (p *PostgresStore) AllBalances(ctx context.Context) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+balanceColumns+` FROM balances ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var result []*Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

const transactionColumns = `id, COALESCE(escrow_id, ''), COALESCE(from_account, ''), COALESCE(to_account, ''),
	amount, kind, currency, COALESCE(description, ''), created_at`

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer rows.Close()
	var result []*Transaction
	for rows.Next() {
		var (
			t    Transaction
			kind string
		)
		if err := rows.Scan(&t.ID, &t.EscrowID, &t.FromAccount, &t.ToAccount,
			&t.Amount, &kind, &t.Currency, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = Kind(kind)
		result = append(result, &t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	if _, err := p.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE from_account = $1 OR to_account = $1
		ORDER BY seq DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return scanTransactions(rows)
}

func (p *PostgresStore) AllTransactions(ctx context.Context) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return scanTransactions(rows)
}

func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE kind IN ('mint', 'deposit')),
			(SELECT COALESCE(SUM(available), 0) FROM balances),
			(SELECT COALESCE(SUM(held), 0) FROM balances),
			(SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE kind = 'fee')
	`).Scan(&t.Accounts, &t.Minted, &t.Available, &t.Held, &t.FeesCollected)
	if err != nil {
		return nil, fmt.Errorf("failed to compute totals: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) UpdateReputation(ctx context.Context, accountID string, fn func(old float64) float64) (float64, error) {
	var score float64
	err := RunInTx(ctx, p.db, p.lockTimeout, func(tx *sql.Tx) error {
		var old float64
		err := tx.QueryRowContext(ctx, `SELECT reputation FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		score = fn(old)
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET reputation = $2, updated_at = NOW() WHERE id = $1`, accountID, score)
		return err
	})
	return score, err
}

// PostgresTx implements Tx over a *sql.Tx. Other stores wrap it to add their
// own rows to the same transaction.
type PostgresTx struct {
	tx *sql.Tx
}

// NewPostgresTx wraps an open transaction.
func NewPostgresTx(tx *sql.Tx) *PostgresTx {
	return &PostgresTx{tx: tx}
}

// SQL exposes the underlying transaction.
func (t *PostgresTx) SQL() *sql.Tx { return t.tx }

func (t *PostgresTx) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return getAccount(ctx, t.tx, accountID)
}

func (t *PostgresTx) LockBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal, err := scanBalance(t.tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE account_id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return bal, nil
}

func (t *PostgresTx) AdjustBalance(ctx context.Context, accountID string, d Delta) (*Balance, error) {
	bal, err := scanBalance(t.tx.QueryRowContext(ctx, `
		UPDATE balances SET
			available  = available + $2,
			held       = held + $3,
			earned     = earned + $4,
			spent      = spent + $5,
			updated_at = NOW()
		WHERE account_id = $1
		RETURNING `+balanceColumns,
		accountID, d.Available, d.Held, d.Earned, d.Spent))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return bal, nil
}

func (t *PostgresTx) AppendTransaction(ctx context.Context, e *Transaction) error {
	if err := e.prepare(time.Now()); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, escrow_id, from_account, to_account, amount, kind, currency, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, nullString(e.EscrowID), nullString(e.FromAccount), nullString(e.ToAccount),
		e.Amount, string(e.Kind), e.Currency, nullString(e.Description), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertions
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*PostgresTx)(nil)
)
