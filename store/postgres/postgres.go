/*
Package postgres provides a PostgreSQL-backed implementation of register.TxStore.

PURPOSE:
  Production store. Same tables as store/sqlite with native types: DATE for
  business dates, TIMESTAMPTZ for instants and NUMERIC(12,2) for money.

MIGRATIONS:
  Versioned SQL files under migrations/ are embedded in the binary and
  applied with golang-migrate on Migrate.

TRANSACTIONS:
  WithTx runs at READ COMMITTED. Writers of an owner's ledger and closings
  take the owner's users row FOR UPDATE first (LockOwner), so a close waits
  for in-flight sales of that owner and every statement after the lock sees
  them committed. A serialization failure or deadlock (SQLSTATE 40001,
  40P01) restarts the whole scope, up to maxTxAttempts times.

SEE ALSO:
  - register/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/cash-register/register"
)

//go:embed migrations/*.sql
var migrations embed.FS

const maxTxAttempts = 3

// Compile-time interface check.
var _ register.TxStore = (*Store)(nil)

// Store implements register.TxStore using a pgx connection pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{queries: &queries{q: pool}, pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies every pending migration to the database behind dsn.
func Migrate(dsn string) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("postgres: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: run migrations up: %w", err)
	}
	return nil
}

// migrateURL rewrites a libpq URL to the scheme of the pgx/v5 migrate driver.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// =============================================================================
// TRANSACTIONAL STORE (register.TxStore interface)
// =============================================================================

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store register.Store) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.withTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(store register.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storeErr("begin tx", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

// querier abstracts pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type queries struct {
	q querier
}

// =============================================================================
// LEDGER STORE
// =============================================================================

const transactionColumns = `id, owner, occurred_on, recorded_at, method, terminal_ref, amount, doc_number, label`

func (s *queries) InsertTransaction(ctx context.Context, tx register.Transaction) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, string(tx.Owner), tx.OccurredOn, tx.RecordedAt, string(tx.Method),
		nullable(tx.TerminalRef), tx.Amount, tx.DocNumber, nullable(tx.Label))
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", register.ErrOwnerNotFound, tx.Owner)
	}
	if err != nil {
		return storeErr("insert transaction", err)
	}
	return nil
}

func (s *queries) GetTransaction(ctx context.Context, id string) (*register.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (s *queries) ListTransactions(ctx context.Context, filter register.TransactionFilter) ([]register.Transaction, error) {
	var owner *string
	if filter.Owner != nil {
		o := string(*filter.Owner)
		owner = &o
	}
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE ($1::text IS NULL OR owner = $1)
		  AND ($2::date IS NULL OR occurred_on >= $2)
		  AND ($3::date IS NULL OR occurred_on <= $3)
		ORDER BY occurred_on DESC, recorded_at DESC
	`, owner, filter.From, filter.To)
}

func (s *queries) UpdateTransaction(ctx context.Context, tx register.Transaction) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE transactions
		SET occurred_on = $2, method = $3, terminal_ref = $4, amount = $5, label = $6
		WHERE id = $1
	`, tx.ID, tx.OccurredOn, string(tx.Method), nullable(tx.TerminalRef), tx.Amount, nullable(tx.Label))
	if err != nil {
		return storeErr("update transaction", err)
	}
	if tag.RowsAffected() == 0 {
		return register.ErrTransactionNotFound
	}
	return nil
}

func (s *queries) DeleteTransaction(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete transaction", err)
	}
	if tag.RowsAffected() == 0 {
		return register.ErrTransactionNotFound
	}
	return nil
}

// SumByMethod returns one pre-summed row per method.
func (s *queries) SumByMethod(ctx context.Context, owner register.OwnerID, days register.DateRange, after *time.Time) ([]register.AmountRow, error) {
	rows, err := s.q.Query(ctx, `
		SELECT method, SUM(amount)::text
		FROM transactions
		WHERE owner = $1 AND occurred_on BETWEEN $2 AND $3
		  AND ($4::timestamptz IS NULL OR recorded_at > $4)
		GROUP BY method
	`, string(owner), days.From, days.To, after)
	if err != nil {
		return nil, storeErr("sum by method", err)
	}
	defer rows.Close()

	var result []register.AmountRow
	for rows.Next() {
		var row register.AmountRow
		if err := rows.Scan(&row.Method, &row.Amount); err != nil {
			return nil, storeErr("scan amount row", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("sum by method", err)
	}
	return result, nil
}

func (s *queries) ExistsAfter(ctx context.Context, owner register.OwnerID, day time.Time, after time.Time) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE owner = $1 AND occurred_on = $2 AND recorded_at > $3
		)
	`, string(owner), day, after).Scan(&exists)
	if err != nil {
		return false, storeErr("exists after", err)
	}
	return exists, nil
}

func (s *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]register.Transaction, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query transactions", err)
	}
	defer rows.Close()

	var result []register.Transaction
	for rows.Next() {
		var (
			tx          register.Transaction
			owner       string
			method      string
			terminalRef *string
			label       *string
		)
		if err := rows.Scan(&tx.ID, &owner, &tx.OccurredOn, &tx.RecordedAt, &method,
			&terminalRef, &tx.Amount, &tx.DocNumber, &label); err != nil {
			return nil, storeErr("scan transaction", err)
		}
		tx.Owner = register.OwnerID(owner)
		tx.Method = register.PaymentMethod(method)
		tx.OccurredOn = tx.OccurredOn.UTC()
		tx.RecordedAt = tx.RecordedAt.UTC()
		tx.TerminalRef = deref(terminalRef)
		tx.Label = deref(label)
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query transactions", err)
	}
	return result, nil
}

// =============================================================================
// CLOSING STORE
// =============================================================================

const closingColumns = `id, owner, business_date, created_at, cash, card, transfer, grand_total`

func (s *queries) LatestClosingForDate(ctx context.Context, owner register.OwnerID, day time.Time) (*register.ClosingSnapshot, error) {
	return s.oneClosing(ctx, `
		SELECT `+closingColumns+` FROM closings
		WHERE owner = $1 AND business_date = $2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, string(owner), day)
}

func (s *queries) LatestClosing(ctx context.Context, owner register.OwnerID) (*register.ClosingSnapshot, error) {
	return s.oneClosing(ctx, `
		SELECT `+closingColumns+` FROM closings
		WHERE owner = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, string(owner))
}

func (s *queries) GetClosing(ctx context.Context, id string) (*register.ClosingSnapshot, error) {
	return s.oneClosing(ctx, `SELECT `+closingColumns+` FROM closings WHERE id = $1`, id)
}

func (s *queries) InsertClosing(ctx context.Context, c register.ClosingSnapshot) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO closings (`+closingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, string(c.Owner), c.BusinessDate, c.CreatedAt,
		c.Totals.Cash, c.Totals.Card, c.Totals.Transfer, c.GrandTotal)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", register.ErrOwnerNotFound, c.Owner)
	}
	if err != nil {
		return storeErr("insert closing", err)
	}
	return nil
}

func (s *queries) ListClosings(ctx context.Context, filter register.ClosingFilter) ([]register.ClosingSnapshot, error) {
	var owner *string
	if filter.Owner != nil {
		o := string(*filter.Owner)
		owner = &o
	}
	return s.queryClosings(ctx, `
		SELECT `+closingColumns+` FROM closings
		WHERE ($1::text IS NULL OR owner = $1)
		  AND ($2::date IS NULL OR business_date >= $2)
		  AND ($3::date IS NULL OR business_date <= $3)
		ORDER BY created_at DESC, seq DESC
	`, owner, filter.From, filter.To)
}

func (s *queries) DeleteClosing(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM closings WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete closing", err)
	}
	if tag.RowsAffected() == 0 {
		return register.ErrClosingNotFound
	}
	return nil
}

func (s *queries) oneClosing(ctx context.Context, query string, args ...any) (*register.ClosingSnapshot, error) {
	closings, err := s.queryClosings(ctx, query, args...)
	if err != nil || len(closings) == 0 {
		return nil, err
	}
	return &closings[0], nil
}

func (s *queries) queryClosings(ctx context.Context, query string, args ...any) ([]register.ClosingSnapshot, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query closings", err)
	}
	defer rows.Close()

	var result []register.ClosingSnapshot
	for rows.Next() {
		var (
			c     register.ClosingSnapshot
			owner string
		)
		if err := rows.Scan(&c.ID, &owner, &c.BusinessDate, &c.CreatedAt,
			&c.Totals.Cash, &c.Totals.Card, &c.Totals.Transfer, &c.GrandTotal); err != nil {
			return nil, storeErr("scan closing", err)
		}
		c.Owner = register.OwnerID(owner)
		c.BusinessDate = c.BusinessDate.UTC()
		c.CreatedAt = c.CreatedAt.UTC()
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query closings", err)
	}
	return result, nil
}

// =============================================================================
// USER STORE
// =============================================================================

func (s *queries) GetUser(ctx context.Context, username register.OwnerID) (*register.User, error) {
	var (
		u    register.User
		name string
		role string
	)
	err := s.q.QueryRow(ctx,
		`SELECT username, role, created_at FROM users WHERE username = $1`, string(username),
	).Scan(&name, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}
	u.Username = register.OwnerID(name)
	u.Role = register.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *queries) SaveUser(ctx context.Context, u register.User) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO users (username, role, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET role = EXCLUDED.role
	`, string(u.Username), string(u.Role), u.CreatedAt)
	if err != nil {
		return storeErr("save user", err)
	}
	return nil
}

func (s *queries) ListUsers(ctx context.Context) ([]register.User, error) {
	rows, err := s.q.Query(ctx, `SELECT username, role, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	defer rows.Close()

	var users []register.User
	for rows.Next() {
		var (
			u          register.User
			name, role string
		)
		if err := rows.Scan(&name, &role, &u.CreatedAt); err != nil {
			return nil, storeErr("scan user", err)
		}
		u.Username = register.OwnerID(name)
		u.Role = register.Role(role)
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list users", err)
	}
	return users, nil
}

// DeleteUser removes the user's sequence row, then the user. The foreign keys
// of transactions and closings reject the second delete while the user still
// owns rows.
func (s *queries) DeleteUser(ctx context.Context, username register.OwnerID) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM doc_sequences WHERE owner = $1`, string(username)); err != nil {
		return storeErr("delete doc sequence", err)
	}
	tag, err := s.q.Exec(ctx, `DELETE FROM users WHERE username = $1`, string(username))
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", register.ErrUserInUse, username)
	}
	if err != nil {
		return storeErr("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return register.ErrOwnerNotFound
	}
	return nil
}

// LockOwner takes the owner's users row FOR UPDATE until the transaction
// ends. Outside WithTx the lock is released as soon as the statement ends.
func (s *queries) LockOwner(ctx context.Context, owner register.OwnerID) error {
	if _, err := s.q.Exec(ctx, `SELECT 1 FROM users WHERE username = $1 FOR UPDATE`, string(owner)); err != nil {
		return storeErr("lock owner", err)
	}
	return nil
}

// =============================================================================
// SEQUENCE STORE
// =============================================================================

func (s *queries) PeekDocNumber(ctx context.Context, owner register.OwnerID) (int64, error) {
	var last int64
	err := s.q.QueryRow(ctx,
		`SELECT last_number FROM doc_sequences WHERE owner = $1`, string(owner),
	).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, storeErr("peek doc number", err)
	}
	return last + 1, nil
}

func (s *queries) AdvanceDocNumber(ctx context.Context, owner register.OwnerID) (int64, error) {
	var next int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO doc_sequences (owner, last_number) VALUES ($1, 1)
		ON CONFLICT (owner) DO UPDATE SET last_number = doc_sequences.last_number + 1
		RETURNING last_number
	`, string(owner)).Scan(&next)
	if err != nil {
		return 0, storeErr("advance doc number", err)
	}
	return next, nil
}

func (s *queries) SetDocNumber(ctx context.Context, owner register.OwnerID, last int64) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO doc_sequences (owner, last_number) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET last_number = GREATEST(doc_sequences.last_number, EXCLUDED.last_number)
	`, string(owner), last)
	if err != nil {
		return storeErr("set doc number", err)
	}
	return nil
}

// Helper functions

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", register.ErrStore, op, err)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// isRetryable reports a serialization failure or a detected deadlock.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

