/*
Package sqlite provides a SQLite-backed implementation of register.TxStore.

PURPOSE:
  Persists users, the sale ledger, closing snapshots and document number
  sequences. The same schema is carried by store/postgres; only dialect
  differences apply.

KEY TABLES:
  users:         session owners and their role
  transactions:  sale ledger (editable by owner or admin)
  closings:      insert-only closing snapshots
  doc_sequences: last used document number per owner

ENCODING:
  - business dates are TEXT "YYYY-MM-DD"
  - instants are TEXT, UTC, fixed-width nanoseconds, so string comparison
    orders them correctly
  - amounts are TEXT decimals and summed in Go (no float arithmetic in SQL)

INDEXES:
  - idx_transactions_owner_day: balance reads (hot path)
  - idx_closings_owner_created: latest-closing lookups

CONCURRENCY:
  The pool is limited to one connection. Every statement and every WithTx
  scope is serialised by database/sql, which also keeps ":memory:"
  databases shared between the store and its transactions.

USAGE:
  store, err := sqlite.New("./data/register.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := register.NewService(store)

SEE ALSO:
  - register/store.go: Interface definitions
  - register/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/cash-register/register"
)

// instantLayout is fixed-width so that TEXT ordering equals time ordering.
const instantLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements register.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		role TEXT NOT NULL CHECK (role IN ('standard', 'admin')),
		created_at TEXT NOT NULL
	);

	-- Sale ledger
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL REFERENCES users(username),
		occurred_on TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		method TEXT NOT NULL,
		terminal_ref TEXT,
		amount TEXT NOT NULL,
		doc_number INTEGER NOT NULL,
		label TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_owner_day
		ON transactions(owner, occurred_on, recorded_at);

	-- Closing snapshots (insert-only). seq breaks created_at ties.
	CREATE TABLE IF NOT EXISTS closings (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL REFERENCES users(username),
		business_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		cash TEXT NOT NULL,
		card TEXT NOT NULL,
		transfer TEXT NOT NULL,
		grand_total TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_closings_owner_created
		ON closings(owner, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_closings_owner_date
		ON closings(owner, business_date);

	CREATE TABLE IF NOT EXISTS doc_sequences (
		owner TEXT PRIMARY KEY REFERENCES users(username),
		last_number INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (register.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store register.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements register.Store against a querier.
type queries struct {
	q querier
}

// =============================================================================
// LEDGER STORE
// =============================================================================

const transactionColumns = `id, owner, occurred_on, recorded_at, method, terminal_ref, amount, doc_number, label`

func (s *queries) InsertTransaction(ctx context.Context, tx register.Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		string(tx.Owner),
		formatDate(tx.OccurredOn),
		formatInstant(tx.RecordedAt),
		string(tx.Method),
		nullString(tx.TerminalRef),
		tx.Amount.StringFixed(2),
		tx.DocNumber,
		nullString(tx.Label),
	)
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s", register.ErrOwnerNotFound, tx.Owner)
	}
	if err != nil {
		return storeErr("insert transaction", err)
	}
	return nil
}

func (s *queries) GetTransaction(ctx context.Context, id string) (*register.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return nil, storeErr("get transaction", err)
	}
	txs, err := scanTransactions(rows)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (s *queries) ListTransactions(ctx context.Context, filter register.TransactionFilter) ([]register.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.Owner != nil {
		where = append(where, "owner = ?")
		args = append(args, string(*filter.Owner))
	}
	if filter.From != nil {
		where = append(where, "occurred_on >= ?")
		args = append(args, formatDate(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "occurred_on <= ?")
		args = append(args, formatDate(*filter.To))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY occurred_on DESC, recorded_at DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	return scanTransactions(rows)
}

func (s *queries) UpdateTransaction(ctx context.Context, tx register.Transaction) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE transactions
		SET occurred_on = ?, method = ?, terminal_ref = ?, amount = ?, label = ?
		WHERE id = ?
	`,
		formatDate(tx.OccurredOn),
		string(tx.Method),
		nullString(tx.TerminalRef),
		tx.Amount.StringFixed(2),
		nullString(tx.Label),
		tx.ID,
	)
	if err != nil {
		return storeErr("update transaction", err)
	}
	return expectOneRow(res, register.ErrTransactionNotFound)
}

func (s *queries) DeleteTransaction(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete transaction", err)
	}
	return expectOneRow(res, register.ErrTransactionNotFound)
}

// SumByMethod returns one row per sale; register.Aggregate does the sum.
func (s *queries) SumByMethod(ctx context.Context, owner register.OwnerID, days register.DateRange, after *time.Time) ([]register.AmountRow, error) {
	query := `
		SELECT method, amount FROM transactions
		WHERE owner = ? AND occurred_on >= ? AND occurred_on <= ?
	`
	args := []any{string(owner), formatDate(days.From), formatDate(days.To)}
	if after != nil {
		query += ` AND recorded_at > ?`
		args = append(args, formatInstant(*after))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
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
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE owner = ? AND occurred_on = ? AND recorded_at > ?
		)
	`, string(owner), formatDate(day), formatInstant(after)).Scan(&exists)
	if err != nil {
		return false, storeErr("exists after", err)
	}
	return exists, nil
}

func scanTransactions(rows *sql.Rows) ([]register.Transaction, error) {
	defer rows.Close()

	var result []register.Transaction
	for rows.Next() {
		var (
			tx          register.Transaction
			owner       string
			occurredOn  string
			recordedAt  string
			method      string
			terminalRef sql.NullString
			amount      string
			label       sql.NullString
		)
		err := rows.Scan(&tx.ID, &owner, &occurredOn, &recordedAt, &method,
			&terminalRef, &amount, &tx.DocNumber, &label)
		if err != nil {
			return nil, storeErr("scan transaction", err)
		}

		tx.Owner = register.OwnerID(owner)
		tx.Method = register.PaymentMethod(method)
		tx.TerminalRef = terminalRef.String
		tx.Label = label.String
		if tx.OccurredOn, err = parseDate(occurredOn); err != nil {
			return nil, err
		}
		if tx.RecordedAt, err = parseInstant(recordedAt); err != nil {
			return nil, err
		}
		if tx.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan transactions", err)
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
		WHERE owner = ? AND business_date = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, string(owner), formatDate(day))
}

func (s *queries) LatestClosing(ctx context.Context, owner register.OwnerID) (*register.ClosingSnapshot, error) {
	return s.oneClosing(ctx, `
		SELECT `+closingColumns+` FROM closings
		WHERE owner = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, string(owner))
}

func (s *queries) GetClosing(ctx context.Context, id string) (*register.ClosingSnapshot, error) {
	return s.oneClosing(ctx, `SELECT `+closingColumns+` FROM closings WHERE id = ?`, id)
}

func (s *queries) InsertClosing(ctx context.Context, c register.ClosingSnapshot) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO closings (`+closingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		string(c.Owner),
		formatDate(c.BusinessDate),
		formatInstant(c.CreatedAt),
		c.Totals.Cash.StringFixed(2),
		c.Totals.Card.StringFixed(2),
		c.Totals.Transfer.StringFixed(2),
		c.GrandTotal.StringFixed(2),
	)
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s", register.ErrOwnerNotFound, c.Owner)
	}
	if err != nil {
		return storeErr("insert closing", err)
	}
	return nil
}

func (s *queries) ListClosings(ctx context.Context, filter register.ClosingFilter) ([]register.ClosingSnapshot, error) {
	var (
		where []string
		args  []any
	)
	if filter.Owner != nil {
		where = append(where, "owner = ?")
		args = append(args, string(*filter.Owner))
	}
	if filter.From != nil {
		where = append(where, "business_date >= ?")
		args = append(args, formatDate(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "business_date <= ?")
		args = append(args, formatDate(*filter.To))
	}

	query := `SELECT ` + closingColumns + ` FROM closings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list closings", err)
	}
	return scanClosings(rows)
}

func (s *queries) DeleteClosing(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM closings WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete closing", err)
	}
	return expectOneRow(res, register.ErrClosingNotFound)
}

func (s *queries) oneClosing(ctx context.Context, query string, args ...any) (*register.ClosingSnapshot, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query closing", err)
	}
	closings, err := scanClosings(rows)
	if err != nil || len(closings) == 0 {
		return nil, err
	}
	return &closings[0], nil
}

func scanClosings(rows *sql.Rows) ([]register.ClosingSnapshot, error) {
	defer rows.Close()

	var result []register.ClosingSnapshot
	for rows.Next() {
		var (
			c                              register.ClosingSnapshot
			owner, businessDate, createdAt string
			cash, card, transfer, total    string
		)
		err := rows.Scan(&c.ID, &owner, &businessDate, &createdAt, &cash, &card, &transfer, &total)
		if err != nil {
			return nil, storeErr("scan closing", err)
		}

		c.Owner = register.OwnerID(owner)
		if c.BusinessDate, err = parseDate(businessDate); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseInstant(createdAt); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{{&c.Totals.Cash, cash}, {&c.Totals.Card, card}, {&c.Totals.Transfer, transfer}, {&c.GrandTotal, total}} {
			if *f.dst, err = parseDecimal(f.src); err != nil {
				return nil, err
			}
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("scan closings", err)
	}
	return result, nil
}

// =============================================================================
// USER STORE
// =============================================================================

func (s *queries) GetUser(ctx context.Context, username register.OwnerID) (*register.User, error) {
	var (
		u         register.User
		role      string
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT username, role, created_at FROM users WHERE username = ?`,
		string(username),
	).Scan(&u.Username, &role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}

	u.Role = register.Role(role)
	if u.CreatedAt, err = parseInstant(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *queries) SaveUser(ctx context.Context, u register.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (username, role, created_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET role = excluded.role
	`, string(u.Username), string(u.Role), formatInstant(u.CreatedAt))
	if err != nil {
		return storeErr("save user", err)
	}
	return nil
}

func (s *queries) ListUsers(ctx context.Context) ([]register.User, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT username, role, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	defer rows.Close()

	var users []register.User
	for rows.Next() {
		var (
			u               register.User
			role, createdAt string
		)
		if err := rows.Scan(&u.Username, &role, &createdAt); err != nil {
			return nil, storeErr("scan user", err)
		}
		u.Role = register.Role(role)
		if u.CreatedAt, err = parseInstant(createdAt); err != nil {
			return nil, err
		}
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
	if _, err := s.q.ExecContext(ctx, `DELETE FROM doc_sequences WHERE owner = ?`, string(username)); err != nil {
		return storeErr("delete doc sequence", err)
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, string(username))
	if isForeignKeyError(err) {
		return fmt.Errorf("%w: %s", register.ErrUserInUse, username)
	}
	if err != nil {
		return storeErr("delete user", err)
	}
	return expectOneRow(res, register.ErrOwnerNotFound)
}

// LockOwner is a no-op: the single connection already serialises every
// transaction.
func (s *queries) LockOwner(context.Context, register.OwnerID) error { return nil }

// =============================================================================
// SEQUENCE STORE
// =============================================================================

func (s *queries) PeekDocNumber(ctx context.Context, owner register.OwnerID) (int64, error) {
	var last int64
	err := s.q.QueryRowContext(ctx,
		`SELECT last_number FROM doc_sequences WHERE owner = ?`, string(owner),
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, storeErr("peek doc number", err)
	}
	return last + 1, nil
}

func (s *queries) AdvanceDocNumber(ctx context.Context, owner register.OwnerID) (int64, error) {
	var next int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO doc_sequences (owner, last_number) VALUES (?, 1)
		ON CONFLICT(owner) DO UPDATE SET last_number = last_number + 1
		RETURNING last_number
	`, string(owner)).Scan(&next)
	if err != nil {
		return 0, storeErr("advance doc number", err)
	}
	return next, nil
}

func (s *queries) SetDocNumber(ctx context.Context, owner register.OwnerID, last int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO doc_sequences (owner, last_number) VALUES (?, ?)
		ON CONFLICT(owner) DO UPDATE SET last_number = MAX(last_number, excluded.last_number)
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

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatDate(t time.Time) string { return t.UTC().Format(register.DateLayout) }

func formatInstant(t time.Time) string { return t.UTC().Format(instantLayout) }

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(register.DateLayout, s)
	if err != nil {
		return time.Time{}, storeErr("parse date", err)
	}
	return t, nil
}

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(instantLayout, s)
	if err != nil {
		return time.Time{}, storeErr("parse instant", err)
	}
	return t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, storeErr("parse amount", err)
	}
	return d, nil
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
