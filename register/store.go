/*
store.go - Persistence contracts for the register

PURPOSE:
  Defines the interface between the register logic and the database.
  Implementations: SQLite, PostgreSQL and an in-memory store for tests.

KEY INTERFACES:
  LedgerStore:   sale rows plus the two reconciliation queries
  ClosingStore:  closing snapshots (insert-only, admin delete)
  UserStore:     owner resolution and the per-owner write lock
  SequenceStore: per-owner document numbers
  TxStore:       all of the above plus an all-or-nothing scope

NOT-FOUND CONVENTION:
  Single-row getters return (nil, nil) when the row does not exist. Updates
  and deletes of a missing row return the matching ErrXxxNotFound.

STORE ERRORS:
  Driver failures are wrapped with ErrStore.

SEE ALSO:
  - register/store/memory.go: in-memory implementation
  - store/sqlite/sqlite.go:   SQLite implementation
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package register

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	InsertTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	UpdateTransaction(ctx context.Context, tx Transaction) error
	DeleteTransaction(ctx context.Context, id string) error

	// SumByMethod returns amount rows for owner with OccurredOn inside days.
	// When after is set, only rows with RecordedAt strictly after it count.
	// Rows are not necessarily summed: an implementation may return one row
	// per sale or one pre-summed row per method. Callers fold them with
	// Aggregate, which handles both.
	SumByMethod(ctx context.Context, owner OwnerID, days DateRange, after *time.Time) ([]AmountRow, error)

	// ExistsAfter reports whether owner has a row on day recorded strictly
	// after the given instant.
	ExistsAfter(ctx context.Context, owner OwnerID, day time.Time, after time.Time) (bool, error)
}

// TransactionFilter narrows ListTransactions. Nil fields do not filter.
// Results are ordered by OccurredOn descending, then RecordedAt descending.
type TransactionFilter struct {
	Owner *OwnerID
	From  *time.Time
	To    *time.Time
}

// =============================================================================
// CLOSING STORE
// =============================================================================

type ClosingStore interface {
	// LatestClosingForDate returns the most recent closing of owner for day.
	LatestClosingForDate(ctx context.Context, owner OwnerID, day time.Time) (*ClosingSnapshot, error)

	// LatestClosing returns the most recent closing of owner, any date.
	LatestClosing(ctx context.Context, owner OwnerID) (*ClosingSnapshot, error)

	InsertClosing(ctx context.Context, c ClosingSnapshot) error
	GetClosing(ctx context.Context, id string) (*ClosingSnapshot, error)
	ListClosings(ctx context.Context, filter ClosingFilter) ([]ClosingSnapshot, error)
	DeleteClosing(ctx context.Context, id string) error
}

// ClosingFilter narrows ListClosings. Results are newest first.
type ClosingFilter struct {
	Owner *OwnerID
	From  *time.Time
	To    *time.Time
}

// =============================================================================
// USERS & SEQUENCES
// =============================================================================

type UserStore interface {
	GetUser(ctx context.Context, username OwnerID) (*User, error)
	SaveUser(ctx context.Context, u User) error
	ListUsers(ctx context.Context) ([]User, error)

	// DeleteUser removes username and its document sequence. It returns
	// ErrUserInUse while the user owns sales or closings, ErrOwnerNotFound
	// when there is no such user.
	DeleteUser(ctx context.Context, username OwnerID) error

	// LockOwner blocks other writers of owner until the surrounding
	// transaction ends. Inside WithTx every write of an owner's ledger or
	// closings calls it first. Stores whose transactions are already
	// exclusive implement it as a no-op. An unknown owner is not an error.
	LockOwner(ctx context.Context, owner OwnerID) error
}

type SequenceStore interface {
	// PeekDocNumber returns the number the next sale of owner would get.
	PeekDocNumber(ctx context.Context, owner OwnerID) (int64, error)

	// AdvanceDocNumber allocates and persists the next number.
	AdvanceDocNumber(ctx context.Context, owner OwnerID) (int64, error)

	// SetDocNumber sets the last used number for owner. The stored value
	// never decreases: a lower last leaves it unchanged.
	SetDocNumber(ctx context.Context, owner OwnerID, last int64) error
}

// =============================================================================
// COMPOSITE & TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	LedgerStore
	ClosingStore
	UserStore
	SequenceStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
