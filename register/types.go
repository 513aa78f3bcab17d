/*
Package register provides the cash register core: daily balances, closings
("fechos de caixa") and the sale ledger they are computed from.

PURPOSE:
  Staff record sales paid in cash, on the card terminal or by bank transfer.
  The register keeps running per-method totals for the current business day
  and lets each user close them. A closing freezes the totals recorded since
  the previous closing into an immutable snapshot.

KEY CONCEPTS IN THIS FILE (types.go):
  - PaymentMethod: closed set {cash, card, transfer}
  - Transaction:   one sale row in the ledger
  - Totals:        per-method sums plus the derived grand total
  - ClosingSnapshot: frozen period totals for one closing event
  - Identity/User:  who is asking, and with which role

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Server-computed: closing totals come from the ledger, never from clients
  3. Owner-scoped: every query is scoped to one owner

SEE ALSO:
  - balance.go:   Aggregate (the balance calculator)
  - reconcile.go: CurrentBalances (open/closed state machine)
  - closing.go:   CloseRegister (closing writer)
  - store.go:     persistence contracts
*/
package register

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & ROLES
// =============================================================================

// OwnerID identifies the user a sale or closing belongs to (the username).
type OwnerID string

type Role string

const (
	RoleStandard Role = "standard"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool { return r == RoleStandard || r == RoleAdmin }

// Identity is the authenticated caller of an operation.
type Identity struct {
	Owner OwnerID
	Role  Role
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// CanAccess reports whether the caller may read or mutate rows of owner.
func (i Identity) CanAccess(owner OwnerID) bool {
	return i.IsAdmin() || i.Owner == owner
}

// User is a stored user record. Sessions resolve to one of these.
type User struct {
	Username  OwnerID
	Role      Role
	CreatedAt time.Time
}

// =============================================================================
// PAYMENT METHOD - Closed enumeration
// =============================================================================

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodTransfer PaymentMethod = "transfer"
)

// Methods lists every payment method in display order.
var Methods = []PaymentMethod{MethodCash, MethodCard, MethodTransfer}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer:
		return true
	}
	return false
}

// Label returns the name shown to staff on receipts and screens.
func (m PaymentMethod) Label() string {
	switch m {
	case MethodCash:
		return "Dinheiro"
	case MethodCard:
		return "Multibanco"
	case MethodTransfer:
		return "Transferência Bancária"
	}
	return string(m)
}

// =============================================================================
// TRANSACTION - One sale row
// =============================================================================

// MaxSaleAmount is the upper bound for a single sale.
var MaxSaleAmount = decimal.NewFromInt(10000)

type Transaction struct {
	ID    string
	Owner OwnerID

	// OccurredOn is the business date of the sale (midnight UTC). Edits may
	// move it; RecordedAt never changes.
	OccurredOn time.Time
	RecordedAt time.Time

	Method      PaymentMethod
	TerminalRef string // card terminal operation id, card only
	Amount      decimal.Decimal

	DocNumber int64
	Label     string
}

// AmountRow is a raw ledger projection used for balance sums. A row may be a
// single transaction or a pre-summed group; Method is the stored text.
type AmountRow struct {
	Method string
	Amount string
}

// =============================================================================
// TOTALS
// =============================================================================

type Totals struct {
	Cash     decimal.Decimal
	Card     decimal.Decimal
	Transfer decimal.Decimal
}

func (t Totals) Total() decimal.Decimal { return t.Cash.Add(t.Card).Add(t.Transfer) }

func (t Totals) IsZero() bool { return t.Cash.IsZero() && t.Card.IsZero() && t.Transfer.IsZero() }

func (t Totals) Add(o Totals) Totals {
	return Totals{Cash: t.Cash.Add(o.Cash), Card: t.Card.Add(o.Card), Transfer: t.Transfer.Add(o.Transfer)}
}

func (t Totals) Sub(o Totals) Totals {
	return Totals{Cash: t.Cash.Sub(o.Cash), Card: t.Card.Sub(o.Card), Transfer: t.Transfer.Sub(o.Transfer)}
}

// Equal compares bucket by bucket, ignoring decimal exponent differences.
func (t Totals) Equal(o Totals) bool {
	return t.Cash.Equal(o.Cash) && t.Card.Equal(o.Card) && t.Transfer.Equal(o.Transfer)
}

// Get returns the bucket for m.
func (t Totals) Get(m PaymentMethod) decimal.Decimal {
	switch m {
	case MethodCash:
		return t.Cash
	case MethodCard:
		return t.Card
	case MethodTransfer:
		return t.Transfer
	}
	return decimal.Zero
}

func (t *Totals) add(m PaymentMethod, d decimal.Decimal) {
	switch m {
	case MethodCash:
		t.Cash = t.Cash.Add(d)
	case MethodCard:
		t.Card = t.Card.Add(d)
	case MethodTransfer:
		t.Transfer = t.Transfer.Add(d)
	}
}

// =============================================================================
// CLOSING SNAPSHOT - Frozen period totals
// =============================================================================

// ClosingSnapshot is written once by CloseRegister and never updated. Totals
// hold the period amount (activity since the previous closing), not the
// cumulative day. CreatedAt is the pivot between pre- and post-closing sales.
type ClosingSnapshot struct {
	ID           string
	Owner        OwnerID
	BusinessDate time.Time
	CreatedAt    time.Time
	Totals       Totals
	GrandTotal   decimal.Decimal
}
