/*
sales.go - Sale ledger operations

PURPOSE:
  Records, edits and removes the sale rows that balances are computed from.
  Every sale gets its document number from the owner's server-side
  sequence, allocated in the same store transaction as the insert.

RULES:
  - 0 < amount <= MaxSaleAmount
  - business date required
  - terminal reference only on card payments
  - RecordedAt is the server clock at insert and is never edited
  - owners mutate their own rows; admins may mutate any row
  - deletion is physical
  - the document sequence only moves forward
*/
package register

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaleInput carries the client-editable fields of a sale.
type SaleInput struct {
	Label       string
	OccurredOn  time.Time
	Method      PaymentMethod
	TerminalRef string
	Amount      decimal.Decimal
}

// Validate ensures the sale input is coherent.
func (in SaleInput) Validate() error {
	if !in.Amount.IsPositive() || in.Amount.GreaterThan(MaxSaleAmount) {
		return invalid("valor", "must be between 0.01 and 10000")
	}
	if in.OccurredOn.IsZero() {
		return invalid("data", "required")
	}
	if !in.Method.Valid() {
		return invalid("pagamento", "unknown payment method")
	}
	if in.TerminalRef != "" && in.Method != MethodCard {
		return invalid("op_tpa", "only allowed for card payments")
	}
	return nil
}

func (in SaleInput) normalized() SaleInput {
	in.Label = strings.TrimSpace(in.Label)
	in.TerminalRef = strings.TrimSpace(in.TerminalRef)
	y, m, d := in.OccurredOn.Date()
	in.OccurredOn = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	in.Amount = in.Amount.Round(2)
	return in
}

// RegisterSale appends a sale for the caller.
func (s *Service) RegisterSale(ctx context.Context, caller Identity, in SaleInput) (Transaction, error) {
	in = in.normalized()
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}

	var tx Transaction
	err := s.store.WithTx(ctx, func(store Store) error {
		if err := store.LockOwner(ctx, caller.Owner); err != nil {
			return err
		}
		if _, err := resolveOwner(ctx, store, caller.Owner); err != nil {
			return err
		}
		number, err := store.AdvanceDocNumber(ctx, caller.Owner)
		if err != nil {
			return err
		}
		tx = Transaction{
			ID:          uuid.NewString(),
			Owner:       caller.Owner,
			OccurredOn:  in.OccurredOn,
			RecordedAt:  s.instant(),
			Method:      in.Method,
			TerminalRef: in.TerminalRef,
			Amount:      in.Amount,
			DocNumber:   number,
			Label:       in.Label,
		}
		return store.InsertTransaction(ctx, tx)
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// GetSale returns one sale visible to the caller.
func (s *Service) GetSale(ctx context.Context, caller Identity, id string) (Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if tx == nil {
		return Transaction{}, ErrTransactionNotFound
	}
	if !caller.CanAccess(tx.Owner) {
		return Transaction{}, ErrForbidden
	}
	return *tx, nil
}

// ListSales lists sales. Standard users only ever see their own rows.
func (s *Service) ListSales(ctx context.Context, caller Identity, filter TransactionFilter) ([]Transaction, error) {
	if !caller.IsAdmin() {
		owner := caller.Owner
		filter.Owner = &owner
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, invalid("inicio", "start date after end date")
	}
	return s.store.ListTransactions(ctx, filter)
}

// UpdateSale edits amount, method, date and label of a sale. Owner,
// RecordedAt and DocNumber are kept.
func (s *Service) UpdateSale(ctx context.Context, caller Identity, id string, in SaleInput) (Transaction, error) {
	in = in.normalized()
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}

	var updated Transaction
	err := s.store.WithTx(ctx, func(store Store) error {
		existing, err := store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrTransactionNotFound
		}
		if !caller.CanAccess(existing.Owner) {
			return ErrForbidden
		}
		if err := store.LockOwner(ctx, existing.Owner); err != nil {
			return err
		}
		updated = *existing
		updated.OccurredOn = in.OccurredOn
		updated.Method = in.Method
		updated.TerminalRef = in.TerminalRef
		updated.Amount = in.Amount
		if in.Label != "" {
			updated.Label = in.Label
		}
		return store.UpdateTransaction(ctx, updated)
	})
	if err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// DeleteSale physically removes a sale.
func (s *Service) DeleteSale(ctx context.Context, caller Identity, id string) error {
	return s.store.WithTx(ctx, func(store Store) error {
		existing, err := store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrTransactionNotFound
		}
		if !caller.CanAccess(existing.Owner) {
			return ErrForbidden
		}
		if err := store.LockOwner(ctx, existing.Owner); err != nil {
			return err
		}
		return store.DeleteTransaction(ctx, id)
	})
}

// =============================================================================
// DOCUMENT NUMBERS
// =============================================================================

// NextDocNumber returns the number the caller's next sale will receive.
func (s *Service) NextDocNumber(ctx context.Context, caller Identity) (int64, error) {
	if _, err := resolveOwner(ctx, s.store, caller.Owner); err != nil {
		return 0, err
	}
	return s.store.PeekDocNumber(ctx, caller.Owner)
}

// SetDocSequence sets the last used document number of the caller, so the
// next sale gets last+1. The sequence only moves forward: a value below the
// last number already issued is rejected, the same value is a no-op.
func (s *Service) SetDocSequence(ctx context.Context, caller Identity, last int64) error {
	if last < 0 {
		return invalid("ultimo_numdoc", "must not be negative")
	}
	return s.store.WithTx(ctx, func(store Store) error {
		if err := store.LockOwner(ctx, caller.Owner); err != nil {
			return err
		}
		if _, err := resolveOwner(ctx, store, caller.Owner); err != nil {
			return err
		}
		next, err := store.PeekDocNumber(ctx, caller.Owner)
		if err != nil {
			return err
		}
		if issued := next - 1; last < issued {
			return invalid("ultimo_numdoc", fmt.Sprintf("must not be below the last issued number %d", issued))
		}
		return store.SetDocNumber(ctx, caller.Owner, last)
	})
}
