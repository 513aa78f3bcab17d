/*
closing.go - Closing writer ("fecho de caixa")

PURPOSE:
  Converts the currently open balances of an owner into a frozen, auditable
  ClosingSnapshot. Totals are always computed from the ledger at closing
  time; nothing supplied by the client is trusted.

PERIOD AMOUNT:
  The baseline is the owner's most recent closing of any date. The period
  is what the ledger holds beyond that baseline:
    - sales dated on the baseline's business date recorded after it
    - every sale dated after the baseline's business date, up to today
  With no previous closing the period is the whole of today.

  Sales dated after the baseline's day are counted regardless of when they
  were recorded, so a sale entered ahead of its date (or edited forward) is
  closed on the day it belongs to, matching the live balance of that day.
  Sales dated before the baseline's day stay with the closings already taken.

  Consequences:
    - closing twice with nothing in between yields an all-zero snapshot
    - a day that was never closed rolls into the next closing
    - the snapshots of an owner partition the ledger timeline

ATOMICITY:
  The baseline read, the ledger sum and the insert run in one store
  transaction. A failure at any step leaves no snapshot behind.

CONCURRENCY:
  Every write transaction of an owner starts with LockOwner. On PostgreSQL
  this row lock orders a close against concurrent sales and closes of the
  same owner, so a sale committed before the snapshot's CreatedAt is always
  in the snapshot or after it. The clock is read after the lock for the
  same reason.

  The Locker (Redis in multi-instance deployments) rejects a second close
  early with ErrCloseInProgress instead of queueing it behind the row lock.

PUBLISHING:
  After commit the snapshot is handed to the ClosingPublisher. Publish
  failures are logged; the closing stands.

SEE ALSO:
  - reconcile.go: reads the snapshots written here
*/
package register

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CloseRegister closes the open balances of owner for today.
func (s *Service) CloseRegister(ctx context.Context, owner OwnerID) (ClosingSnapshot, error) {
	unlock, err := s.locker.Lock(ctx, CloseLockKey(owner))
	if err != nil {
		return ClosingSnapshot{}, err
	}
	// The snapshot is committed before unlocking; a cancelled request
	// context must not make the release fail.
	defer unlock(context.WithoutCancel(ctx))

	var snapshot ClosingSnapshot
	err = s.store.WithTx(ctx, func(store Store) error {
		if err := store.LockOwner(ctx, owner); err != nil {
			return err
		}
		if _, err := resolveOwner(ctx, store, owner); err != nil {
			return err
		}
		today := s.Today()

		previous, err := store.LatestClosing(ctx, owner)
		if err != nil {
			return fmt.Errorf("latest closing: %w", err)
		}

		period, err := periodTotals(ctx, store, owner, today, previous)
		if err != nil {
			return err
		}

		snapshot = ClosingSnapshot{
			ID:           uuid.NewString(),
			Owner:        owner,
			BusinessDate: today,
			CreatedAt:    s.instant(),
			Totals:       period,
			GrandTotal:   period.Total(),
		}
		if err := store.InsertClosing(ctx, snapshot); err != nil {
			return fmt.Errorf("insert closing: %w", err)
		}
		return nil
	})
	if err != nil {
		return ClosingSnapshot{}, err
	}

	if err := s.publisher.PublishClosing(context.WithoutCancel(ctx), snapshot); err != nil {
		s.logger.Error("publish closing failed",
			slog.String("closing_id", snapshot.ID),
			slog.String("owner", string(owner)),
			slog.Any("error", err))
	}
	return snapshot, nil
}

// periodTotals sums what the ledger holds beyond the previous closing.
func periodTotals(ctx context.Context, store LedgerStore, owner OwnerID, today time.Time, previous *ClosingSnapshot) (Totals, error) {
	if previous == nil {
		rows, err := store.SumByMethod(ctx, owner, Day(today), nil)
		if err != nil {
			return Totals{}, fmt.Errorf("sum today: %w", err)
		}
		return Aggregate(rows), nil
	}

	// Remainder of the baseline's own day (or of today when the baseline
	// carries a later date than today).
	pivotDay := previous.BusinessDate
	if pivotDay.After(today) {
		pivotDay = today
	}
	pivot := previous.CreatedAt
	rows, err := store.SumByMethod(ctx, owner, Day(pivotDay), &pivot)
	if err != nil {
		return Totals{}, fmt.Errorf("sum since closing: %w", err)
	}

	if pivotDay.Before(today) {
		later, err := store.SumByMethod(ctx, owner, DateRange{From: pivotDay.AddDate(0, 0, 1), To: today}, nil)
		if err != nil {
			return Totals{}, fmt.Errorf("sum later days: %w", err)
		}
		rows = append(rows, later...)
	}
	return Aggregate(rows), nil
}

// =============================================================================
// CLOSING ADMINISTRATION
// =============================================================================

// ListClosings returns closings matching filter, newest first. Admin only.
func (s *Service) ListClosings(ctx context.Context, caller Identity, filter ClosingFilter) ([]ClosingSnapshot, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, invalid("inicio", "start date after end date")
	}
	return s.store.ListClosings(ctx, filter)
}

// GetClosing loads one closing by id. Admin only.
func (s *Service) GetClosing(ctx context.Context, caller Identity, id string) (ClosingSnapshot, error) {
	if !caller.IsAdmin() {
		return ClosingSnapshot{}, ErrForbidden
	}
	c, err := s.store.GetClosing(ctx, id)
	if err != nil {
		return ClosingSnapshot{}, err
	}
	if c == nil {
		return ClosingSnapshot{}, ErrClosingNotFound
	}
	return *c, nil
}

// DeleteClosing irreversibly removes a closing. Admin only, and only when the
// deployment enables it.
func (s *Service) DeleteClosing(ctx context.Context, caller Identity, id string) error {
	if !caller.IsAdmin() {
		return ErrForbidden
	}
	if !s.allowDelete {
		return ErrClosingDeleteDisabled
	}
	return s.store.DeleteClosing(ctx, id)
}
