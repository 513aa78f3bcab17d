/*
reconcile.go - Reconciliation engine (current balances)

PURPOSE:
  Answers "what are my cash/card/transfer balances right now, and is the
  register closed?" for one owner and the current business date.

STATES:
  OPEN (no closing today):  sum of every sale of today
  CLOSED:                   the latest closing's stored totals, verbatim
  REOPENED:                 sum of sales recorded after the latest closing

  OPEN and REOPENED are both OpenState; REOPENED carries the pivot instant
  in Since. CLOSED is ClosedState and carries the snapshot itself, so a
  caller cannot pair "closed" with freshly recomputed numbers.

FAILURE:
  Any query failure aborts the read. No partial or stale totals are ever
  returned in place of a failed computation.

SEE ALSO:
  - closing.go: writes the snapshots this engine reads
  - balance.go: Aggregate
*/
package register

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// REGISTER STATE - Tagged variant
// =============================================================================

// RegisterState is either OpenState or ClosedState.
type RegisterState interface {
	Closed() bool
	Totals() Totals
	isRegisterState()
}

// OpenState reports live totals. Since is nil when no closing exists today,
// otherwise it is the CreatedAt of the closing the totals are counted from.
type OpenState struct {
	Since *time.Time
	Sums  Totals
}

func (OpenState) Closed() bool { return false }
func (o OpenState) Totals() Totals { return o.Sums }
func (OpenState) isRegisterState() {}
func (o OpenState) Reopened() bool { return o.Since != nil }

// ClosedState reports the frozen totals of the latest closing.
type ClosedState struct {
	Snapshot ClosingSnapshot
}

func (ClosedState) Closed() bool { return true }
func (c ClosedState) Totals() Totals { return c.Snapshot.Totals }
func (ClosedState) isRegisterState() {}

// =============================================================================
// CURRENT BALANCES
// =============================================================================

// CurrentBalances computes the register state of owner for today. Read-only.
func (s *Service) CurrentBalances(ctx context.Context, owner OwnerID) (RegisterState, error) {
	if _, err := resolveOwner(ctx, s.store, owner); err != nil {
		return nil, err
	}
	return currentState(ctx, s.store, owner, s.Today())
}

func currentState(ctx context.Context, store Store, owner OwnerID, today time.Time) (RegisterState, error) {
	closing, err := store.LatestClosingForDate(ctx, owner, today)
	if err != nil {
		return nil, fmt.Errorf("latest closing: %w", err)
	}

	if closing == nil {
		rows, err := store.SumByMethod(ctx, owner, Day(today), nil)
		if err != nil {
			return nil, fmt.Errorf("sum today: %w", err)
		}
		return OpenState{Sums: Aggregate(rows)}, nil
	}

	reopened, err := store.ExistsAfter(ctx, owner, today, closing.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("activity after closing: %w", err)
	}
	if !reopened {
		return ClosedState{Snapshot: *closing}, nil
	}

	since := closing.CreatedAt
	rows, err := store.SumByMethod(ctx, owner, Day(today), &since)
	if err != nil {
		return nil, fmt.Errorf("sum since closing: %w", err)
	}
	return OpenState{Since: &since, Sums: Aggregate(rows)}, nil
}
