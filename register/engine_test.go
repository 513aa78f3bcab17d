package register_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cash-register/register"
	"github.com/warp/cash-register/register/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

const owner = register.OwnerID("ana")

var staff = register.Identity{Owner: owner, Role: register.RoleStandard}

func newTestService(t *testing.T, opts ...register.Option) (*register.Service, *testClock, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clk := &testClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	svc := register.NewService(mem, append([]register.Option{register.WithNow(clk.Now)}, opts...)...)

	_, err := svc.EnsureUser(context.Background(), owner, register.RoleStandard)
	require.NoError(t, err)
	return svc, clk, mem
}

// sell records a sale for today one minute after the previous event.
func sell(t *testing.T, svc *register.Service, clk *testClock, method register.PaymentMethod, amount string) register.Transaction {
	t.Helper()
	clk.Advance(time.Minute)
	tx, err := svc.RegisterSale(context.Background(), staff, register.SaleInput{
		OccurredOn: svc.Today(),
		Method:     method,
		Amount:     dec(amount),
	})
	require.NoError(t, err)
	return tx
}

func closeRegister(t *testing.T, svc *register.Service, clk *testClock) register.ClosingSnapshot {
	t.Helper()
	clk.Advance(time.Minute)
	snap, err := svc.CloseRegister(context.Background(), owner)
	require.NoError(t, err)
	return snap
}

func balances(t *testing.T, svc *register.Service) register.RegisterState {
	t.Helper()
	state, err := svc.CurrentBalances(context.Background(), owner)
	require.NoError(t, err)
	return state
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_OpenCloseReopenClose(t *testing.T) {
	svc, clk, _ := newTestService(t)

	// three sales, no prior closing
	sell(t, svc, clk, register.MethodCash, "10.00")
	sell(t, svc, clk, register.MethodCard, "20.00")
	sell(t, svc, clk, register.MethodCash, "5.00")

	state := balances(t, svc)
	assert.False(t, state.Closed())
	assertTotals(t, totals("15", "20", "0"), state.Totals())
	assert.True(t, dec("35").Equal(state.Totals().Total()))
	open, ok := state.(register.OpenState)
	require.True(t, ok)
	assert.False(t, open.Reopened())

	// close
	first := closeRegister(t, svc, clk)
	assertTotals(t, totals("15", "20", "0"), first.Totals)
	assert.True(t, dec("35").Equal(first.GrandTotal))

	state = balances(t, svc)
	assert.True(t, state.Closed())
	assertTotals(t, totals("15", "20", "0"), state.Totals())

	// one transfer after the closing reopens the register
	sell(t, svc, clk, register.MethodTransfer, "7.50")

	state = balances(t, svc)
	assert.False(t, state.Closed())
	assertTotals(t, totals("0", "0", "7.5"), state.Totals())
	open, ok = state.(register.OpenState)
	require.True(t, ok)
	require.True(t, open.Reopened())
	assert.True(t, first.CreatedAt.Equal(*open.Since))

	// second close carries only the period
	second := closeRegister(t, svc, clk)
	assertTotals(t, totals("0", "0", "7.5"), second.Totals)
	assert.True(t, dec("7.50").Equal(second.GrandTotal))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestPartitionInvariant_ManyClosingsOneDay(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	amounts := [][]string{{"10", "2.5"}, {}, {"1.25"}, {"3", "4", "0.75"}}
	var closed register.Totals
	for _, round := range amounts {
		for _, a := range round {
			sell(t, svc, clk, register.MethodCash, a)
		}
		snap := closeRegister(t, svc, clk)
		closed = closed.Add(snap.Totals)
		assert.True(t, snap.Totals.Total().Equal(snap.GrandTotal))
		assert.False(t, snap.GrandTotal.IsNegative())
	}
	sell(t, svc, clk, register.MethodCard, "9.99")

	all, err := svc.ListSales(ctx, staff, register.TransactionFilter{})
	require.NoError(t, err)
	ledger := register.AggregateTransactions(all)

	state := balances(t, svc)
	assertTotals(t, ledger, closed.Add(state.Totals()))
}

func TestFrozenMeansFrozen(t *testing.T) {
	svc, clk, _ := newTestService(t)
	sell(t, svc, clk, register.MethodCard, "12.00")
	snap := closeRegister(t, svc, clk)

	for i := 0; i < 3; i++ {
		clk.Advance(time.Hour)
		state := balances(t, svc)
		require.True(t, state.Closed())
		assertTotals(t, snap.Totals, state.Totals())
	}
}

func TestReopening_SingleSale(t *testing.T) {
	svc, clk, _ := newTestService(t)
	sell(t, svc, clk, register.MethodCash, "50.00")
	closeRegister(t, svc, clk)

	sell(t, svc, clk, register.MethodCard, "3.20")

	state := balances(t, svc)
	assert.False(t, state.Closed())
	assertTotals(t, totals("0", "3.2", "0"), state.Totals())
}

func TestClosingTwiceWithoutActivity_IsZero(t *testing.T) {
	svc, clk, _ := newTestService(t)
	sell(t, svc, clk, register.MethodCash, "8.00")
	closeRegister(t, svc, clk)

	second := closeRegister(t, svc, clk)

	assert.True(t, second.Totals.IsZero())
	assert.True(t, second.GrandTotal.IsZero())
}

func TestCloseEmptyDay_IsZero(t *testing.T) {
	svc, clk, _ := newTestService(t)

	snap := closeRegister(t, svc, clk)

	assert.True(t, snap.Totals.IsZero())
	assert.Equal(t, svc.Today(), snap.BusinessDate)
}

// =============================================================================
// ACROSS DATES
// =============================================================================

func TestClosing_UnclosedRemainderRollsIntoNextDay(t *testing.T) {
	// GIVEN: day 1 closed, then one more sale on day 1 that is never closed
	svc, clk, _ := newTestService(t)
	sell(t, svc, clk, register.MethodCash, "10.00")
	closeRegister(t, svc, clk)
	sell(t, svc, clk, register.MethodCash, "3.00")

	// WHEN: day 2 has a sale and is closed
	clk.Advance(24 * time.Hour)
	sell(t, svc, clk, register.MethodCard, "5.00")

	// THEN: the day 2 balance shows only day 2, the closing carries both
	state := balances(t, svc)
	assert.False(t, state.Closed())
	assertTotals(t, totals("0", "5", "0"), state.Totals())

	snap := closeRegister(t, svc, clk)
	assertTotals(t, totals("3", "5", "0"), snap.Totals)
}

func TestClosing_PreviousDayClosedDoesNotGoNegative(t *testing.T) {
	svc, clk, _ := newTestService(t)
	sell(t, svc, clk, register.MethodCash, "100.00")
	closeRegister(t, svc, clk)

	clk.Advance(24 * time.Hour)
	sell(t, svc, clk, register.MethodCash, "20.00")
	snap := closeRegister(t, svc, clk)

	assertTotals(t, totals("20", "0", "0"), snap.Totals)
}

func TestBalances_NewDayStartsOpen(t *testing.T) {
	svc, clk, _ := newTestService(t)
	sell(t, svc, clk, register.MethodCash, "10.00")
	closeRegister(t, svc, clk)

	clk.Advance(24 * time.Hour)

	state := balances(t, svc)
	assert.False(t, state.Closed())
	assert.True(t, state.Totals().IsZero())
}

func TestClosing_SaleDatedAheadIsClosedOnItsDay(t *testing.T) {
	// GIVEN: on day 1 a cash sale and a card sale already dated day 2
	svc, clk, _ := newTestService(t)
	ctx := context.Background()
	sell(t, svc, clk, register.MethodCash, "10.00")
	clk.Advance(time.Minute)
	_, err := svc.RegisterSale(ctx, staff, register.SaleInput{
		OccurredOn: svc.Today().AddDate(0, 0, 1),
		Method:     register.MethodCard,
		Amount:     dec("5.00"),
	})
	require.NoError(t, err)

	// WHEN: day 1 is closed
	snap := closeRegister(t, svc, clk)

	// THEN: only the day 1 sale is in it
	assertTotals(t, totals("10", "0", "0"), snap.Totals)

	// WHEN: day 2 arrives
	clk.Advance(24 * time.Hour)

	// THEN: the sale dated ahead is open, and closing day 2 freezes it
	state := balances(t, svc)
	assert.False(t, state.Closed())
	assertTotals(t, totals("0", "5", "0"), state.Totals())

	snap = closeRegister(t, svc, clk)
	assertTotals(t, totals("0", "5", "0"), snap.Totals)

	state = balances(t, svc)
	assert.True(t, state.Closed())
	assertTotals(t, totals("0", "5", "0"), state.Totals())

	// AND: a later closing does not count it again
	clk.Advance(24 * time.Hour)
	snap = closeRegister(t, svc, clk)
	assert.True(t, snap.Totals.IsZero())
}

func TestClosing_SaleEditedForwardIsClosedOnItsNewDay(t *testing.T) {
	// GIVEN: a sale of day 1 moved to day 2 before day 1 is closed
	svc, clk, _ := newTestService(t)
	ctx := context.Background()
	tx := sell(t, svc, clk, register.MethodTransfer, "7.50")
	clk.Advance(time.Minute)
	_, err := svc.UpdateSale(ctx, staff, tx.ID, register.SaleInput{
		OccurredOn: svc.Today().AddDate(0, 0, 1),
		Method:     register.MethodTransfer,
		Amount:     dec("7.50"),
	})
	require.NoError(t, err)
	snap := closeRegister(t, svc, clk)
	assert.True(t, snap.Totals.IsZero())

	// WHEN: day 2 is closed
	clk.Advance(24 * time.Hour)
	snap = closeRegister(t, svc, clk)

	// THEN: the moved sale is in the day 2 closing
	assertTotals(t, totals("0", "0", "7.50"), snap.Totals)
}

func TestToday_UsesBusinessTimezone(t *testing.T) {
	lisbon, err := time.LoadLocation("Europe/Lisbon")
	require.NoError(t, err)
	// 23:30 UTC on 30 June is already 1 July in Lisbon (UTC+1)
	now := time.Date(2025, time.June, 30, 23, 30, 0, 0, time.UTC)
	svc := register.NewService(store.NewMemory(),
		register.WithLocation(lisbon),
		register.WithNow(func() time.Time { return now }))

	assert.Equal(t, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), svc.Today())
}

// =============================================================================
// FAILURES
// =============================================================================

func TestBalances_UnknownOwner(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CurrentBalances(context.Background(), "ghost")
	assert.ErrorIs(t, err, register.ErrOwnerNotFound)
	assert.True(t, register.IsNotFound(err))

	_, err = svc.CloseRegister(context.Background(), "ghost")
	assert.ErrorIs(t, err, register.ErrOwnerNotFound)
}

var errBoom = errors.New("boom")

// failingStore fails every ledger sum, inside and outside transactions.
type failingStore struct {
	*store.Memory
}

func (f failingStore) SumByMethod(context.Context, register.OwnerID, register.DateRange, *time.Time) ([]register.AmountRow, error) {
	return nil, errBoom
}

func (f failingStore) WithTx(ctx context.Context, fn func(register.Store) error) error {
	return f.Memory.WithTx(ctx, func(s register.Store) error {
		return fn(failingView{Store: s})
	})
}

type failingView struct {
	register.Store
}

func (failingView) SumByMethod(context.Context, register.OwnerID, register.DateRange, *time.Time) ([]register.AmountRow, error) {
	return nil, errBoom
}

func TestStoreFailure_NoPartialResults(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveUser(ctx, register.User{Username: owner, Role: register.RoleStandard}))
	svc := register.NewService(failingStore{Memory: mem})

	state, err := svc.CurrentBalances(ctx, owner)
	assert.ErrorIs(t, err, errBoom)
	assert.Nil(t, state)

	_, err = svc.CloseRegister(ctx, owner)
	assert.ErrorIs(t, err, errBoom)

	closings, err := mem.ListClosings(ctx, register.ClosingFilter{})
	require.NoError(t, err)
	assert.Empty(t, closings)
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string) (func(context.Context) error, error) {
	return nil, register.ErrCloseInProgress
}

func TestClose_LockHeldElsewhere(t *testing.T) {
	svc, _, mem := newTestService(t, register.WithLocker(busyLocker{}))

	_, err := svc.CloseRegister(context.Background(), owner)
	assert.ErrorIs(t, err, register.ErrCloseInProgress)
	assert.True(t, register.IsClientError(err))

	closings, err := mem.ListClosings(context.Background(), register.ClosingFilter{})
	require.NoError(t, err)
	assert.Empty(t, closings)
}

type countingLocker struct {
	keys     []string
	released int
}

func (l *countingLocker) Lock(_ context.Context, key string) (func(context.Context) error, error) {
	l.keys = append(l.keys, key)
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

func TestClose_LockAcquiredAndReleased(t *testing.T) {
	locker := &countingLocker{}
	svc, clk, _ := newTestService(t, register.WithLocker(locker))

	closeRegister(t, svc, clk)

	assert.Equal(t, []string{register.CloseLockKey(owner)}, locker.keys)
	assert.Equal(t, 1, locker.released)
}

// waitingStore makes every LockOwner inside a transaction take an hour, as if
// it queued behind another writer of the same owner.
type waitingStore struct {
	*store.Memory
	clk    *testClock
	locked *[]register.OwnerID
}

func (w waitingStore) WithTx(ctx context.Context, fn func(register.Store) error) error {
	return w.Memory.WithTx(ctx, func(s register.Store) error {
		return fn(waitingView{Store: s, w: w})
	})
}

type waitingView struct {
	register.Store
	w waitingStore
}

func (v waitingView) LockOwner(ctx context.Context, owner register.OwnerID) error {
	*v.w.locked = append(*v.w.locked, owner)
	v.w.clk.Advance(time.Hour)
	return v.Store.LockOwner(ctx, owner)
}

func TestWrites_ReadClockAfterOwnerLock(t *testing.T) {
	mem := store.NewMemory()
	clk := &testClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	var locked []register.OwnerID
	svc := register.NewService(waitingStore{Memory: mem, clk: clk, locked: &locked}, register.WithNow(clk.Now))
	ctx := context.Background()
	_, err := svc.EnsureUser(ctx, owner, register.RoleStandard)
	require.NoError(t, err)

	// WHEN: a sale waits for the owner lock
	tx, err := svc.RegisterSale(ctx, staff, register.SaleInput{
		OccurredOn: svc.Today(), Method: register.MethodCash, Amount: dec("1.00"),
	})
	require.NoError(t, err)

	// THEN: it is stamped with the time it got the lock
	assert.Equal(t, time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC), tx.RecordedAt)

	// WHEN: a close waits for the owner lock
	snap, err := svc.CloseRegister(ctx, owner)
	require.NoError(t, err)

	// THEN: its CreatedAt is after the wait, and it holds the sale
	assert.Equal(t, time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC), snap.CreatedAt)
	assertTotals(t, totals("1", "0", "0"), snap.Totals)

	// AND: every other write of the owner takes the same lock
	_, err = svc.UpdateSale(ctx, staff, tx.ID, register.SaleInput{
		OccurredOn: tx.OccurredOn, Method: register.MethodCard, Amount: dec("1.00"),
	})
	require.NoError(t, err)
	require.NoError(t, svc.SetDocSequence(ctx, staff, 5))
	require.NoError(t, svc.DeleteSale(ctx, staff, tx.ID))
	assert.Equal(t, []register.OwnerID{owner, owner, owner, owner, owner}, locked)
}

// =============================================================================
// CLOSING ADMINISTRATION
// =============================================================================

var admin = register.Identity{Owner: "root", Role: register.RoleAdmin}

func TestClosingAdministration(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()
	sell(t, svc, clk, register.MethodCash, "1.00")
	snap := closeRegister(t, svc, clk)

	_, err := svc.ListClosings(ctx, staff, register.ClosingFilter{})
	assert.ErrorIs(t, err, register.ErrForbidden)

	list, err := svc.ListClosings(ctx, admin, register.ClosingFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.ID, list[0].ID)

	got, err := svc.GetClosing(ctx, admin, snap.ID)
	require.NoError(t, err)
	assertTotals(t, snap.Totals, got.Totals)

	_, err = svc.GetClosing(ctx, admin, "missing")
	assert.ErrorIs(t, err, register.ErrClosingNotFound)

	err = svc.DeleteClosing(ctx, admin, snap.ID)
	assert.ErrorIs(t, err, register.ErrClosingDeleteDisabled)
}

func TestDeleteClosing_WhenEnabled(t *testing.T) {
	svc, clk, _ := newTestService(t, register.WithClosingDelete(true))
	ctx := context.Background()
	sell(t, svc, clk, register.MethodCash, "1.00")
	snap := closeRegister(t, svc, clk)

	assert.ErrorIs(t, svc.DeleteClosing(ctx, staff, snap.ID), register.ErrForbidden)
	require.NoError(t, svc.DeleteClosing(ctx, admin, snap.ID))
	assert.ErrorIs(t, svc.DeleteClosing(ctx, admin, snap.ID), register.ErrClosingNotFound)

	// With the closing gone the register is open again
	state := balances(t, svc)
	assert.False(t, state.Closed())
	assertTotals(t, totals("1", "0", "0"), state.Totals())
}

func TestListClosings_InvalidRange(t *testing.T) {
	svc, _, _ := newTestService(t)
	from := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, -1)

	_, err := svc.ListClosings(context.Background(), admin, register.ClosingFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, register.ErrValidation)
}

type recordingPublisher struct {
	published []register.ClosingSnapshot
	err       error
}

func (p *recordingPublisher) PublishClosing(_ context.Context, c register.ClosingSnapshot) error {
	p.published = append(p.published, c)
	return p.err
}

func TestClose_PublishesCommittedSnapshot(t *testing.T) {
	pub := &recordingPublisher{}
	svc, clk, _ := newTestService(t, register.WithPublisher(pub))
	sell(t, svc, clk, register.MethodCash, "2.00")

	snap := closeRegister(t, svc, clk)

	require.Len(t, pub.published, 1)
	assert.Equal(t, snap.ID, pub.published[0].ID)
}

func TestClose_PublishFailureKeepsClosing(t *testing.T) {
	pub := &recordingPublisher{err: errBoom}
	svc, clk, _ := newTestService(t, register.WithPublisher(pub))
	sell(t, svc, clk, register.MethodCash, "2.00")
	clk.Advance(time.Minute)

	snap, err := svc.CloseRegister(context.Background(), owner)
	require.NoError(t, err)

	state := balances(t, svc)
	require.True(t, state.Closed())
	assert.Equal(t, snap.ID, state.(register.ClosedState).Snapshot.ID)
}
