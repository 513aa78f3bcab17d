// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/cash-register/register"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements register.TxStore. WithTx is simulated with a copy of the
// state that is restored when fn fails.
type Memory struct {
	mu sync.RWMutex
	st *memoryState
}

type memoryState struct {
	users        map[register.OwnerID]register.User
	transactions map[string]register.Transaction
	closings     []register.ClosingSnapshot // insertion order
	sequences    map[register.OwnerID]int64
}

func NewMemory() *Memory {
	return &Memory{st: &memoryState{
		users:        make(map[register.OwnerID]register.User),
		transactions: make(map[string]register.Transaction),
		sequences:    make(map[register.OwnerID]int64),
	}}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		users:        make(map[register.OwnerID]register.User, len(s.users)),
		transactions: make(map[string]register.Transaction, len(s.transactions)),
		closings:     append([]register.ClosingSnapshot{}, s.closings...),
		sequences:    make(map[register.OwnerID]int64, len(s.sequences)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	return c
}

// WithTx executes fn against the store; on error every write made by fn is
// discarded.
func (m *Memory) WithTx(ctx context.Context, fn func(register.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&memoryView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) view() *memoryView { return &memoryView{st: m.st} }

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) InsertTransaction(ctx context.Context, tx register.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertTransaction(ctx, tx)
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (*register.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetTransaction(ctx, id)
}

func (m *Memory) ListTransactions(ctx context.Context, filter register.TransactionFilter) ([]register.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListTransactions(ctx, filter)
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx register.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpdateTransaction(ctx, tx)
}

func (m *Memory) DeleteTransaction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeleteTransaction(ctx, id)
}

func (m *Memory) SumByMethod(ctx context.Context, owner register.OwnerID, days register.DateRange, after *time.Time) ([]register.AmountRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().SumByMethod(ctx, owner, days, after)
}

func (m *Memory) ExistsAfter(ctx context.Context, owner register.OwnerID, day time.Time, after time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ExistsAfter(ctx, owner, day, after)
}

func (m *Memory) LatestClosingForDate(ctx context.Context, owner register.OwnerID, day time.Time) (*register.ClosingSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().LatestClosingForDate(ctx, owner, day)
}

func (m *Memory) LatestClosing(ctx context.Context, owner register.OwnerID) (*register.ClosingSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().LatestClosing(ctx, owner)
}

func (m *Memory) InsertClosing(ctx context.Context, c register.ClosingSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().InsertClosing(ctx, c)
}

func (m *Memory) GetClosing(ctx context.Context, id string) (*register.ClosingSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetClosing(ctx, id)
}

func (m *Memory) ListClosings(ctx context.Context, filter register.ClosingFilter) ([]register.ClosingSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListClosings(ctx, filter)
}

func (m *Memory) DeleteClosing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeleteClosing(ctx, id)
}

func (m *Memory) GetUser(ctx context.Context, username register.OwnerID) (*register.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetUser(ctx, username)
}

func (m *Memory) SaveUser(ctx context.Context, u register.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SaveUser(ctx, u)
}

func (m *Memory) ListUsers(ctx context.Context) ([]register.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListUsers(ctx)
}

func (m *Memory) DeleteUser(ctx context.Context, username register.OwnerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeleteUser(ctx, username)
}

// LockOwner is a no-op: WithTx already holds the store exclusively.
func (m *Memory) LockOwner(context.Context, register.OwnerID) error { return nil }

func (m *Memory) PeekDocNumber(ctx context.Context, owner register.OwnerID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().PeekDocNumber(ctx, owner)
}

func (m *Memory) AdvanceDocNumber(ctx context.Context, owner register.OwnerID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AdvanceDocNumber(ctx, owner)
}

func (m *Memory) SetDocNumber(ctx context.Context, owner register.OwnerID, last int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SetDocNumber(ctx, owner, last)
}

// =============================================================================
// UNLOCKED VIEW - caller holds the lock
// =============================================================================

type memoryView struct {
	st *memoryState
}

func (v *memoryView) InsertTransaction(_ context.Context, tx register.Transaction) error {
	v.st.transactions[tx.ID] = tx
	return nil
}

func (v *memoryView) GetTransaction(_ context.Context, id string) (*register.Transaction, error) {
	tx, ok := v.st.transactions[id]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (v *memoryView) ListTransactions(_ context.Context, filter register.TransactionFilter) ([]register.Transaction, error) {
	var result []register.Transaction
	for _, tx := range v.st.transactions {
		if filter.Owner != nil && tx.Owner != *filter.Owner {
			continue
		}
		if filter.From != nil && tx.OccurredOn.Before(*filter.From) {
			continue
		}
		if filter.To != nil && tx.OccurredOn.After(*filter.To) {
			continue
		}
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredOn.Equal(result[j].OccurredOn) {
			return result[i].OccurredOn.After(result[j].OccurredOn)
		}
		return result[i].RecordedAt.After(result[j].RecordedAt)
	})
	return result, nil
}

func (v *memoryView) UpdateTransaction(_ context.Context, tx register.Transaction) error {
	if _, ok := v.st.transactions[tx.ID]; !ok {
		return register.ErrTransactionNotFound
	}
	v.st.transactions[tx.ID] = tx
	return nil
}

func (v *memoryView) DeleteTransaction(_ context.Context, id string) error {
	if _, ok := v.st.transactions[id]; !ok {
		return register.ErrTransactionNotFound
	}
	delete(v.st.transactions, id)
	return nil
}

func (v *memoryView) SumByMethod(_ context.Context, owner register.OwnerID, days register.DateRange, after *time.Time) ([]register.AmountRow, error) {
	var rows []register.AmountRow
	for _, tx := range v.st.transactions {
		if tx.Owner != owner || !days.Contains(tx.OccurredOn) {
			continue
		}
		if after != nil && !tx.RecordedAt.After(*after) {
			continue
		}
		rows = append(rows, register.AmountRow{Method: string(tx.Method), Amount: tx.Amount.String()})
	}
	return rows, nil
}

func (v *memoryView) ExistsAfter(_ context.Context, owner register.OwnerID, day time.Time, after time.Time) (bool, error) {
	for _, tx := range v.st.transactions {
		if tx.Owner == owner && tx.OccurredOn.Equal(day) && tx.RecordedAt.After(after) {
			return true, nil
		}
	}
	return false, nil
}

// latest picks the closing with the greatest CreatedAt; ties go to the one
// inserted last.
func (v *memoryView) latest(match func(register.ClosingSnapshot) bool) *register.ClosingSnapshot {
	var best *register.ClosingSnapshot
	for i := range v.st.closings {
		c := v.st.closings[i]
		if !match(c) {
			continue
		}
		if best == nil || !c.CreatedAt.Before(best.CreatedAt) {
			best = &c
		}
	}
	return best
}

func (v *memoryView) LatestClosingForDate(_ context.Context, owner register.OwnerID, day time.Time) (*register.ClosingSnapshot, error) {
	return v.latest(func(c register.ClosingSnapshot) bool {
		return c.Owner == owner && c.BusinessDate.Equal(day)
	}), nil
}

func (v *memoryView) LatestClosing(_ context.Context, owner register.OwnerID) (*register.ClosingSnapshot, error) {
	return v.latest(func(c register.ClosingSnapshot) bool { return c.Owner == owner }), nil
}

func (v *memoryView) InsertClosing(_ context.Context, c register.ClosingSnapshot) error {
	v.st.closings = append(v.st.closings, c)
	return nil
}

func (v *memoryView) GetClosing(_ context.Context, id string) (*register.ClosingSnapshot, error) {
	for _, c := range v.st.closings {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (v *memoryView) ListClosings(_ context.Context, filter register.ClosingFilter) ([]register.ClosingSnapshot, error) {
	var result []register.ClosingSnapshot
	for i := len(v.st.closings) - 1; i >= 0; i-- {
		c := v.st.closings[i]
		if filter.Owner != nil && c.Owner != *filter.Owner {
			continue
		}
		if filter.From != nil && c.BusinessDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && c.BusinessDate.After(*filter.To) {
			continue
		}
		result = append(result, c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (v *memoryView) DeleteClosing(_ context.Context, id string) error {
	for i, c := range v.st.closings {
		if c.ID == id {
			v.st.closings = append(v.st.closings[:i:i], v.st.closings[i+1:]...)
			return nil
		}
	}
	return register.ErrClosingNotFound
}

func (v *memoryView) GetUser(_ context.Context, username register.OwnerID) (*register.User, error) {
	u, ok := v.st.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (v *memoryView) SaveUser(_ context.Context, u register.User) error {
	v.st.users[u.Username] = u
	return nil
}

func (v *memoryView) ListUsers(_ context.Context) ([]register.User, error) {
	users := make([]register.User, 0, len(v.st.users))
	for _, u := range v.st.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (v *memoryView) DeleteUser(_ context.Context, username register.OwnerID) error {
	if _, ok := v.st.users[username]; !ok {
		return register.ErrOwnerNotFound
	}
	for _, tx := range v.st.transactions {
		if tx.Owner == username {
			return register.ErrUserInUse
		}
	}
	for _, c := range v.st.closings {
		if c.Owner == username {
			return register.ErrUserInUse
		}
	}
	delete(v.st.users, username)
	delete(v.st.sequences, username)
	return nil
}

func (v *memoryView) LockOwner(context.Context, register.OwnerID) error { return nil }

func (v *memoryView) PeekDocNumber(_ context.Context, owner register.OwnerID) (int64, error) {
	return v.st.sequences[owner] + 1, nil
}

func (v *memoryView) AdvanceDocNumber(_ context.Context, owner register.OwnerID) (int64, error) {
	v.st.sequences[owner]++
	return v.st.sequences[owner], nil
}

func (v *memoryView) SetDocNumber(_ context.Context, owner register.OwnerID, last int64) error {
	v.st.sequences[owner] = max(v.st.sequences[owner], last)
	return nil
}
