package register

import "context"

// Locker guards the read-then-insert sequence of a closing. Lock returns
// ErrCloseInProgress when another holder owns key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

// NopLocker never blocks. Concurrent closes for one owner may then both
// insert a snapshot with the same period amounts.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// CloseLockKey is the lock key for closings of owner.
func CloseLockKey(owner OwnerID) string {
	return "register:close:" + string(owner)
}

// ClosingPublisher announces committed closings to other systems. A failed
// publish never undoes the closing.
type ClosingPublisher interface {
	PublishClosing(ctx context.Context, c ClosingSnapshot) error
}

type NopPublisher struct{}

func (NopPublisher) PublishClosing(context.Context, ClosingSnapshot) error { return nil }
