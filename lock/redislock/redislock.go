// Package redislock serialises closings across server instances with a
// Redis lock per owner.
//
// The lock is extended every half TTL while the close runs, so the TTL only
// bounds how long a crashed holder blocks closings; it does not have to
// exceed the slowest close. A holder that loses the lock anyway (Redis
// restart, a pause longer than the TTL) no longer excludes other instances;
// the owner row lock of the store still orders the two closes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/warp/cash-register/register"
)

// DefaultTTL bounds how long a crashed holder can block closings.
const DefaultTTL = 30 * time.Second

// Locker implements register.Locker. It does not retry: a held lock fails
// fast with register.ErrCloseInProgress.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

func New(rdb redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, register.ErrCloseInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("%w: obtain lock %s: %w", register.ErrStore, key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(context.WithoutCancel(ctx), lock, stop, done)

	return func(ctx context.Context) error {
		close(stop)
		<-done
		err := lock.Release(ctx)
		if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// keepAlive extends lock every half TTL until stop is closed or the lock is
// no longer ours.
func (l *Locker) keepAlive(ctx context.Context, lock *redislock.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
				return
			}
		}
	}
}
