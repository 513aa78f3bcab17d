package redislock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cash-register/lock/redislock"
	"github.com/warp/cash-register/register"
)

func newTestLocker(t *testing.T) (*redislock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redislock.New(rdb, time.Second), mr
}

func TestLocker_SecondHolderIsRejected(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()
	key := register.CloseLockKey("ana")

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, key)
	assert.ErrorIs(t, err, register.ErrCloseInProgress)

	// other owners are independent
	unlockOther, err := locker.Lock(ctx, register.CloseLockKey("rui"))
	require.NoError(t, err)
	require.NoError(t, unlockOther(ctx))

	require.NoError(t, unlock(ctx))

	unlock, err = locker.Lock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestLocker_ExpiredLockCanBeRetaken(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()
	key := register.CloseLockKey("ana")

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	again, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, again(ctx))

	// releasing the expired lock is not an error
	assert.NoError(t, unlock(ctx))
}

func TestLocker_HeldLockIsRefreshed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	const ttl = 200 * time.Millisecond
	locker := redislock.New(rdb, ttl)
	ctx := context.Background()
	key := register.CloseLockKey("ana")

	// GIVEN: a held lock close to expiry
	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	mr.FastForward(150 * time.Millisecond)

	// WHEN: the holder keeps running
	require.Eventually(t, func() bool { return mr.TTL(key) > 100*time.Millisecond },
		2*time.Second, 10*time.Millisecond)

	// THEN: the lock outlives its original TTL
	mr.FastForward(150 * time.Millisecond)
	_, err = locker.Lock(ctx, key)
	assert.ErrorIs(t, err, register.ErrCloseInProgress)

	// AND: after release nothing extends it again
	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists(key))
	again, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocker_ServiceRejectsConcurrentClose(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	held, err := locker.Lock(ctx, register.CloseLockKey("ana"))
	require.NoError(t, err)
	defer held(ctx)

	svc := register.NewService(nil, register.WithLocker(locker))
	_, err = svc.CloseRegister(ctx, "ana")
	assert.ErrorIs(t, err, register.ErrCloseInProgress)
}
