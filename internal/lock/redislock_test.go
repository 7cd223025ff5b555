package lock_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client, Prefix: "pc", RetryBackoff: 5 * time.Millisecond}, mr
}

func TestWithLockExcludesConcurrentHolders(t *testing.T) {
	locker, _ := newLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var inside, peak atomic.Int32
	errs := make(chan error, 4)
	for range 4 {
		go func() {
			errs <- locker.WithLock(ctx, "txn-1:invoice", time.Second, func(context.Context) error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	for range 4 {
		require.NoError(t, <-errs)
	}
	require.EqualValues(t, 1, peak.Load())
}

func TestWithLockReleasesKey(t *testing.T) {
	locker, mr := newLocker(t)

	err := locker.WithLock(context.Background(), "txn-2", time.Second, func(context.Context) error {
		require.True(t, mr.Exists("pc:lock:txn-2"))
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists("pc:lock:txn-2"))
}

func TestWithLockGivesUpWhenContextEnds(t *testing.T) {
	locker, mr := newLocker(t)
	require.NoError(t, mr.Set("pc:lock:txn-3", "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	called := false
	err := locker.WithLock(ctx, "txn-3", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, called)
	v, _ := mr.Get("pc:lock:txn-3")
	require.Equal(t, "someone-else", v)
}

func TestWithLockRenewsLease(t *testing.T) {
	locker, mr := newLocker(t)

	err := locker.WithLock(context.Background(), "txn-4", 90*time.Millisecond, func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		require.True(t, mr.Exists("pc:lock:txn-4"))
		require.Greater(t, mr.TTL("pc:lock:txn-4"), time.Duration(0))
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockReportsLostLease(t *testing.T) {
	locker, mr := newLocker(t)

	err := locker.WithLock(context.Background(), "txn-5", 60*time.Millisecond, func(ctx context.Context) error {
		require.NoError(t, mr.Set("pc:lock:txn-5", "thief"))
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return nil
	})
	require.ErrorIs(t, err, lock.ErrLeaseLost)
	v, _ := mr.Get("pc:lock:txn-5")
	require.Equal(t, "thief", v)
}
