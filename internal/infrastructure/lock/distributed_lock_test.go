package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTryLockIsExclusive(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := NewRunLock(client, KeyCompost, time.Minute)
	b := NewRunLock(client, KeyCompost, time.Minute)
	require.NotEqual(t, a.Owner(), b.Owner())

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// 其他引擎的锁互不影响
	ok, err = NewRunLock(client, KeyRedistribution, time.Minute).TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnlockOnlyReleasesOwnLock(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	a := NewRunLock(client, KeyCompost, time.Minute)
	b := NewRunLock(client, KeyCompost, time.Minute)
	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Unlock(ctx))
	require.True(t, mr.Exists(KeyCompost))

	require.NoError(t, a.Unlock(ctx))
	require.False(t, mr.Exists(KeyCompost))
}

func TestRefreshAfterExpiry(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	l := NewRunLock(client, KeyCompost, 10*time.Second)
	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(5 * time.Second)
	require.NoError(t, l.Refresh(ctx))
	require.Equal(t, 10*time.Second, mr.TTL(KeyCompost))

	mr.FastForward(11 * time.Second)
	require.ErrorIs(t, l.Refresh(ctx), ErrNotHeld)
}

func TestLockRetriesUntilReleased(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	holder := NewRunLock(client, KeyCompost, time.Minute)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	waiter := NewRunLock(client, KeyCompost, time.Minute)
	require.ErrorIs(t, waiter.Lock(ctx, 5*time.Millisecond, 3), ErrLockFailed)

	mr.Del(KeyCompost)
	require.NoError(t, waiter.Lock(ctx, 5*time.Millisecond, 3))
	got, err := mr.Get(KeyCompost)
	require.NoError(t, err)
	require.Equal(t, waiter.Owner(), got)
}

func TestDoRunsExclusively(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	first := NewRunLock(client, KeyRedistribution, time.Minute)
	second := NewRunLock(client, KeyRedistribution, time.Minute)

	ran := false
	err := first.Do(ctx, func(ctx context.Context) error {
		err := second.Do(ctx, func(context.Context) error {
			ran = true
			return nil
		})
		require.ErrorIs(t, err, ErrLockFailed)
		return nil
	})
	require.NoError(t, err)
	require.False(t, ran)
	require.False(t, mr.Exists(KeyRedistribution))

	// 释放后可以再次执行，fn 的错误原样返回
	boom := errors.New("boom")
	err = second.Do(ctx, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists(KeyRedistribution))
}
