package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestMutex(t *testing.T) (*KeyMutex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewKeyMutex(client), mr
}

func TestKeyMutexAcquireRelease(t *testing.T) {
	mutex, mr := newTestMutex(t)
	ctx := context.Background()

	release, err := mutex.Acquire(ctx, VoucherLockKey(42))
	require.NoError(t, err)
	require.True(t, mr.Exists(VoucherLockKey(42)))

	release()
	require.False(t, mr.Exists(VoucherLockKey(42)))
}

func TestKeyMutexContendedTimesOut(t *testing.T) {
	mutex, _ := newTestMutex(t)
	mutex.wait = 100 * time.Millisecond
	ctx := context.Background()

	release, err := mutex.Acquire(ctx, PeriodLockKey("2025-03"))
	require.NoError(t, err)
	defer release()

	_, err = mutex.Acquire(ctx, PeriodLockKey("2025-03"))
	require.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestKeyMutexAcquireManyReleasesOnFailure(t *testing.T) {
	mutex, mr := newTestMutex(t)
	mutex.wait = 100 * time.Millisecond
	ctx := context.Background()

	blocker, err := mutex.Acquire(ctx, VoucherLockKey(2))
	require.NoError(t, err)
	defer blocker()

	_, err = mutex.AcquireMany(ctx, []string{VoucherLockKey(1), VoucherLockKey(2)})
	require.ErrorIs(t, err, ErrLockNotAcquired)
	require.False(t, mr.Exists(VoucherLockKey(1)))
}

func TestKeyMutexReleaseIgnoresForeignToken(t *testing.T) {
	mutex, mr := newTestMutex(t)
	ctx := context.Background()

	release, err := mutex.Acquire(ctx, VoucherLockKey(7))
	require.NoError(t, err)

	// Simulate TTL expiry plus takeover by another process.
	mr.Del(VoucherLockKey(7))
	require.NoError(t, mr.Set(VoucherLockKey(7), "other-token"))

	release()
	require.True(t, mr.Exists(VoucherLockKey(7)), "release must not delete a lock it no longer owns")
}
