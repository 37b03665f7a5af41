package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DEEJ4Y/jobstore"
	"github.com/DEEJ4Y/jobstore/memory"
)

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	locks := jobstore.NewLockManager(memory.New(), zaptest.NewLogger(t))
	a := jobstore.NewTriggerKey("a", "group")
	b := jobstore.NewTriggerKey("b", "group")

	t.Run("only one holder", func(t *testing.T) {
		ok, err := locks.TryAcquire(ctx, a, jobstore.LockTypeTrigger, "one", epoch)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = locks.TryAcquire(ctx, a, jobstore.LockTypeTrigger, "two", epoch)
		require.NoError(t, err)
		assert.False(t, ok)

		// Not re-entrant either.
		ok, err = locks.TryAcquire(ctx, a, jobstore.LockTypeTrigger, "one", epoch)
		require.NoError(t, err)
		assert.False(t, ok)

		holder, err := locks.Holder(ctx, a, jobstore.LockTypeTrigger)
		require.NoError(t, err)
		assert.Equal(t, "one", holder)
	})

	t.Run("lock types are independent", func(t *testing.T) {
		ok, err := locks.TryAcquire(ctx, a, "OTHER", "two", epoch)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = locks.Release(ctx, a, "OTHER", "two")
		require.NoError(t, err)
	})

	t.Run("release by non-owner is a no-op", func(t *testing.T) {
		ok, err := locks.Release(ctx, a, jobstore.LockTypeTrigger, "two")
		require.NoError(t, err)
		assert.False(t, ok)

		holder, err := locks.Holder(ctx, a, jobstore.LockTypeTrigger)
		require.NoError(t, err)
		assert.Equal(t, "one", holder)
	})

	t.Run("reclaim only stale locks", func(t *testing.T) {
		ok, err := locks.TryAcquire(ctx, b, jobstore.LockTypeTrigger, "two", epoch.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		reclaimed, err := locks.ReclaimStale(ctx, epoch.Add(30*time.Second))
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, a, reclaimed[0].TriggerKey)
		assert.Equal(t, "one", reclaimed[0].InstanceID)
		assert.True(t, reclaimed[0].AcquiredAt.Equal(epoch))

		holder, err := locks.Holder(ctx, a, jobstore.LockTypeTrigger)
		require.NoError(t, err)
		assert.Empty(t, holder)

		n, err := locks.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("heartbeat keeps locks fresh", func(t *testing.T) {
		touched, err := locks.Heartbeat(ctx, "two", epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, touched)

		reclaimed, err := locks.ReclaimStale(ctx, epoch.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, reclaimed)

		owned, err := locks.Owned(ctx, "two")
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, b, owned[0].TriggerKey())
		assert.True(t, owned[0].AcquiredAt.Equal(epoch.Add(time.Hour)))
	})

	t.Run("owner releases", func(t *testing.T) {
		ok, err := locks.Release(ctx, b, jobstore.LockTypeTrigger, "two")
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := locks.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestLockManagerStoreFailure(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	locks := jobstore.NewLockManager(backend, nil)
	backend.SetFault(func(string) error { return errInjected })

	_, err := locks.TryAcquire(ctx, jobstore.NewTriggerKey("a", "group"), jobstore.LockTypeTrigger, "one", epoch)
	assert.ErrorIs(t, err, jobstore.ErrStoreUnavailable)

	_, err = locks.Holder(ctx, jobstore.NewTriggerKey("a", "group"), jobstore.LockTypeTrigger)
	assert.ErrorIs(t, err, jobstore.ErrStoreUnavailable)
}
