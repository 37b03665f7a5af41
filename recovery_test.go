package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/jobstore"
	"github.com/DEEJ4Y/jobstore/memory"
)

const staleAfter = 30 * time.Second

func TestRecoverAcquiredTrigger(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clock := newTestClock(epoch)
	dead := newTestStore(t, backend, "dead", clock)
	live := newTestStore(t, backend, "live", clock)
	job := testJob("j")
	key := jobstore.NewTriggerKey("t", "group")
	mustStore(t, dead, job, minutely("t", job.Key, epoch))

	acquired, err := dead.AcquireNextTriggers(ctx, epoch, 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	t.Run("fresh locks are left alone", func(t *testing.T) {
		report, err := live.Recover(ctx, clock.Now().Add(-staleAfter))
		require.NoError(t, err)
		assert.Empty(t, report.ReclaimedLocks)
		assert.Empty(t, report.Recovered)
		requireState(t, live, key, jobstore.StateAcquired)
	})

	t.Run("stale lock is reclaimed", func(t *testing.T) {
		clock.Advance(2 * time.Minute)

		report, err := live.Recover(ctx, clock.Now().Add(-staleAfter))
		require.NoError(t, err)
		require.Len(t, report.ReclaimedLocks, 1)
		assert.Equal(t, "dead", report.ReclaimedLocks[0].InstanceID)
		assert.Equal(t, []jobstore.TriggerKey{key}, report.Recovered)
		requireState(t, live, key, jobstore.StateWaiting)
		assert.Zero(t, lockCount(t, live))
	})

	t.Run("live instance fires it with misfire applied", func(t *testing.T) {
		b := fireOne(t, live, clock.Now())
		assert.True(t, b.ScheduledFireTime.Equal(clock.Now()))
	})
}

func TestRecoverExecutingStatefulTrigger(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clock := newTestClock(epoch)
	dead := newTestStore(t, backend, "dead", clock)
	live := newTestStore(t, backend, "live", clock)

	job := testJob("j")
	job.Stateful = true
	a := jobstore.NewTriggerKey("a", "group")
	b := jobstore.NewTriggerKey("b", "group")
	mustStore(t, dead, job, minutely("a", job.Key, epoch), minutely("b", job.Key, epoch.Add(time.Hour)))

	fireOne(t, dead, epoch)
	requireState(t, live, a, jobstore.StateExecuting)
	requireState(t, live, b, jobstore.StateBlocked)

	clock.Advance(time.Minute + staleAfter + time.Second)
	report, err := live.Recover(ctx, clock.Now().Add(-staleAfter))
	require.NoError(t, err)
	assert.Equal(t, []jobstore.TriggerKey{a}, report.Recovered)

	requireState(t, live, a, jobstore.StateWaiting)
	requireState(t, live, b, jobstore.StateWaiting)

	got, err := live.RetrieveTrigger(ctx, a)
	require.NoError(t, err)
	assert.True(t, got.NextFireTime.Equal(epoch.Add(time.Minute)), "within the misfire threshold")
}

func TestRecoverOrphanedTrigger(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clock := newTestClock(epoch)
	s := newTestStore(t, backend, "node", clock)
	job := testJob("j")
	key := jobstore.NewTriggerKey("t", "group")
	mustStore(t, s, job, minutely("t", job.Key, epoch))

	_, err := s.AcquireNextTriggers(ctx, epoch, 1, 0)
	require.NoError(t, err)
	_, err = backend.Locks().DeleteOwned(ctx, key, jobstore.LockTypeTrigger, "node")
	require.NoError(t, err)

	report, err := s.Recover(ctx, clock.Now().Add(-staleAfter))
	require.NoError(t, err)
	assert.Empty(t, report.ReclaimedLocks)
	assert.Equal(t, []jobstore.TriggerKey{key}, report.Recovered)
	requireState(t, s, key, jobstore.StateWaiting)
}

func TestRecoverCompletesExhaustedTrigger(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clock := newTestClock(epoch)
	dead := newTestStore(t, backend, "dead", clock)
	live := newTestStore(t, backend, "live", clock)
	job := testJob("j")
	mustStore(t, dead, job, once("t", job.Key, epoch))

	b := fireOne(t, dead, epoch)
	require.Nil(t, b.NextFireTime)

	clock.Advance(time.Hour)
	_, err := live.Recover(ctx, clock.Now().Add(-staleAfter))
	require.NoError(t, err)
	requireState(t, live, b.Trigger.Key, jobstore.StateComplete)
}

func TestRecoverInstance(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clock := newTestClock(epoch)
	before := newTestStore(t, backend, "node", clock)
	job := testJob("j")
	mustStore(t, before, job, minutely("a", job.Key, epoch), minutely("b", job.Key, epoch))

	acquired, err := before.AcquireNextTriggers(ctx, epoch, 2, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 2)

	// The same instance restarts before its locks turn stale.
	after := newTestStore(t, backend, "node", clock)
	report, err := after.RecoverInstance(ctx)
	require.NoError(t, err)
	assert.Len(t, report.ReclaimedLocks, 2)
	assert.Len(t, report.Recovered, 2)
	assert.Zero(t, lockCount(t, after))
	requireState(t, after, jobstore.NewTriggerKey("a", "group"), jobstore.StateWaiting)
	requireState(t, after, jobstore.NewTriggerKey("b", "group"), jobstore.StateWaiting)
}

func TestRecoverStoreFailure(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	s := newTestStore(t, backend, "node", newTestClock(epoch))
	backend.SetFault(func(op string) error {
		if op == "locks.FindStale" {
			return errInjected
		}
		return nil
	})

	_, err := s.Recover(ctx, epoch)
	assert.ErrorIs(t, err, jobstore.ErrStoreUnavailable)
}
