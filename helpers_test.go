package jobstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DEEJ4Y/jobstore"
	"github.com/DEEJ4Y/jobstore/memory"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock shared by the stores of a test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, backend *memory.Store, instanceID string, clock *testClock) *jobstore.JobStore {
	t.Helper()
	s, err := jobstore.New(jobstore.Config{
		Backend:    backend,
		InstanceID: instanceID,
		Logger:     zaptest.NewLogger(t),
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return s
}

func testJob(name string) *jobstore.Job {
	return &jobstore.Job{
		Key:      jobstore.NewJobKey(name, "group"),
		JobClass: "test.Job",
	}
}

// minutely returns a trigger firing every minute from start.
func minutely(name string, job jobstore.JobKey, start time.Time) *jobstore.Trigger {
	return &jobstore.Trigger{
		Key:       jobstore.NewTriggerKey(name, "group"),
		JobKey:    job,
		Schedule:  jobstore.RepeatMinutelyForever(),
		StartTime: start,
	}
}

// once returns a trigger firing a single time at start.
func once(name string, job jobstore.JobKey, start time.Time) *jobstore.Trigger {
	return &jobstore.Trigger{
		Key:       jobstore.NewTriggerKey(name, "group"),
		JobKey:    job,
		Schedule:  jobstore.Once(),
		StartTime: start,
	}
}

func mustStore(t *testing.T, s *jobstore.JobStore, job *jobstore.Job, triggers ...*jobstore.Trigger) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.StoreJob(ctx, job, false))
	for _, tr := range triggers {
		require.NoError(t, s.StoreTrigger(ctx, tr, false))
	}
}

func requireState(t *testing.T, s *jobstore.JobStore, key jobstore.TriggerKey, want jobstore.TriggerState) {
	t.Helper()
	got, err := s.GetTriggerState(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, want, got, "state of %s", key)
}

func lockCount(t *testing.T, s *jobstore.JobStore) int64 {
	t.Helper()
	n, err := s.Locks().Count(context.Background())
	require.NoError(t, err)
	return n
}

func keysOf(triggers []*jobstore.Trigger) []string {
	out := make([]string, 0, len(triggers))
	for _, tr := range triggers {
		out = append(out, tr.Key.Name)
	}
	return out
}

// fireOne acquires, fires and returns the bundle of the single trigger due at now.
func fireOne(t *testing.T, s *jobstore.JobStore, now time.Time) jobstore.FiredBundle {
	t.Helper()
	ctx := context.Background()
	acquired, err := s.AcquireNextTriggers(ctx, now, 1, 0)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	bundles, err := s.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	return bundles[0]
}
