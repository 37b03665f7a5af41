package jobstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/DEEJ4Y/jobstore"
	"github.com/DEEJ4Y/jobstore/memory"
)

// fireTracker counts fires per trigger and scheduled instant.
type fireTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFireTracker() *fireTracker {
	return &fireTracker{counts: make(map[string]int)}
}

func (f *fireTracker) Record(b jobstore.FiredBundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[fmt.Sprintf("%s@%d", b.Trigger.Key, b.ScheduledFireTime.UnixMilli())]++
}

func (f *fireTracker) Snapshot() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

// runInstance drives one instance the way a scheduling engine would until
// nothing is due at now.
func runInstance(ctx context.Context, s *jobstore.JobStore, now time.Time, tracker *fireTracker) error {
	for {
		acquired, err := s.AcquireNextTriggers(ctx, now, 5, 0)
		if err != nil {
			return err
		}
		if len(acquired) == 0 {
			return nil
		}
		bundles, err := s.TriggersFired(ctx, acquired)
		if err != nil {
			return err
		}
		for _, b := range bundles {
			tracker.Record(b)
			if err := s.TriggeredJobComplete(ctx, b.Trigger, b.Job, jobstore.CompletionNoop); err != nil {
				return err
			}
		}
	}
}

func TestConcurrentInstancesFireAtMostOnce(t *testing.T) {
	const (
		numInstances = 8
		numTriggers  = 200
	)

	tests := []struct {
		name    string
		trigger func(name string, job jobstore.JobKey, start time.Time) *jobstore.Trigger
		final   jobstore.TriggerState
	}{
		{"one-shot triggers", once, jobstore.StateComplete},
		{"repeating triggers", minutely, jobstore.StateWaiting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			backend := memory.New()
			stores := make([]*jobstore.JobStore, numInstances)
			for i := range stores {
				s, err := jobstore.New(jobstore.Config{
					Backend:    backend,
					InstanceID: fmt.Sprintf("instance-%d", i),
				})
				require.NoError(t, err)
				stores[i] = s
			}

			job := testJob("j")
			require.NoError(t, stores[0].StoreJob(ctx, job, false))
			for i := 0; i < numTriggers; i++ {
				require.NoError(t, stores[0].StoreTrigger(ctx, tt.trigger(fmt.Sprintf("t%03d", i), job.Key, epoch), false))
			}

			tracker := newFireTracker()

			// A lost race can leave an instance idle while another still
			// holds work, so run rounds until every trigger fired.
			for round := 0; round < 10 && len(tracker.Snapshot()) < numTriggers; round++ {
				g, gctx := errgroup.WithContext(ctx)
				for _, s := range stores {
					s := s
					g.Go(func() error {
						return runInstance(gctx, s, epoch, tracker)
					})
				}
				require.NoError(t, g.Wait())
			}

			counts := tracker.Snapshot()
			assert.Len(t, counts, numTriggers)
			for key, n := range counts {
				assert.Equal(t, 1, n, "%s fired %d times", key, n)
			}

			for i := 0; i < numTriggers; i++ {
				requireState(t, stores[0], jobstore.NewTriggerKey(fmt.Sprintf("t%03d", i), "group"), tt.final)
			}
			assert.Zero(t, lockCount(t, stores[0]))
		})
	}
}

func TestConcurrentAcquireAndRecover(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clock := newTestClock(epoch)
	job := testJob("j")

	seed := newTestStore(t, backend, "seed", clock)
	mustStore(t, seed, job)
	for i := 0; i < 50; i++ {
		require.NoError(t, seed.StoreTrigger(ctx, once(fmt.Sprintf("t%02d", i), job.Key, epoch), false))
	}

	// A dead instance holds half of the triggers.
	dead, err := jobstore.New(jobstore.Config{Backend: backend, InstanceID: "dead", Clock: clock.Now})
	require.NoError(t, err)
	held, err := dead.AcquireNextTriggers(ctx, epoch, 25, 0)
	require.NoError(t, err)
	require.Len(t, held, 25)

	clock.Advance(time.Minute)
	tracker := newFireTracker()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		s, err := jobstore.New(jobstore.Config{Backend: backend, InstanceID: fmt.Sprintf("live-%d", i), Clock: clock.Now})
		require.NoError(t, err)
		g.Go(func() error {
			if _, err := s.Recover(gctx, clock.Now().Add(-staleAfter)); err != nil {
				return err
			}
			return runInstance(gctx, s, clock.Now(), tracker)
		})
	}
	require.NoError(t, g.Wait())

	// A final pass picks up anything recovered after an instance went idle.
	final := newTestStore(t, backend, "final", clock)
	require.NoError(t, runInstance(ctx, final, clock.Now(), tracker))

	counts := tracker.Snapshot()
	assert.Len(t, counts, 50)
	for key, n := range counts {
		assert.Equal(t, 1, n, "%s fired %d times", key, n)
	}
}
