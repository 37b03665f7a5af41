package mongodb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/DEEJ4Y/jobstore"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestStore connects to MONGO_URI (default localhost) and returns a store
// on a fresh database, skipping the test when MongoDB is not reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mongoURI := os.Getenv("MONGO_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(mongoURI).
		SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("Skipping test: Cannot ping MongoDB: %v", err)
	}

	dbName := fmt.Sprintf("jobstore_test_%d", time.Now().UnixNano())
	db := client.Database(dbName)
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	s, err := NewStore(Config{Database: db, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func record(name string, next time.Time, priority int) *jobstore.TriggerRecord {
	return &jobstore.TriggerRecord{
		Name:               name,
		Group:              "g",
		JobName:            "j",
		JobGroup:           "g",
		NextFireTime:       &next,
		StartTime:          base,
		Priority:           priority,
		State:              jobstore.StateWaiting,
		ScheduleDescriptor: jobstore.Once().Descriptor(),
	}
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(Config{})
	assert.Error(t, err)
}

func TestLockUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := jobstore.NewTriggerKey("t", "g")

	const contenders = 50
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Locks().Insert(ctx, &jobstore.LockRecord{
				TriggerName:  key.Name,
				TriggerGroup: key.Group,
				LockType:     jobstore.LockTypeTrigger,
				InstanceID:   fmt.Sprintf("instance-%d", i),
				AcquiredAt:   base,
			})
			if err == nil {
				won.Add(1)
				return
			}
			assert.ErrorIs(t, err, jobstore.ErrAlreadyExists)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, won.Load())
	n, err := s.Locks().Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestConditionalStateChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Triggers().Insert(ctx, record("t", base, 5)))
	key := jobstore.NewTriggerKey("t", "g")
	next := base

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Triggers().UpdateStateIf(ctx, key, jobstore.Condition{
				States:            []jobstore.TriggerState{jobstore.StateWaiting},
				CheckNextFireTime: true,
				NextFireTime:      &next,
			}, jobstore.StateAcquired)
			assert.NoError(t, err)
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, won.Load())
	rec, err := s.Triggers().Find(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateAcquired, rec.State)
}

func TestFindDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, rec := range []*jobstore.TriggerRecord{
		record("late", base.Add(time.Minute), 5),
		record("b", base, 5),
		record("a", base, 5),
		record("urgent", base, 9),
	} {
		require.NoError(t, s.Triggers().Insert(ctx, rec))
	}

	// A document that no longer decodes must not hide the others.
	_, err := s.triggers.InsertOne(ctx, bson.D{
		{Key: "name", Value: "corrupt"},
		{Key: "group", Value: "g"},
		{Key: "state", Value: jobstore.StateWaiting},
		{Key: "nextFireTime", Value: base},
		{Key: "priority", Value: "high"},
	})
	require.NoError(t, err)

	recs, err := s.Triggers().FindDue(ctx, jobstore.DueQuery{State: jobstore.StateWaiting, NoLaterThan: base})
	require.NoError(t, err)
	var names []string
	for _, r := range recs {
		names = append(names, r.Name)
		assert.Equal(t, time.UTC, r.NextFireTime.Location())
	}
	assert.Equal(t, []string{"urgent", "a", "b"}, names)

	recs, err = s.Triggers().FindDue(ctx, jobstore.DueQuery{State: jobstore.StateWaiting, NoLaterThan: base.Add(time.Hour), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestPausedGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := s.PausedGroups()

	require.NoError(t, c.Add(ctx, "b"))
	require.NoError(t, c.Add(ctx, "a"))
	require.NoError(t, c.Add(ctx, "a"))

	groups, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, groups)

	removed, err := c.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err := c.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobStoreOnMongoDB(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	js, err := jobstore.New(jobstore.Config{
		Backend:    s,
		InstanceID: "test",
		Logger:     zaptest.NewLogger(t),
		Clock:      func() time.Time { return base },
	})
	require.NoError(t, err)

	job := &jobstore.Job{
		Key:      jobstore.NewJobKey("name", "group"),
		JobClass: "test.Job",
		Data:     jobstore.JobDataMap{"key": "value"},
	}
	trigger := func(name string) *jobstore.Trigger {
		return &jobstore.Trigger{
			Key:       jobstore.NewTriggerKey(name, "group"),
			JobKey:    job.Key,
			Schedule:  jobstore.RepeatMinutelyForever(),
			StartTime: base,
		}
	}

	require.NoError(t, js.StoreJob(ctx, job, false))
	require.NoError(t, js.StoreTrigger(ctx, trigger("name"), false))
	assert.ErrorIs(t, js.StoreTrigger(ctx, trigger("name"), false), jobstore.ErrAlreadyExists)
	require.NoError(t, js.StoreTrigger(ctx, trigger("name2"), false))

	got, err := js.RetrieveJob(ctx, job.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "value", got.Data["key"])

	acquired, err := js.AcquireNextTriggers(ctx, base, 10, 0)
	require.NoError(t, err)
	assert.Len(t, acquired, 2)

	bundles, err := js.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	for _, b := range bundles {
		assert.True(t, b.Trigger.NextFireTime.Equal(base.Add(time.Minute)))
		require.NoError(t, js.TriggeredJobComplete(ctx, b.Trigger, b.Job, jobstore.CompletionNoop))
	}

	n, err := s.Locks().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	removed, err := js.RemoveJob(ctx, job.Key)
	require.NoError(t, err)
	assert.True(t, removed)

	count, err := js.GetNumberOfTriggers(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// TestDistributedAcquisition validates that triggers fire at most once when
// many instances share one database.
func TestDistributedAcquisition(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}

	const (
		numInstances = 20
		numTriggers  = 500
	)

	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	clock := func() time.Time { return base }
	newInstance := func(id string) *jobstore.JobStore {
		js, err := jobstore.New(jobstore.Config{
			Backend:    s,
			InstanceID: id,
			Logger:     zap.NewNop(),
			Clock:      clock,
		})
		require.NoError(t, err)
		return js
	}

	seed := newInstance("seed")
	job := &jobstore.Job{Key: jobstore.NewJobKey("j", "g"), JobClass: "test.Job", Durable: true}
	require.NoError(t, seed.StoreJob(ctx, job, false))
	for i := 0; i < numTriggers; i++ {
		require.NoError(t, seed.StoreTrigger(ctx, &jobstore.Trigger{
			Key:       jobstore.NewTriggerKey(fmt.Sprintf("t-%04d", i), "g"),
			JobKey:    job.Key,
			Schedule:  jobstore.Once(),
			StartTime: base,
		}, false))
	}

	instances := make([]*jobstore.JobStore, numInstances)
	for i := range instances {
		instances[i] = newInstance(fmt.Sprintf("instance-%d", i))
	}

	var (
		mu     sync.Mutex
		counts = make(map[jobstore.TriggerKey]int)
	)
	recordFire := func(key jobstore.TriggerKey) {
		mu.Lock()
		defer mu.Unlock()
		counts[key]++
	}
	fired := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(counts)
	}

	// An instance goes idle once it only sees triggers held elsewhere, so run
	// rounds until every trigger fired.
	for round := 0; round < 10 && fired() < numTriggers; round++ {
		g, gctx := errgroup.WithContext(ctx)
		for _, js := range instances {
			js := js
			g.Go(func() error {
				return drain(gctx, js, recordFire)
			})
		}
		require.NoError(t, g.Wait())
	}

	for key, n := range counts {
		assert.Equal(t, 1, n, "trigger %s fired %d times", key, n)
	}

	states, err := s.Triggers().FindByStates(ctx, jobstore.StateWaiting, jobstore.StateAcquired)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Len(t, counts, numTriggers)

	n, err := s.Locks().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// drain acquires, fires and completes triggers due at base until none is left
// for js.
func drain(ctx context.Context, js *jobstore.JobStore, onFire func(jobstore.TriggerKey)) error {
	for {
		acquired, err := js.AcquireNextTriggers(ctx, base, 10, 0)
		if err != nil {
			return err
		}
		if len(acquired) == 0 {
			return nil
		}
		bundles, err := js.TriggersFired(ctx, acquired)
		if err != nil {
			return err
		}
		for _, b := range bundles {
			onFire(b.Trigger.Key)
			if err := js.TriggeredJobComplete(ctx, b.Trigger, b.Job, jobstore.CompletionNoop); err != nil {
				return err
			}
		}
	}
}
