// Package jobstore persists jobs and triggers for a scheduling engine and
// coordinates a cluster of engine instances sharing one document store.
//
// Every cross-instance guarantee rests on single-document atomic writes of
// the Backend: a unique-key insert grants a trigger lock, and each state
// transition is a conditional replace that loses quietly when another
// instance moved the trigger first.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/jobstore/metrics"
)

// Config holds the configuration for a JobStore.
type Config struct {
	// Backend is the required document store.
	Backend Backend

	// InstanceID identifies this cluster instance in lock records.
	// Default: a random UUID
	InstanceID string

	// Logger receives structured logs.
	// Default: no-op
	Logger *zap.Logger

	// MisfireThreshold is how late a trigger may be before its misfire
	// instruction applies.
	// Default: 60 seconds
	MisfireThreshold time.Duration

	// MisfirePolicy overrides how misfire instructions are applied.
	// Default: DefaultMisfirePolicy
	MisfirePolicy MisfirePolicy

	// Metrics receives store events.
	// Default: metrics.NoopSink
	Metrics metrics.Sink

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time

	// LockType names the lock taken on acquired triggers.
	// Default: LockTypeTrigger
	LockType string
}

// DefaultMisfireThreshold is used when Config.MisfireThreshold is zero.
const DefaultMisfireThreshold = 60 * time.Second

// JobStore is the persistence and coordination layer a scheduling engine
// drives. It is safe for concurrent use.
type JobStore struct {
	config Config

	jobs        *JobRepository
	triggers    *TriggerRepository
	locks       *LockManager
	acquisition *AcquisitionEngine
	recovery    *RecoveryCoordinator

	logger  *zap.Logger
	metrics metrics.Sink
}

// New creates a JobStore with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*JobStore, error) {
	if config.Backend == nil {
		return nil, errors.New("jobstore: backend is required")
	}

	// Set defaults
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MisfireThreshold == 0 {
		config.MisfireThreshold = DefaultMisfireThreshold
	}
	if config.MisfireThreshold < 0 {
		return nil, fmt.Errorf("jobstore: negative misfire threshold %s", config.MisfireThreshold)
	}
	if config.MisfirePolicy == nil {
		config.MisfirePolicy = DefaultMisfirePolicy
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopSink()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.LockType == "" {
		config.LockType = LockTypeTrigger
	}

	logger := config.Logger.Named("jobstore")
	triggers := NewTriggerRepository(config.Backend, TriggerRepositoryConfig{
		MisfireThreshold: config.MisfireThreshold,
		MisfirePolicy:    config.MisfirePolicy,
		Logger:           logger,
		Metrics:          config.Metrics,
		Clock:            config.Clock,
	})
	locks := NewLockManager(config.Backend, logger)

	return &JobStore{
		config:      config,
		jobs:        NewJobRepository(config.Backend, logger),
		triggers:    triggers,
		locks:       locks,
		acquisition: NewAcquisitionEngine(config.Backend, triggers, locks, config.InstanceID, config.LockType),
		recovery:    NewRecoveryCoordinator(config.Backend, triggers, locks, config.LockType),
		logger:      logger.With(zap.String("instance", config.InstanceID)),
		metrics:     config.Metrics,
	}, nil
}

// InstanceID returns the id this store locks triggers under.
func (s *JobStore) InstanceID() string {
	return s.config.InstanceID
}

// Jobs exposes the job repository.
func (s *JobStore) Jobs() *JobRepository { return s.jobs }

// Triggers exposes the trigger repository.
func (s *JobStore) Triggers() *TriggerRepository { return s.triggers }

// Locks exposes the lock manager.
func (s *JobStore) Locks() *LockManager { return s.locks }

// StoreJob stores the job. See JobRepository.Store.
func (s *JobStore) StoreJob(ctx context.Context, job *Job, replace bool) error {
	return s.jobs.Store(ctx, job, replace)
}

// StoreTrigger stores the trigger. See TriggerRepository.Store.
func (s *JobStore) StoreTrigger(ctx context.Context, trigger *Trigger, replace bool) error {
	return s.triggers.Store(ctx, trigger, replace)
}

// StoreJobAndTrigger stores the job, then the trigger. When the trigger is
// rejected the job is left stored.
func (s *JobStore) StoreJobAndTrigger(ctx context.Context, job *Job, trigger *Trigger) error {
	if err := s.jobs.Store(ctx, job, false); err != nil {
		return err
	}
	return s.triggers.Store(ctx, trigger, false)
}

// RetrieveJob returns the job, or nil when absent.
func (s *JobStore) RetrieveJob(ctx context.Context, key JobKey) (*Job, error) {
	return s.jobs.Retrieve(ctx, key)
}

// RetrieveTrigger returns the trigger, or nil when absent.
func (s *JobStore) RetrieveTrigger(ctx context.Context, key TriggerKey) (*Trigger, error) {
	return s.triggers.Retrieve(ctx, key)
}

// RemoveJob deletes the job and every trigger referencing it.
func (s *JobStore) RemoveJob(ctx context.Context, key JobKey) (bool, error) {
	return s.jobs.Remove(ctx, key)
}

// RemoveTrigger deletes the trigger, and its job when that is non-durable
// and has no other triggers.
func (s *JobStore) RemoveTrigger(ctx context.Context, key TriggerKey) (bool, error) {
	return s.triggers.Remove(ctx, key)
}

// ReplaceTrigger swaps the trigger stored under key for newTrigger.
func (s *JobStore) ReplaceTrigger(ctx context.Context, key TriggerKey, newTrigger *Trigger) (bool, error) {
	return s.triggers.Replace(ctx, key, newTrigger)
}

// CheckJobExists reports whether a job is stored under key.
func (s *JobStore) CheckJobExists(ctx context.Context, key JobKey) (bool, error) {
	return s.jobs.Exists(ctx, key)
}

// CheckTriggerExists reports whether a trigger is stored under key.
func (s *JobStore) CheckTriggerExists(ctx context.Context, key TriggerKey) (bool, error) {
	state, err := s.triggers.State(ctx, key)
	return state != StateNone, err
}

// GetTriggerState returns the trigger's state, StateNone when absent.
func (s *JobStore) GetTriggerState(ctx context.Context, key TriggerKey) (TriggerState, error) {
	return s.triggers.State(ctx, key)
}

// GetTriggersForJob lists the triggers referencing the job.
func (s *JobStore) GetTriggersForJob(ctx context.Context, key JobKey) ([]*Trigger, error) {
	return s.triggers.ForJob(ctx, key)
}

// PauseTrigger pauses one trigger.
func (s *JobStore) PauseTrigger(ctx context.Context, key TriggerKey) error {
	_, err := s.triggers.Pause(ctx, key)
	return err
}

// ResumeTrigger resumes one trigger.
func (s *JobStore) ResumeTrigger(ctx context.Context, key TriggerKey) error {
	_, err := s.triggers.Resume(ctx, key)
	return err
}

// PauseTriggerGroup pauses a trigger group and returns how many triggers changed.
func (s *JobStore) PauseTriggerGroup(ctx context.Context, group string) (int64, error) {
	return s.triggers.PauseGroup(ctx, group)
}

// ResumeTriggerGroup resumes a trigger group and returns how many triggers changed.
func (s *JobStore) ResumeTriggerGroup(ctx context.Context, group string) (int64, error) {
	return s.triggers.ResumeGroup(ctx, group)
}

// GetPausedTriggerGroups lists the paused trigger groups.
func (s *JobStore) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.triggers.PausedGroups(ctx)
}

// PauseJob pauses every trigger of the job.
func (s *JobStore) PauseJob(ctx context.Context, key JobKey) error {
	_, err := s.triggers.PauseJob(ctx, key)
	return err
}

// ResumeJob resumes every trigger of the job.
func (s *JobStore) ResumeJob(ctx context.Context, key JobKey) error {
	_, err := s.triggers.ResumeJob(ctx, key)
	return err
}

func (s *JobStore) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return s.jobs.GroupNames(ctx)
}

func (s *JobStore) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.triggers.GroupNames(ctx)
}

func (s *JobStore) GetJobKeys(ctx context.Context, group string) ([]JobKey, error) {
	return s.jobs.Keys(ctx, group)
}

func (s *JobStore) GetTriggerKeys(ctx context.Context, group string) ([]TriggerKey, error) {
	return s.triggers.Keys(ctx, group)
}

// GetNumberOfJobs returns the number of stored jobs at call time.
func (s *JobStore) GetNumberOfJobs(ctx context.Context) (int64, error) {
	return s.jobs.Count(ctx)
}

// GetNumberOfTriggers returns the number of stored triggers at call time.
func (s *JobStore) GetNumberOfTriggers(ctx context.Context) (int64, error) {
	return s.triggers.Count(ctx)
}

// AcquireNextTriggers claims due triggers for this instance.
// See AcquisitionEngine.AcquireNextTriggers.
func (s *JobStore) AcquireNextTriggers(ctx context.Context, now time.Time, maxCount int, timeWindow time.Duration) ([]*Trigger, error) {
	return s.acquisition.AcquireNextTriggers(ctx, now, maxCount, timeWindow)
}

// ReleaseAcquiredTrigger hands an acquired trigger back without firing it.
func (s *JobStore) ReleaseAcquiredTrigger(ctx context.Context, key TriggerKey) error {
	return s.acquisition.ReleaseAcquiredTrigger(ctx, key)
}

// FiredBundle is what the engine needs to run the job of a fired trigger.
type FiredBundle struct {
	Job     *Job
	Trigger *Trigger

	// FireTime is when the fire was reported.
	FireTime time.Time
	// ScheduledFireTime is the instant the trigger was due.
	ScheduledFireTime time.Time
	PrevFireTime      *time.Time
	NextFireTime      *time.Time
}

// TriggersFired moves acquired triggers to EXECUTING, advancing their fire
// times, and returns a bundle for each. Triggers this instance no longer
// holds, or that changed state since acquisition, are skipped and their
// locks released. While a stateful job executes, its other triggers are
// BLOCKED.
func (s *JobStore) TriggersFired(ctx context.Context, triggers []*Trigger) ([]FiredBundle, error) {
	var bundles []FiredBundle
	for _, t := range triggers {
		b, err := s.triggerFired(ctx, t.Key)
		if err != nil {
			return bundles, err
		}
		if b != nil {
			bundles = append(bundles, *b)
		}
	}
	if len(bundles) > 0 {
		s.metrics.TriggersFired(len(bundles))
	}
	return bundles, nil
}

func (s *JobStore) triggerFired(ctx context.Context, key TriggerKey) (*FiredBundle, error) {
	unlock := s.acquisition.keys.lock(key)
	defer unlock()

	holder, err := s.locks.Holder(ctx, key, s.config.LockType)
	if err != nil {
		return nil, err
	}
	if holder != s.config.InstanceID {
		s.metrics.LostRace(metrics.OpFire)
		s.logger.Debug("fired trigger no longer locked by instance", zap.Stringer("trigger", key))
		return nil, nil
	}

	rec, err := s.triggers.triggers.Find(ctx, key)
	if err != nil {
		return nil, wrapOp(err, "fire", key)
	}
	if rec == nil || rec.State != StateAcquired {
		s.metrics.LostRace(metrics.OpFire)
		return nil, s.release(ctx, key)
	}

	t, err := DecodeTrigger(rec)
	if err == nil && t.NextFireTime == nil {
		err = fmt.Errorf("%w: acquired trigger %s has no fire time", ErrMalformedRecord, key)
	}
	if err != nil {
		return nil, s.failFire(ctx, key, err)
	}
	job, err := s.jobs.Retrieve(ctx, t.JobKey)
	if err == nil && job == nil {
		err = fmt.Errorf("%w: trigger %s references job %s", ErrReferentialViolation, key, t.JobKey)
	}
	if err != nil {
		if errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrReferentialViolation) {
			return nil, s.failFire(ctx, key, err)
		}
		return nil, err
	}

	now := s.config.Clock()
	scheduled := *t.NextFireTime
	fired := t.Clone()
	fired.triggered()
	fired.State = StateExecuting

	ok, err := s.triggers.update(ctx, fired, metrics.OpFire, Condition{
		States:            []TriggerState{StateAcquired},
		CheckNextFireTime: true,
		NextFireTime:      t.NextFireTime,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.release(ctx, key)
	}
	if job.Stateful {
		if err := s.triggers.blockJob(ctx, job.Key); err != nil {
			return nil, err
		}
	}

	return &FiredBundle{
		Job:               job,
		Trigger:           fired,
		FireTime:          now,
		ScheduledFireTime: scheduled,
		PrevFireTime:      cloneTime(t.PreviousFireTime),
		NextFireTime:      cloneTime(fired.NextFireTime),
	}, nil
}

// failFire marks a trigger that cannot be fired as ERROR and drops its lock.
func (s *JobStore) failFire(ctx context.Context, key TriggerKey, cause error) error {
	s.logger.Error("trigger cannot fire", zap.Stringer("trigger", key), zap.Error(cause))
	if _, err := s.triggers.Transition(ctx, key, metrics.OpFire, []TriggerState{StateAcquired}, StateError); err != nil {
		return err
	}
	s.metrics.TriggerCompleted(string(StateError))
	return s.release(ctx, key)
}

func (s *JobStore) release(ctx context.Context, key TriggerKey) error {
	if _, err := s.locks.Release(ctx, key, s.config.LockType, s.config.InstanceID); err != nil {
		s.metrics.StoreError(metrics.OpRelease)
		return err
	}
	return nil
}

// TriggeredJobComplete records that the job of a fired trigger finished and
// applies the instruction to the trigger. Only the instance still holding
// the trigger's lock may complete it, and only while the trigger is the
// EXECUTING fire it reported; anything else is a lost race and is ignored.
// A stateful job's data is written back and its other triggers unblocked.
// The lock taken at acquisition is released last.
func (s *JobStore) TriggeredJobComplete(ctx context.Context, trigger *Trigger, job *Job, instruction CompletionInstruction) error {
	if trigger == nil {
		return fmt.Errorf("%w: nil trigger", ErrInvalidArgument)
	}
	key := trigger.Key
	unlock := s.acquisition.keys.lock(key)
	defer unlock()

	holder, err := s.locks.Holder(ctx, key, s.config.LockType)
	if err != nil {
		return err
	}
	if holder != s.config.InstanceID {
		s.metrics.LostRace(metrics.OpComplete)
		s.logger.Debug("completed trigger no longer locked by instance",
			zap.Stringer("trigger", key), zap.String("holder", holder))
		return nil
	}

	cond := Condition{
		States:            []TriggerState{StateExecuting},
		CheckNextFireTime: true,
		NextFireTime:      storeTimePtr(trigger.NextFireTime),
	}
	rec, err := s.triggers.triggers.Find(ctx, key)
	if err != nil {
		return wrapOp(err, "complete", key)
	}
	if rec != nil && !cond.Matches(rec) {
		s.triggers.lostRace(metrics.OpComplete, key, rec.State)
		if rec.State == StateAcquired || rec.State == StateExecuting {
			return nil
		}
		return s.release(ctx, key)
	}

	// A trigger removed while its job ran still leaves the job to unblock.
	if job != nil && job.Stateful {
		if _, err := s.jobs.UpdateData(ctx, job.Key, job.Data); err != nil {
			return err
		}
		if err := s.triggers.unblockJob(ctx, job.Key); err != nil {
			return err
		}
	}

	if rec != nil {
		state, err := s.complete(ctx, rec, cond, instruction)
		if err != nil {
			s.metrics.StoreError(metrics.OpComplete)
			return err
		}
		if state != StateNone {
			s.metrics.TriggerCompleted(string(state))
		}
	}
	return s.release(ctx, key)
}

// complete writes the outcome of instruction, conditional on cond, and
// returns the state the trigger was left in: StateNone when it was deleted
// or had already moved on.
func (s *JobStore) complete(ctx context.Context, rec *TriggerRecord, cond Condition, instruction CompletionInstruction) (TriggerState, error) {
	key := rec.Key()
	switch instruction {
	case CompletionDeleteTrigger:
		// Claim the trigger first so a trigger that moved on is never removed.
		if to, err := s.finish(ctx, key, cond, StateComplete); err != nil || to == StateNone {
			return StateNone, err
		}
		_, err := s.triggers.Remove(ctx, key)
		return StateNone, err

	case CompletionSetTriggerComplete:
		return s.finish(ctx, key, cond, StateComplete)

	case CompletionSetTriggerError:
		return s.finish(ctx, key, cond, StateError)

	case CompletionSetAllJobTriggersComplete, CompletionSetAllJobTriggersError:
		to := StateComplete
		if instruction == CompletionSetAllJobTriggersError {
			to = StateError
		}
		if done, err := s.finish(ctx, key, cond, to); err != nil || done == StateNone {
			return StateNone, err
		}
		return to, s.triggers.setJobTriggersState(ctx, rec.JobKey(), to)
	}

	// Noop and ReExecuteJob reschedule the trigger.
	if rec.NextFireTime == nil {
		return s.finish(ctx, key, cond, StateComplete)
	}
	t, err := DecodeTrigger(rec)
	if err != nil {
		s.logger.Error("completed trigger cannot be rescheduled", zap.Stringer("trigger", key), zap.Error(err))
		return s.finish(ctx, key, cond, StateError)
	}
	to := StateWaiting
	job, err := s.triggers.jobs.Find(ctx, t.JobKey)
	if err != nil {
		return StateNone, wrapOp(err, "complete", key)
	}
	if job != nil {
		if to, err = s.triggers.initialState(ctx, t, job); err != nil {
			return StateNone, err
		}
	}
	return s.finish(ctx, key, cond, to)
}

// finish moves the trigger to state to when it still satisfies cond.
func (s *JobStore) finish(ctx context.Context, key TriggerKey, cond Condition, to TriggerState) (TriggerState, error) {
	ok, err := s.triggers.triggers.UpdateStateIf(ctx, key, cond, to)
	if err != nil {
		return StateNone, wrapOp(err, "complete", key)
	}
	if !ok {
		s.triggers.lostRace(metrics.OpComplete, key, to)
		return StateNone, nil
	}
	return to, nil
}

// Recover reclaims locks acquired before deadBefore and returns their
// triggers to an acquirable state. See RecoveryCoordinator.Recover.
func (s *JobStore) Recover(ctx context.Context, deadBefore time.Time) (RecoveryReport, error) {
	return s.recovery.Recover(ctx, deadBefore)
}

// RecoverInstance recovers what this store's instance id left locked by a
// previous run.
func (s *JobStore) RecoverInstance(ctx context.Context) (RecoveryReport, error) {
	return s.recovery.RecoverInstance(ctx, s.config.InstanceID)
}
