package jobstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DEEJ4Y/jobstore/metrics"
)

// MisfirePolicy adjusts a misfired trigger in place. Setting NextFireTime to
// nil completes the trigger.
type MisfirePolicy func(t *Trigger, now time.Time)

// DefaultMisfirePolicy applies the trigger's MisfireInstruction.
func DefaultMisfirePolicy(t *Trigger, now time.Time) {
	switch t.MisfireInstruction {
	case MisfireDoNothing:
	case MisfireRescheduleNext:
		t.NextFireTime = t.FireTimeAfter(now)
	default:
		n := now
		if t.EndTime != nil && n.After(*t.EndTime) {
			t.NextFireTime = t.FireTimeAfter(now)
			return
		}
		t.NextFireTime = &n
	}
}

// TriggerRepository owns trigger documents and the trigger state machine.
// It references jobs by key only.
type TriggerRepository struct {
	triggers TriggerCollection
	jobs     JobCollection
	paused   PausedGroupCollection

	misfireThreshold time.Duration
	misfirePolicy    MisfirePolicy

	logger  *zap.Logger
	metrics metrics.Sink
	clock   func() time.Time
}

// TriggerRepositoryConfig configures a TriggerRepository.
type TriggerRepositoryConfig struct {
	MisfireThreshold time.Duration
	MisfirePolicy    MisfirePolicy
	Logger           *zap.Logger
	Metrics          metrics.Sink
	Clock            func() time.Time
}

// NewTriggerRepository creates a repository over the backend's trigger collection.
func NewTriggerRepository(b Backend, cfg TriggerRepositoryConfig) *TriggerRepository {
	if cfg.MisfirePolicy == nil {
		cfg.MisfirePolicy = DefaultMisfirePolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopSink()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TriggerRepository{
		triggers:         b.Triggers(),
		jobs:             b.Jobs(),
		paused:           b.PausedGroups(),
		misfireThreshold: cfg.MisfireThreshold,
		misfirePolicy:    cfg.MisfirePolicy,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		clock:            cfg.Clock,
	}
}

// Store inserts the trigger. The referenced job must exist
// (ErrReferentialViolation otherwise). A key conflict fails with
// ErrAlreadyExists unless replace is set.
//
// The stored state is WAITING, PAUSED when the trigger's group is paused,
// and BLOCKED / PAUSED_BLOCKED while a stateful job is executing.
func (r *TriggerRepository) Store(ctx context.Context, trigger *Trigger, replace bool) error {
	if trigger == nil {
		return fmt.Errorf("%w: nil trigger", ErrInvalidArgument)
	}
	if err := trigger.validate(); err != nil {
		return err
	}
	t := trigger.Clone()
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}

	job, err := r.jobs.Find(ctx, t.JobKey)
	if err != nil {
		return fmt.Errorf("jobstore: store trigger %s: %w", t.Key, err)
	}
	if job == nil {
		return fmt.Errorf("%w: trigger %s references job %s", ErrReferentialViolation, t.Key, t.JobKey)
	}

	if t.NextFireTime == nil && t.computeFirstFireTime() == nil {
		return fmt.Errorf("%w: %s", ErrTriggerWillNeverFire, t.Key)
	}

	state, err := r.initialState(ctx, t, job)
	if err != nil {
		return err
	}
	t.State = state

	rec := EncodeTrigger(t)
	if replace {
		err = r.triggers.Upsert(ctx, rec)
	} else {
		err = r.triggers.Insert(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("jobstore: store trigger %s: %w", t.Key, err)
	}
	return nil
}

func (r *TriggerRepository) initialState(ctx context.Context, t *Trigger, job *JobRecord) (TriggerState, error) {
	paused, err := r.paused.Contains(ctx, t.Key.Group)
	if err != nil {
		return StateNone, fmt.Errorf("jobstore: check paused group %q: %w", t.Key.Group, err)
	}
	blocked := false
	if job.Stateful {
		if blocked, err = r.jobExecuting(ctx, t.JobKey, t.Key); err != nil {
			return StateNone, err
		}
	}
	switch {
	case paused && blocked:
		return StatePausedBlocked, nil
	case paused:
		return StatePaused, nil
	case blocked:
		return StateBlocked, nil
	}
	return StateWaiting, nil
}

// jobExecuting reports whether any trigger of the job other than except is EXECUTING.
func (r *TriggerRepository) jobExecuting(ctx context.Context, jobKey JobKey, except TriggerKey) (bool, error) {
	recs, err := r.triggers.FindByJob(ctx, jobKey)
	if err != nil {
		return false, fmt.Errorf("jobstore: triggers of job %s: %w", jobKey, err)
	}
	for _, rec := range recs {
		if rec.State == StateExecuting && rec.Key() != except {
			return true, nil
		}
	}
	return false, nil
}

// Retrieve returns the trigger, or nil when absent.
func (r *TriggerRepository) Retrieve(ctx context.Context, key TriggerKey) (*Trigger, error) {
	rec, err := r.triggers.Find(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("jobstore: retrieve trigger %s: %w", key, err)
	}
	if rec == nil {
		return nil, nil
	}
	return DecodeTrigger(rec)
}

// State returns the stored state, StateNone when the trigger is absent.
func (r *TriggerRepository) State(ctx context.Context, key TriggerKey) (TriggerState, error) {
	rec, err := r.triggers.Find(ctx, key)
	if err != nil {
		return StateNone, fmt.Errorf("jobstore: trigger state %s: %w", key, err)
	}
	if rec == nil {
		return StateNone, nil
	}
	return rec.State, nil
}

// Remove deletes the trigger. When the owning job is not durable and has no
// triggers left, the job is deleted too.
func (r *TriggerRepository) Remove(ctx context.Context, key TriggerKey) (bool, error) {
	rec, err := r.triggers.Find(ctx, key)
	if err != nil {
		return false, fmt.Errorf("jobstore: remove trigger %s: %w", key, err)
	}
	if rec == nil {
		return false, nil
	}
	removed, err := r.triggers.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("jobstore: remove trigger %s: %w", key, err)
	}
	if !removed {
		return false, nil
	}
	if err := r.removeOrphanedJob(ctx, rec.JobKey()); err != nil {
		return true, err
	}
	return true, nil
}

func (r *TriggerRepository) removeOrphanedJob(ctx context.Context, jobKey JobKey) error {
	job, err := r.jobs.Find(ctx, jobKey)
	if err != nil {
		return fmt.Errorf("jobstore: find job %s: %w", jobKey, err)
	}
	if job == nil || job.Durable {
		return nil
	}
	n, err := r.triggers.CountByJob(ctx, jobKey)
	if err != nil {
		return fmt.Errorf("jobstore: count triggers of job %s: %w", jobKey, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.jobs.Delete(ctx, jobKey); err != nil {
		return fmt.Errorf("jobstore: remove orphaned job %s: %w", jobKey, err)
	}
	r.logger.Debug("removed non-durable job without triggers", zap.Stringer("job", jobKey))
	return nil
}

// Replace swaps the trigger stored under key for newTrigger, which must
// reference the same job. It reports false when nothing is stored under key.
func (r *TriggerRepository) Replace(ctx context.Context, key TriggerKey, newTrigger *Trigger) (bool, error) {
	if newTrigger == nil {
		return false, fmt.Errorf("%w: nil trigger", ErrInvalidArgument)
	}
	old, err := r.triggers.Find(ctx, key)
	if err != nil {
		return false, fmt.Errorf("jobstore: replace trigger %s: %w", key, err)
	}
	if old == nil {
		return false, nil
	}
	if old.JobKey() != newTrigger.JobKey {
		return false, fmt.Errorf("%w: replacement for %s must reference job %s", ErrInvalidArgument, key, old.JobKey())
	}
	if newTrigger.Key == key {
		return true, r.Store(ctx, newTrigger, true)
	}
	if err := r.Store(ctx, newTrigger, false); err != nil {
		return false, err
	}
	if _, err := r.triggers.Delete(ctx, key); err != nil {
		return true, fmt.Errorf("jobstore: remove replaced trigger %s: %w", key, err)
	}
	return true, nil
}

// ForJob returns the triggers referencing the job. Records that cannot be
// decoded are skipped and logged.
func (r *TriggerRepository) ForJob(ctx context.Context, jobKey JobKey) ([]*Trigger, error) {
	recs, err := r.triggers.FindByJob(ctx, jobKey)
	if err != nil {
		return nil, fmt.Errorf("jobstore: triggers of job %s: %w", jobKey, err)
	}
	return r.decodeAll(recs), nil
}

func (r *TriggerRepository) decodeAll(recs []*TriggerRecord) []*Trigger {
	out := make([]*Trigger, 0, len(recs))
	for _, rec := range recs {
		t, err := DecodeTrigger(rec)
		if err != nil {
			r.logger.Warn("skipping malformed trigger", zap.Stringer("trigger", rec.Key()), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out
}

// Count returns the number of stored triggers at call time.
func (r *TriggerRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.triggers.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobstore: count triggers: %w", err)
	}
	return n, nil
}

// GroupNames lists the distinct trigger groups.
func (r *TriggerRepository) GroupNames(ctx context.Context) ([]string, error) {
	groups, err := r.triggers.GroupNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobstore: trigger group names: %w", err)
	}
	return groups, nil
}

// Keys lists the keys of the triggers in group.
func (r *TriggerRepository) Keys(ctx context.Context, group string) ([]TriggerKey, error) {
	keys, err := r.triggers.Keys(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("jobstore: trigger keys of %q: %w", group, err)
	}
	return keys, nil
}

// Transition moves the trigger to state to when it is currently in one of
// the from states. A mismatch means another instance advanced the trigger
// first: it is reported as (false, nil), never as an error.
func (r *TriggerRepository) Transition(ctx context.Context, key TriggerKey, op string, from []TriggerState, to TriggerState) (bool, error) {
	ok, err := r.triggers.UpdateStateIf(ctx, key, InStates(from...), to)
	if err != nil {
		r.metrics.StoreError(op)
		return false, fmt.Errorf("jobstore: %s trigger %s: %w", op, key, err)
	}
	if !ok {
		r.lostRace(op, key, to)
	}
	return ok, nil
}

// update writes t when the stored trigger still satisfies cond.
func (r *TriggerRepository) update(ctx context.Context, t *Trigger, op string, cond Condition) (bool, error) {
	ok, err := r.triggers.ReplaceIf(ctx, EncodeTrigger(t), cond)
	if err != nil {
		r.metrics.StoreError(op)
		return false, fmt.Errorf("jobstore: %s trigger %s: %w", op, t.Key, err)
	}
	if !ok {
		r.lostRace(op, t.Key, t.State)
	}
	return ok, nil
}

func (r *TriggerRepository) lostRace(op string, key TriggerKey, to TriggerState) {
	r.metrics.LostRace(op)
	r.logger.Debug("trigger already advanced by another instance",
		zap.String("op", op), zap.Stringer("trigger", key), zap.String("state", string(to)))
}

// Misfired reports whether t's fire instant passed by more than the
// misfire threshold.
func (r *TriggerRepository) Misfired(t *Trigger, now time.Time) bool {
	if t.NextFireTime == nil {
		return false
	}
	return t.NextFireTime.Before(now.Add(-r.misfireThreshold))
}

// ApplyMisfire runs the misfire policy on a misfired trigger and writes the
// result, conditional on the trigger being unchanged since it was read.
// It returns the trigger as now stored; ok is false when another instance
// changed the trigger first.
func (r *TriggerRepository) ApplyMisfire(ctx context.Context, t *Trigger, now time.Time) (_ *Trigger, ok bool, err error) {
	if !r.Misfired(t, now) {
		return t, true, nil
	}
	adjusted := t.Clone()
	r.misfirePolicy(adjusted, now)
	if adjusted.NextFireTime == nil {
		adjusted.State = StateComplete
	}
	if sameTime(adjusted.NextFireTime, t.NextFireTime) && adjusted.State == t.State {
		return t, true, nil
	}
	cond := Condition{States: []TriggerState{t.State}, CheckNextFireTime: true, NextFireTime: t.NextFireTime}
	ok, err = r.update(ctx, adjusted, metrics.OpMisfire, cond)
	if err != nil || !ok {
		return nil, false, err
	}
	r.logger.Info("applied misfire policy",
		zap.Stringer("trigger", t.Key),
		zap.Stringer("instruction", t.MisfireInstruction),
		zap.Timep("missed", t.NextFireTime),
		zap.Timep("next", adjusted.NextFireTime))
	return adjusted, true, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Pause moves a WAITING or ACQUIRED trigger to PAUSED and a BLOCKED one to
// PAUSED_BLOCKED.
func (r *TriggerRepository) Pause(ctx context.Context, key TriggerKey) (bool, error) {
	ok, err := r.triggers.UpdateStateIf(ctx, key, InStates(StateWaiting, StateAcquired), StatePaused)
	if err != nil || ok {
		return ok, wrapOp(err, "pause", key)
	}
	ok, err = r.triggers.UpdateStateIf(ctx, key, InStates(StateBlocked), StatePausedBlocked)
	return ok, wrapOp(err, "pause", key)
}

// Resume moves a PAUSED trigger back to WAITING (BLOCKED while its stateful
// job executes) with misfire evaluation, and PAUSED_BLOCKED to BLOCKED.
func (r *TriggerRepository) Resume(ctx context.Context, key TriggerKey) (bool, error) {
	rec, err := r.triggers.Find(ctx, key)
	if err != nil {
		return false, wrapOp(err, "resume", key)
	}
	if rec == nil {
		return false, nil
	}
	switch rec.State {
	case StatePausedBlocked:
		return r.Transition(ctx, key, metrics.OpResume, []TriggerState{StatePausedBlocked}, StateBlocked)
	case StatePaused:
	default:
		return false, nil
	}

	t, err := DecodeTrigger(rec)
	if err != nil {
		return false, err
	}
	resumed := t.Clone()
	resumed.State = StateWaiting
	job, err := r.jobs.Find(ctx, t.JobKey)
	if err != nil {
		return false, wrapOp(err, "resume", key)
	}
	if job != nil && job.Stateful {
		blocked, err := r.jobExecuting(ctx, t.JobKey, key)
		if err != nil {
			return false, err
		}
		if blocked {
			resumed.State = StateBlocked
		}
	}
	now := r.clock()
	if r.Misfired(resumed, now) {
		r.misfirePolicy(resumed, now)
		if resumed.NextFireTime == nil {
			resumed.State = StateComplete
		}
	}
	return r.update(ctx, resumed, metrics.OpResume, Condition{
		States:            []TriggerState{StatePaused},
		CheckNextFireTime: true,
		NextFireTime:      t.NextFireTime,
	})
}

// PauseGroup pauses every trigger of group and marks the group paused so
// triggers stored into it later start PAUSED.
func (r *TriggerRepository) PauseGroup(ctx context.Context, group string) (int64, error) {
	if err := r.paused.Add(ctx, group); err != nil {
		return 0, fmt.Errorf("jobstore: pause group %q: %w", group, err)
	}
	sel := TriggerSelector{Group: group}
	n, err := r.triggers.UpdateStates(ctx, sel, []TriggerState{StateWaiting, StateAcquired}, StatePaused)
	if err != nil {
		return 0, fmt.Errorf("jobstore: pause group %q: %w", group, err)
	}
	m, err := r.triggers.UpdateStates(ctx, sel, []TriggerState{StateBlocked}, StatePausedBlocked)
	if err != nil {
		return n, fmt.Errorf("jobstore: pause group %q: %w", group, err)
	}
	return n + m, nil
}

// ResumeGroup clears the paused mark of group and resumes its triggers.
func (r *TriggerRepository) ResumeGroup(ctx context.Context, group string) (int64, error) {
	if _, err := r.paused.Remove(ctx, group); err != nil {
		return 0, fmt.Errorf("jobstore: resume group %q: %w", group, err)
	}
	keys, err := r.triggers.Keys(ctx, group)
	if err != nil {
		return 0, fmt.Errorf("jobstore: resume group %q: %w", group, err)
	}
	var n int64
	for _, key := range keys {
		ok, err := r.Resume(ctx, key)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// PausedGroups lists the paused trigger groups.
func (r *TriggerRepository) PausedGroups(ctx context.Context) ([]string, error) {
	groups, err := r.paused.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobstore: paused groups: %w", err)
	}
	return groups, nil
}

// PauseJob pauses every trigger of the job.
func (r *TriggerRepository) PauseJob(ctx context.Context, jobKey JobKey) (int, error) {
	return r.eachTriggerOfJob(ctx, jobKey, r.Pause)
}

// ResumeJob resumes every trigger of the job.
func (r *TriggerRepository) ResumeJob(ctx context.Context, jobKey JobKey) (int, error) {
	return r.eachTriggerOfJob(ctx, jobKey, r.Resume)
}

func (r *TriggerRepository) eachTriggerOfJob(ctx context.Context, jobKey JobKey, fn func(context.Context, TriggerKey) (bool, error)) (int, error) {
	recs, err := r.triggers.FindByJob(ctx, jobKey)
	if err != nil {
		return 0, fmt.Errorf("jobstore: triggers of job %s: %w", jobKey, err)
	}
	n := 0
	for _, rec := range recs {
		ok, err := fn(ctx, rec.Key())
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// blockJob keeps the other triggers of a stateful job from firing while one
// of them executes.
func (r *TriggerRepository) blockJob(ctx context.Context, jobKey JobKey) error {
	sel := TriggerSelector{JobKey: &jobKey}
	if _, err := r.triggers.UpdateStates(ctx, sel, []TriggerState{StateWaiting, StateAcquired}, StateBlocked); err != nil {
		return fmt.Errorf("jobstore: block job %s: %w", jobKey, err)
	}
	if _, err := r.triggers.UpdateStates(ctx, sel, []TriggerState{StatePaused}, StatePausedBlocked); err != nil {
		return fmt.Errorf("jobstore: block job %s: %w", jobKey, err)
	}
	return nil
}

// unblockJob reverses blockJob.
func (r *TriggerRepository) unblockJob(ctx context.Context, jobKey JobKey) error {
	sel := TriggerSelector{JobKey: &jobKey}
	if _, err := r.triggers.UpdateStates(ctx, sel, []TriggerState{StateBlocked}, StateWaiting); err != nil {
		return fmt.Errorf("jobstore: unblock job %s: %w", jobKey, err)
	}
	if _, err := r.triggers.UpdateStates(ctx, sel, []TriggerState{StatePausedBlocked}, StatePaused); err != nil {
		return fmt.Errorf("jobstore: unblock job %s: %w", jobKey, err)
	}
	return nil
}

// setJobTriggersState moves every trigger of the job, regardless of state, to state.
func (r *TriggerRepository) setJobTriggersState(ctx context.Context, jobKey JobKey, to TriggerState) error {
	all := []TriggerState{StateWaiting, StateAcquired, StateExecuting, StatePaused,
		StatePausedBlocked, StateBlocked, StateComplete, StateError}
	if _, err := r.triggers.UpdateStates(ctx, TriggerSelector{JobKey: &jobKey}, all, to); err != nil {
		return fmt.Errorf("jobstore: set triggers of job %s to %s: %w", jobKey, to, err)
	}
	return nil
}

func wrapOp(err error, op string, key TriggerKey) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("jobstore: %s trigger %s: %w", op, key, err)
}
