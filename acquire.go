package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DEEJ4Y/jobstore/metrics"
)

// AcquisitionEngine claims due triggers for one instance.
type AcquisitionEngine struct {
	triggers   *TriggerRepository
	store      TriggerCollection
	locks      *LockManager
	keys       *keyLock
	instanceID string
	lockType   string
	logger     *zap.Logger
	metrics    metrics.Sink
}

// NewAcquisitionEngine wires an engine acting as instanceID.
func NewAcquisitionEngine(b Backend, triggers *TriggerRepository, locks *LockManager, instanceID, lockType string) *AcquisitionEngine {
	return &AcquisitionEngine{
		triggers:   triggers,
		store:      b.Triggers(),
		locks:      locks,
		keys:       newKeyLock(),
		instanceID: instanceID,
		lockType:   lockType,
		logger:     triggers.logger.With(zap.String("instance", instanceID)),
		metrics:    triggers.metrics,
	}
}

// AcquireNextTriggers returns up to maxCount WAITING triggers due no later
// than now+timeWindow, each locked by this instance and moved to ACQUIRED.
// Candidates are tried by next fire time, then priority (highest first),
// then key. Misfired candidates are adjusted first; one pushed past the
// window is left for a later pass.
//
// A candidate whose lock is held elsewhere, or whose state changed after it
// was read, is skipped. If the store fails mid-pass, the triggers acquired
// so far are released and the error is returned.
func (e *AcquisitionEngine) AcquireNextTriggers(ctx context.Context, now time.Time, maxCount int, timeWindow time.Duration) ([]*Trigger, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if timeWindow < 0 {
		timeWindow = 0
	}
	noLaterThan := StoreTime(now.Add(timeWindow))
	batch := maxCount * 2

	var acquired []*Trigger
	seen := make(map[TriggerKey]struct{})
	for len(acquired) < maxCount {
		// Triggers claimed in this pass drop out of the WAITING set, so every
		// round re-reads from the head and widens the limit by what was seen.
		limit := len(seen) + batch
		recs, err := e.store.FindDue(ctx, DueQuery{State: StateWaiting, NoLaterThan: noLaterThan, Limit: limit})
		if err != nil {
			return nil, e.abort(ctx, acquired, fmt.Errorf("jobstore: find due triggers: %w", err))
		}
		progressed := false
		for _, rec := range recs {
			if len(acquired) == maxCount {
				break
			}
			if _, dup := seen[rec.Key()]; dup {
				continue
			}
			seen[rec.Key()] = struct{}{}
			progressed = true

			t, err := e.acquireOne(ctx, rec, now, noLaterThan)
			if err != nil {
				return nil, e.abort(ctx, acquired, err)
			}
			if t != nil {
				acquired = append(acquired, t)
			}
		}
		if !progressed || len(recs) < limit {
			break
		}
	}

	if len(acquired) > 0 {
		e.metrics.TriggersAcquired(len(acquired))
		e.logger.Debug("acquired triggers", zap.Int("count", len(acquired)))
	}
	return acquired, nil
}

// acquireOne returns nil, nil when the candidate was not acquired.
func (e *AcquisitionEngine) acquireOne(ctx context.Context, rec *TriggerRecord, now, noLaterThan time.Time) (*Trigger, error) {
	t, err := DecodeTrigger(rec)
	if err != nil {
		e.logger.Warn("skipping malformed trigger", zap.Stringer("trigger", rec.Key()), zap.Error(err))
		return nil, nil
	}

	unlock := e.keys.lock(t.Key)
	defer unlock()

	t, ok, err := e.triggers.ApplyMisfire(ctx, t, now)
	if err != nil || !ok {
		return nil, err
	}
	if t.State != StateWaiting || t.NextFireTime == nil || t.NextFireTime.After(noLaterThan) {
		return nil, nil
	}

	locked, err := e.locks.TryAcquire(ctx, t.Key, e.lockType, e.instanceID, now)
	if err != nil {
		return nil, err
	}
	if !locked {
		e.metrics.LostRace(metrics.OpAcquire)
		e.logger.Debug("trigger locked by another instance", zap.Stringer("trigger", t.Key))
		return nil, nil
	}

	claimed, err := e.store.UpdateStateIf(ctx, t.Key, Condition{
		States:            []TriggerState{StateWaiting},
		CheckNextFireTime: true,
		NextFireTime:      t.NextFireTime,
	}, StateAcquired)
	if err != nil || !claimed {
		if !claimed && err == nil {
			e.metrics.LostRace(metrics.OpAcquire)
			e.logger.Debug("trigger changed before it was claimed", zap.Stringer("trigger", t.Key))
		}
		if _, relErr := e.locks.Release(ctx, t.Key, e.lockType, e.instanceID); relErr != nil {
			e.logger.Warn("failed to release lock", zap.Stringer("trigger", t.Key), zap.Error(relErr))
		}
		if err != nil {
			e.metrics.StoreError(metrics.OpAcquire)
			return nil, fmt.Errorf("jobstore: acquire trigger %s: %w", t.Key, err)
		}
		return nil, nil
	}
	t.State = StateAcquired
	return t, nil
}

// abort releases the triggers acquired in a failed pass and returns cause.
func (e *AcquisitionEngine) abort(ctx context.Context, acquired []*Trigger, cause error) error {
	var errs []error
	for _, t := range acquired {
		if err := e.ReleaseAcquiredTrigger(ctx, t.Key); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		e.logger.Warn("failed to release triggers of aborted acquisition",
			zap.Int("count", len(errs)), zap.Error(errors.Join(errs...)))
	}
	return cause
}

// ReleaseAcquiredTrigger reverts an ACQUIRED trigger to WAITING and drops
// this instance's lock on it. Triggers locked by other instances are not
// touched, and neither is a trigger that already moved on to EXECUTING:
// its lock is released by TriggeredJobComplete.
func (e *AcquisitionEngine) ReleaseAcquiredTrigger(ctx context.Context, key TriggerKey) error {
	unlock := e.keys.lock(key)
	defer unlock()

	holder, err := e.locks.Holder(ctx, key, e.lockType)
	if err != nil {
		return err
	}
	if holder != e.instanceID {
		return nil
	}

	reverted, err := e.triggers.Transition(ctx, key, metrics.OpRelease, []TriggerState{StateAcquired}, StateWaiting)
	if err != nil {
		return err
	}
	if !reverted {
		// An EXECUTING trigger is still being fired under this lock.
		rec, err := e.store.Find(ctx, key)
		if err != nil {
			return wrapOp(err, "release", key)
		}
		if rec != nil && rec.State == StateExecuting {
			e.logger.Debug("not releasing lock of executing trigger", zap.Stringer("trigger", key))
			return nil
		}
	}
	if _, err := e.locks.Release(ctx, key, e.lockType, e.instanceID); err != nil {
		e.metrics.StoreError(metrics.OpRelease)
		return err
	}
	return nil
}
