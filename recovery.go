package jobstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DEEJ4Y/jobstore/metrics"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	// ReclaimedLocks are the stale locks deleted in this pass.
	ReclaimedLocks []ReclaimedLock

	// Recovered are the ACQUIRED or EXECUTING triggers returned to WAITING
	// (or COMPLETE, PAUSED, BLOCKED when that is where they belong now).
	Recovered []TriggerKey
}

// RecoveryCoordinator reconciles trigger state with the locks left behind
// by dead instances.
type RecoveryCoordinator struct {
	triggers *TriggerRepository
	store    TriggerCollection
	jobs     JobCollection
	locks    *LockManager
	lockType string
	logger   *zap.Logger
	metrics  metrics.Sink
}

// NewRecoveryCoordinator wires a coordinator over the backend.
func NewRecoveryCoordinator(b Backend, triggers *TriggerRepository, locks *LockManager, lockType string) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		triggers: triggers,
		store:    b.Triggers(),
		jobs:     b.Jobs(),
		locks:    locks,
		lockType: lockType,
		logger:   triggers.logger,
		metrics:  triggers.metrics,
	}
}

// Recover reclaims every lock acquired before deadBefore and returns the
// triggers those locks guarded to an acquirable state, applying misfire
// handling. It then sweeps ACQUIRED or EXECUTING triggers that hold no lock
// at all, left by a crash between writing a trigger and its lock.
func (c *RecoveryCoordinator) Recover(ctx context.Context, deadBefore time.Time) (RecoveryReport, error) {
	var report RecoveryReport

	reclaimed, err := c.locks.ReclaimStale(ctx, deadBefore)
	report.ReclaimedLocks = reclaimed
	if len(reclaimed) > 0 {
		c.metrics.LocksReclaimed(len(reclaimed))
	}
	if err != nil {
		c.metrics.StoreError(metrics.OpRecover)
		return report, err
	}

	for _, lock := range reclaimed {
		ok, err := c.recoverKey(ctx, lock.TriggerKey)
		if err != nil {
			return c.finish(report), err
		}
		if ok {
			report.Recovered = append(report.Recovered, lock.TriggerKey)
		}
	}

	orphans, err := c.sweepOrphans(ctx)
	report.Recovered = append(report.Recovered, orphans...)
	return c.finish(report), err
}

// RecoverInstance drops every lock held under instanceID and recovers the
// triggers behind them. A restarted instance calls it with its own id
// before acquiring anything.
func (c *RecoveryCoordinator) RecoverInstance(ctx context.Context, instanceID string) (RecoveryReport, error) {
	var report RecoveryReport

	owned, err := c.locks.Owned(ctx, instanceID)
	if err != nil {
		c.metrics.StoreError(metrics.OpRecover)
		return report, err
	}
	for _, rec := range owned {
		ok, err := c.locks.Release(ctx, rec.TriggerKey(), rec.LockType, instanceID)
		if err != nil {
			return c.finish(report), err
		}
		if !ok {
			continue
		}
		report.ReclaimedLocks = append(report.ReclaimedLocks, ReclaimedLock{
			TriggerKey: rec.TriggerKey(),
			LockType:   rec.LockType,
			InstanceID: rec.InstanceID,
			AcquiredAt: rec.AcquiredAt,
		})
		recovered, err := c.recoverKey(ctx, rec.TriggerKey())
		if err != nil {
			return c.finish(report), err
		}
		if recovered {
			report.Recovered = append(report.Recovered, rec.TriggerKey())
		}
	}
	if len(report.ReclaimedLocks) > 0 {
		c.metrics.LocksReclaimed(len(report.ReclaimedLocks))
	}
	return c.finish(report), nil
}

func (c *RecoveryCoordinator) finish(report RecoveryReport) RecoveryReport {
	if n := len(report.Recovered); n > 0 {
		c.metrics.TriggersRecovered(n)
		c.logger.Info("recovered triggers",
			zap.Int("locks", len(report.ReclaimedLocks)), zap.Int("triggers", n))
	}
	return report
}

func (c *RecoveryCoordinator) sweepOrphans(ctx context.Context) ([]TriggerKey, error) {
	recs, err := c.store.FindByStates(ctx, StateAcquired, StateExecuting)
	if err != nil {
		c.metrics.StoreError(metrics.OpRecover)
		return nil, fmt.Errorf("jobstore: find in-flight triggers: %w", err)
	}
	var out []TriggerKey
	for _, rec := range recs {
		holder, err := c.locks.Holder(ctx, rec.Key(), c.lockType)
		if err != nil {
			return out, err
		}
		if holder != "" {
			continue
		}
		ok, err := c.recover(ctx, rec)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, rec.Key())
		}
	}
	return out, nil
}

func (c *RecoveryCoordinator) recoverKey(ctx context.Context, key TriggerKey) (bool, error) {
	rec, err := c.store.Find(ctx, key)
	if err != nil {
		c.metrics.StoreError(metrics.OpRecover)
		return false, fmt.Errorf("jobstore: recover trigger %s: %w", key, err)
	}
	if rec == nil {
		return false, nil
	}
	return c.recover(ctx, rec)
}

// recover moves an in-flight trigger back to where it can be acquired. The
// write is conditioned on the state and next fire time that were read, so
// a trigger a live instance advanced meanwhile is left as is.
func (c *RecoveryCoordinator) recover(ctx context.Context, rec *TriggerRecord) (bool, error) {
	if rec.State != StateAcquired && rec.State != StateExecuting {
		return false, nil
	}
	t, err := DecodeTrigger(rec)
	if err != nil {
		c.logger.Warn("cannot recover malformed trigger", zap.Stringer("trigger", rec.Key()), zap.Error(err))
		return false, nil
	}

	job, err := c.jobs.Find(ctx, t.JobKey)
	if err != nil {
		return false, fmt.Errorf("jobstore: recover trigger %s: %w", t.Key, err)
	}
	if job != nil && job.Stateful && t.State == StateExecuting {
		executing, err := c.triggers.jobExecuting(ctx, t.JobKey, t.Key)
		if err != nil {
			return false, err
		}
		if !executing {
			if err := c.triggers.unblockJob(ctx, t.JobKey); err != nil {
				return false, err
			}
		}
	}

	recovered := t.Clone()
	recovered.State = StateWaiting
	if job != nil {
		state, err := c.triggers.initialState(ctx, recovered, job)
		if err != nil {
			return false, err
		}
		recovered.State = state
	}
	now := c.triggers.clock()
	if c.triggers.Misfired(recovered, now) {
		c.triggers.misfirePolicy(recovered, now)
	}
	if recovered.NextFireTime == nil {
		recovered.State = StateComplete
	}

	ok, err := c.triggers.update(ctx, recovered, metrics.OpRecover, Condition{
		States:            []TriggerState{t.State},
		CheckNextFireTime: true,
		NextFireTime:      t.NextFireTime,
	})
	if err != nil || !ok {
		return false, err
	}
	c.logger.Info("recovered trigger",
		zap.Stringer("trigger", t.Key),
		zap.String("from", string(t.State)),
		zap.String("to", string(recovered.State)))
	return true, nil
}
