package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LockTypeTrigger is the lock type taken while a trigger is acquired or executing.
const LockTypeTrigger = "TRIGGER_ACCESS"

// ReclaimedLock describes a stale lock removed by ReclaimStale.
type ReclaimedLock struct {
	TriggerKey TriggerKey
	LockType   string
	InstanceID string
	AcquiredAt time.Time
}

// LockManager grants at most one instance the lock on a trigger. Exclusion
// rests on the lock collection's unique key.
type LockManager struct {
	locks  LockCollection
	logger *zap.Logger
}

// NewLockManager creates a manager over the backend's lock collection.
func NewLockManager(b Backend, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{locks: b.Locks(), logger: logger}
}

// TryAcquire inserts a lock for the trigger owned by instanceID. It reports
// false, without error, when anyone (the caller included) already holds it.
func (m *LockManager) TryAcquire(ctx context.Context, key TriggerKey, lockType, instanceID string, now time.Time) (bool, error) {
	err := m.locks.Insert(ctx, &LockRecord{
		TriggerName:  key.Name,
		TriggerGroup: key.Group,
		LockType:     lockType,
		InstanceID:   instanceID,
		AcquiredAt:   StoreTime(now),
	})
	if errors.Is(err, ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("jobstore: lock trigger %s: %w", key, err)
	}
	return true, nil
}

// Release deletes the lock when instanceID owns it. Releasing a lock that is
// held by another instance, or not held at all, is a no-op.
func (m *LockManager) Release(ctx context.Context, key TriggerKey, lockType, instanceID string) (bool, error) {
	ok, err := m.locks.DeleteOwned(ctx, key, lockType, instanceID)
	if err != nil {
		return false, fmt.Errorf("jobstore: unlock trigger %s: %w", key, err)
	}
	if !ok {
		m.logger.Debug("lock not held by instance",
			zap.Stringer("trigger", key), zap.String("instance", instanceID))
	}
	return ok, nil
}

// Holder returns the instance holding the lock, or "" when unlocked.
func (m *LockManager) Holder(ctx context.Context, key TriggerKey, lockType string) (string, error) {
	rec, err := m.locks.Find(ctx, key, lockType)
	if err != nil {
		return "", fmt.Errorf("jobstore: find lock %s: %w", key, err)
	}
	if rec == nil {
		return "", nil
	}
	return rec.InstanceID, nil
}

// ReclaimStale deletes every lock acquired before deadBefore. Each delete is
// conditioned on the lock's owner and age, so a lock refreshed or re-taken
// in the meantime survives. Only locks actually deleted are returned.
func (m *LockManager) ReclaimStale(ctx context.Context, deadBefore time.Time) ([]ReclaimedLock, error) {
	deadBefore = StoreTime(deadBefore)
	stale, err := m.locks.FindStale(ctx, deadBefore)
	if err != nil {
		return nil, fmt.Errorf("jobstore: find stale locks: %w", err)
	}
	var reclaimed []ReclaimedLock
	for _, rec := range stale {
		ok, err := m.locks.DeleteStale(ctx, rec.TriggerKey(), rec.LockType, rec.InstanceID, deadBefore)
		if err != nil {
			return reclaimed, fmt.Errorf("jobstore: reclaim lock %s: %w", rec.TriggerKey(), err)
		}
		if !ok {
			continue
		}
		m.logger.Info("reclaimed stale lock",
			zap.Stringer("trigger", rec.TriggerKey()),
			zap.String("instance", rec.InstanceID),
			zap.Time("acquiredAt", rec.AcquiredAt))
		reclaimed = append(reclaimed, ReclaimedLock{
			TriggerKey: rec.TriggerKey(),
			LockType:   rec.LockType,
			InstanceID: rec.InstanceID,
			AcquiredAt: rec.AcquiredAt,
		})
	}
	return reclaimed, nil
}

// Heartbeat refreshes every lock owned by instanceID so live work is not
// taken for stale.
func (m *LockManager) Heartbeat(ctx context.Context, instanceID string, now time.Time) (int64, error) {
	n, err := m.locks.Touch(ctx, instanceID, StoreTime(now))
	if err != nil {
		return 0, fmt.Errorf("jobstore: heartbeat %s: %w", instanceID, err)
	}
	return n, nil
}

// Owned lists the locks held by instanceID.
func (m *LockManager) Owned(ctx context.Context, instanceID string) ([]*LockRecord, error) {
	recs, err := m.locks.FindByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: locks of %s: %w", instanceID, err)
	}
	return recs, nil
}

// Count returns the number of held locks.
func (m *LockManager) Count(ctx context.Context) (int64, error) {
	n, err := m.locks.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobstore: count locks: %w", err)
	}
	return n, nil
}
