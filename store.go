package jobstore

import (
	"context"
	"time"
)

// Backend is the document store the job store persists into.
// Any database can implement it to work with the job store.
//
// Implementations must be safe for concurrent use and must make every write
// below atomic on a single document. No multi-document transactions are
// assumed. Failures of the store itself are reported wrapped in
// ErrStoreUnavailable.
type Backend interface {
	Jobs() JobCollection
	Triggers() TriggerCollection
	Locks() LockCollection
	PausedGroups() PausedGroupCollection
}

// JobCollection stores job records, unique on (name, group).
type JobCollection interface {
	// Insert stores a new record. It returns ErrAlreadyExists when the key is
	// taken and writes nothing.
	Insert(ctx context.Context, rec *JobRecord) error

	// Upsert replaces the record with the same key, keeping its internal
	// identifier, or inserts it when absent.
	Upsert(ctx context.Context, rec *JobRecord) error

	// Find returns nil when no record has the key.
	Find(ctx context.Context, key JobKey) (*JobRecord, error)

	Delete(ctx context.Context, key JobKey) (bool, error)
	Count(ctx context.Context) (int64, error)
	GroupNames(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, group string) ([]JobKey, error)
}

// Condition guards a conditional trigger write. The zero value matches any
// stored trigger with the key.
type Condition struct {
	// States, when not empty, requires the stored state to be one of them.
	States []TriggerState

	// CheckNextFireTime requires the stored next fire time to equal
	// NextFireTime (nil matches an unset time).
	CheckNextFireTime bool
	NextFireTime      *time.Time
}

// InStates returns a condition requiring one of the given states.
func InStates(states ...TriggerState) Condition {
	return Condition{States: states}
}

// Matches reports whether rec satisfies the condition.
func (c Condition) Matches(rec *TriggerRecord) bool {
	if len(c.States) > 0 {
		found := false
		for _, s := range c.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.CheckNextFireTime {
		switch {
		case c.NextFireTime == nil && rec.NextFireTime == nil:
		case c.NextFireTime == nil || rec.NextFireTime == nil:
			return false
		case !c.NextFireTime.Equal(*rec.NextFireTime):
			return false
		}
	}
	return true
}

// DueQuery selects triggers in a state whose next fire time is no later than
// a bound, ordered by next fire time ascending, priority descending, group
// and name ascending.
type DueQuery struct {
	State       TriggerState
	NoLaterThan time.Time
	Limit       int
}

// TriggerSelector picks triggers for bulk state changes. Exactly one of
// JobKey or Group should be set.
type TriggerSelector struct {
	JobKey *JobKey
	Group  string
}

// TriggerCollection stores trigger records, unique on (name, group).
type TriggerCollection interface {
	Insert(ctx context.Context, rec *TriggerRecord) error
	Upsert(ctx context.Context, rec *TriggerRecord) error
	Find(ctx context.Context, key TriggerKey) (*TriggerRecord, error)
	Delete(ctx context.Context, key TriggerKey) (bool, error)
	Count(ctx context.Context) (int64, error)

	// ReplaceIf replaces the stored record with the same key only when it
	// satisfies cond. It reports whether a record was replaced.
	ReplaceIf(ctx context.Context, rec *TriggerRecord, cond Condition) (bool, error)

	// UpdateStateIf sets the state of one trigger when it satisfies cond.
	UpdateStateIf(ctx context.Context, key TriggerKey, cond Condition, to TriggerState) (bool, error)

	// UpdateStates moves every selected trigger in one of the from states to
	// the given state and returns how many changed.
	UpdateStates(ctx context.Context, sel TriggerSelector, from []TriggerState, to TriggerState) (int64, error)

	FindByJob(ctx context.Context, key JobKey) ([]*TriggerRecord, error)
	CountByJob(ctx context.Context, key JobKey) (int64, error)
	DeleteByJob(ctx context.Context, key JobKey) (int64, error)
	FindByStates(ctx context.Context, states ...TriggerState) ([]*TriggerRecord, error)
	FindDue(ctx context.Context, q DueQuery) ([]*TriggerRecord, error)
	GroupNames(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, group string) ([]TriggerKey, error)
}

// LockCollection stores lock records, unique on (triggerName, triggerGroup, lockType).
type LockCollection interface {
	// Insert stores a lock. It returns ErrAlreadyExists when a lock for the
	// trigger and type is already held by anyone.
	Insert(ctx context.Context, rec *LockRecord) error

	// Find returns nil when the trigger is not locked.
	Find(ctx context.Context, key TriggerKey, lockType string) (*LockRecord, error)

	// DeleteOwned deletes the lock only when instanceID owns it.
	DeleteOwned(ctx context.Context, key TriggerKey, lockType, instanceID string) (bool, error)

	// DeleteStale deletes the lock only when instanceID owns it and it was
	// acquired before deadBefore.
	DeleteStale(ctx context.Context, key TriggerKey, lockType, instanceID string, deadBefore time.Time) (bool, error)

	FindStale(ctx context.Context, deadBefore time.Time) ([]*LockRecord, error)
	FindByInstance(ctx context.Context, instanceID string) ([]*LockRecord, error)

	// Touch sets acquiredAt of every lock owned by instanceID.
	Touch(ctx context.Context, instanceID string, at time.Time) (int64, error)

	Count(ctx context.Context) (int64, error)
}

// PausedGroupCollection stores the names of paused trigger groups.
type PausedGroupCollection interface {
	// Add is idempotent.
	Add(ctx context.Context, group string) error
	Remove(ctx context.Context, group string) (bool, error)
	Contains(ctx context.Context, group string) (bool, error)
	List(ctx context.Context) ([]string, error)
}
