package jobstore

import (
	"fmt"
	"time"
)

// DefaultPriority is assigned to triggers stored without a priority.
const DefaultPriority = 5

// TriggerKey identifies a trigger. (Name, Group) is globally unique.
type TriggerKey struct {
	Name  string
	Group string
}

// NewTriggerKey returns a TriggerKey, defaulting the group to DefaultGroup.
func NewTriggerKey(name, group string) TriggerKey {
	if group == "" {
		group = DefaultGroup
	}
	return TriggerKey{Name: name, Group: group}
}

func (k TriggerKey) String() string {
	return k.Group + "." + k.Name
}

// Less orders keys by group, then name.
func (k TriggerKey) Less(o TriggerKey) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Name < o.Name
}

func (k TriggerKey) validate() error {
	if k.Name == "" {
		return fmt.Errorf("%w: trigger name is required", ErrInvalidArgument)
	}
	if k.Group == "" {
		return fmt.Errorf("%w: trigger group is required", ErrInvalidArgument)
	}
	return nil
}

// TriggerState is the lifecycle state tag of a stored trigger.
type TriggerState string

const (
	StateNone          TriggerState = ""
	StateWaiting       TriggerState = "WAITING"
	StateAcquired      TriggerState = "ACQUIRED"
	StateExecuting     TriggerState = "EXECUTING"
	StatePaused        TriggerState = "PAUSED"
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED"
	StateBlocked       TriggerState = "BLOCKED"
	StateComplete      TriggerState = "COMPLETE"
	StateError         TriggerState = "ERROR"
)

// Valid reports whether s is one of the persisted states.
func (s TriggerState) Valid() bool {
	switch s {
	case StateWaiting, StateAcquired, StateExecuting, StatePaused,
		StatePausedBlocked, StateBlocked, StateComplete, StateError:
		return true
	}
	return false
}

// MisfireInstruction selects what happens to a trigger whose fire instant
// passed by more than the misfire threshold.
type MisfireInstruction int

const (
	// MisfireSmartPolicy behaves like MisfireFireNow.
	MisfireSmartPolicy MisfireInstruction = iota
	// MisfireFireNow moves the next fire time to now.
	MisfireFireNow
	// MisfireRescheduleNext skips the missed instants and waits for the next
	// one the schedule produces after now.
	MisfireRescheduleNext
	// MisfireDoNothing leaves the trigger untouched; it fires late.
	MisfireDoNothing
)

func (m MisfireInstruction) String() string {
	switch m {
	case MisfireSmartPolicy:
		return "smart"
	case MisfireFireNow:
		return "fire-now"
	case MisfireRescheduleNext:
		return "reschedule-next"
	case MisfireDoNothing:
		return "do-nothing"
	}
	return fmt.Sprintf("misfire(%d)", int(m))
}

// Trigger is a persisted firing schedule bound to one job.
type Trigger struct {
	Key         TriggerKey
	JobKey      JobKey
	Description string

	NextFireTime     *time.Time
	PreviousFireTime *time.Time
	StartTime        time.Time
	EndTime          *time.Time

	Priority           int
	MisfireInstruction MisfireInstruction
	Schedule           Schedule
	TimesTriggered     int

	// State is maintained by the store. Values set by callers are ignored
	// on store.
	State TriggerState
}

// Clone returns a deep copy of the trigger.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	c := *t
	c.NextFireTime = cloneTime(t.NextFireTime)
	c.PreviousFireTime = cloneTime(t.PreviousFireTime)
	c.EndTime = cloneTime(t.EndTime)
	return &c
}

// FireTimeAfter returns the first instant the trigger fires strictly after
// the given time, honouring the end bound. Returns nil when it never fires again.
func (t *Trigger) FireTimeAfter(after time.Time) *time.Time {
	if t.Schedule == nil {
		return nil
	}
	next, ok := t.Schedule.FireTimeAfter(t.StartTime, after)
	if !ok {
		return nil
	}
	if t.EndTime != nil && next.After(*t.EndTime) {
		return nil
	}
	return &next
}

// computeFirstFireTime sets NextFireTime to the first instant at or after
// StartTime.
func (t *Trigger) computeFirstFireTime() *time.Time {
	t.NextFireTime = t.FireTimeAfter(t.StartTime.Add(-time.Millisecond))
	return t.NextFireTime
}

// triggered advances the trigger past its current fire instant.
func (t *Trigger) triggered() {
	t.TimesTriggered++
	t.PreviousFireTime = cloneTime(t.NextFireTime)
	if t.NextFireTime == nil {
		return
	}
	t.NextFireTime = t.FireTimeAfter(*t.NextFireTime)
}

func (t *Trigger) validate() error {
	if err := t.Key.validate(); err != nil {
		return err
	}
	if err := t.JobKey.validate(); err != nil {
		return err
	}
	if t.Schedule == nil {
		return fmt.Errorf("%w: trigger %s has no schedule", ErrInvalidArgument, t.Key)
	}
	if err := validateSchedule(t.Schedule); err != nil {
		return fmt.Errorf("%w: trigger %s: %w", ErrInvalidArgument, t.Key, err)
	}
	if t.StartTime.IsZero() {
		return fmt.Errorf("%w: trigger %s has no start time", ErrInvalidArgument, t.Key)
	}
	if t.EndTime != nil && t.EndTime.Before(t.StartTime) {
		return fmt.Errorf("%w: trigger %s ends before it starts", ErrInvalidArgument, t.Key)
	}
	return nil
}

// validateSchedule rejects simple schedules that do not survive being
// stored at millisecond resolution.
func validateSchedule(s Schedule) error {
	var ss SimpleSchedule
	switch v := s.(type) {
	case SimpleSchedule:
		ss = v
	case *SimpleSchedule:
		if v == nil {
			return fmt.Errorf("nil schedule")
		}
		ss = *v
	default:
		return nil
	}
	if ss.RepeatCount < RepeatForever {
		return fmt.Errorf("invalid repeat count %d", ss.RepeatCount)
	}
	if ss.RepeatCount == 0 {
		return nil
	}
	if ss.Interval < time.Millisecond || ss.Interval%time.Millisecond != 0 {
		return fmt.Errorf("interval %s is not a positive whole number of milliseconds", ss.Interval)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CompletionInstruction tells TriggeredJobComplete what to do with a trigger
// once its job finished executing.
type CompletionInstruction int

const (
	// CompletionNoop reschedules the trigger when it has a next fire time and
	// completes it otherwise.
	CompletionNoop CompletionInstruction = iota
	// CompletionReExecuteJob is handled by the engine; the store treats it as Noop.
	CompletionReExecuteJob
	CompletionSetTriggerComplete
	CompletionDeleteTrigger
	CompletionSetAllJobTriggersComplete
	CompletionSetTriggerError
	CompletionSetAllJobTriggersError
)
