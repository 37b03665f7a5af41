package jobstore

import "fmt"

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

// JobKey identifies a job. (Name, Group) is globally unique.
type JobKey struct {
	Name  string
	Group string
}

// NewJobKey returns a JobKey, defaulting the group to DefaultGroup.
func NewJobKey(name, group string) JobKey {
	if group == "" {
		group = DefaultGroup
	}
	return JobKey{Name: name, Group: group}
}

func (k JobKey) String() string {
	return k.Group + "." + k.Name
}

// Less orders keys by group, then name.
func (k JobKey) Less(o JobKey) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Name < o.Name
}

func (k JobKey) validate() error {
	if k.Name == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalidArgument)
	}
	if k.Group == "" {
		return fmt.Errorf("%w: job group is required", ErrInvalidArgument)
	}
	return nil
}

// JobDataMap is the opaque user payload carried by a job.
// Values must be BSON-encodable.
type JobDataMap map[string]any

// Clone returns a shallow copy of the map.
func (m JobDataMap) Clone() JobDataMap {
	if m == nil {
		return nil
	}
	out := make(JobDataMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Job is a persisted job definition.
type Job struct {
	Key         JobKey
	Description string

	// JobClass is a reference resolved by the execution runtime.
	// It is never interpreted here.
	JobClass string

	// Durable jobs remain stored when no trigger references them.
	Durable bool

	// Stateful jobs persist their data after each execution and never run
	// concurrently: while one of their triggers executes the others are BLOCKED.
	Stateful bool

	Data JobDataMap
}

// Clone returns a copy of the job with its own data map.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Data = j.Data.Clone()
	return &c
}
