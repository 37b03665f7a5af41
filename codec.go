package jobstore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// JobRecord is the persisted layout of a job.
type JobRecord struct {
	ID          any    `bson:"_id,omitempty"`
	Name        string `bson:"name"`
	Group       string `bson:"group"`
	Description string `bson:"description,omitempty"`
	Durable     bool   `bson:"durable"`
	Stateful    bool   `bson:"stateful"`
	JobData     []byte `bson:"jobData,omitempty"`
	JobClassRef string `bson:"jobClassRef"`
}

// Key returns the record's job key.
func (r *JobRecord) Key() JobKey {
	return JobKey{Name: r.Name, Group: r.Group}
}

// TriggerRecord is the persisted layout of a trigger.
type TriggerRecord struct {
	ID                 any                `bson:"_id,omitempty"`
	Name               string             `bson:"name"`
	Group              string             `bson:"group"`
	JobName            string             `bson:"jobName"`
	JobGroup           string             `bson:"jobGroup"`
	Description        string             `bson:"description,omitempty"`
	NextFireTime       *time.Time         `bson:"nextFireTime"`
	PrevFireTime       *time.Time         `bson:"prevFireTime"`
	StartTime          time.Time          `bson:"startTime"`
	EndTime            *time.Time         `bson:"endTime,omitempty"`
	Priority           int                `bson:"priority"`
	MisfireInstruction int                `bson:"misfireInstruction"`
	TimesTriggered     int                `bson:"timesTriggered"`
	State              TriggerState       `bson:"state"`
	ScheduleDescriptor ScheduleDescriptor `bson:"scheduleDescriptor"`
}

// Key returns the record's trigger key.
func (r *TriggerRecord) Key() TriggerKey {
	return TriggerKey{Name: r.Name, Group: r.Group}
}

// JobKey returns the key of the job the record references.
func (r *TriggerRecord) JobKey() JobKey {
	return JobKey{Name: r.JobName, Group: r.JobGroup}
}

// Clone returns a deep copy of the record.
func (r *TriggerRecord) Clone() *TriggerRecord {
	c := *r
	c.NextFireTime = cloneTime(r.NextFireTime)
	c.PrevFireTime = cloneTime(r.PrevFireTime)
	c.EndTime = cloneTime(r.EndTime)
	return &c
}

// LockRecord is the persisted layout of a trigger lock.
type LockRecord struct {
	ID           any       `bson:"_id,omitempty"`
	TriggerName  string    `bson:"triggerName"`
	TriggerGroup string    `bson:"triggerGroup"`
	LockType     string    `bson:"lockType"`
	InstanceID   string    `bson:"instanceId"`
	AcquiredAt   time.Time `bson:"acquiredAt"`
}

// TriggerKey returns the key of the locked trigger.
func (r *LockRecord) TriggerKey() TriggerKey {
	return TriggerKey{Name: r.TriggerName, Group: r.TriggerGroup}
}

// PausedGroupRecord marks a paused trigger group.
type PausedGroupRecord struct {
	Group string `bson:"group"`
}

// EncodeJob converts a job to its record.
func EncodeJob(j *Job) (*JobRecord, error) {
	data, err := encodeJobData(j.Data)
	if err != nil {
		return nil, fmt.Errorf("jobstore: encode job %s: %w", j.Key, err)
	}
	return &JobRecord{
		Name:        j.Key.Name,
		Group:       j.Key.Group,
		Description: j.Description,
		Durable:     j.Durable,
		Stateful:    j.Stateful,
		JobData:     data,
		JobClassRef: j.JobClass,
	}, nil
}

// DecodeJob converts a record back to a job.
func DecodeJob(r *JobRecord) (*Job, error) {
	data, err := decodeJobData(r.JobData)
	if err != nil {
		return nil, fmt.Errorf("%w: job %s: %w", ErrMalformedRecord, r.Key(), err)
	}
	return &Job{
		Key:         r.Key(),
		Description: r.Description,
		JobClass:    r.JobClassRef,
		Durable:     r.Durable,
		Stateful:    r.Stateful,
		Data:        data,
	}, nil
}

func encodeJobData(m JobDataMap) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return bson.Marshal(map[string]any(m))
}

func decodeJobData(raw []byte) (JobDataMap, error) {
	m := JobDataMap{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeTrigger converts a trigger to its record.
func EncodeTrigger(t *Trigger) *TriggerRecord {
	return &TriggerRecord{
		Name:               t.Key.Name,
		Group:              t.Key.Group,
		JobName:            t.JobKey.Name,
		JobGroup:           t.JobKey.Group,
		Description:        t.Description,
		NextFireTime:       storeTimePtr(t.NextFireTime),
		PrevFireTime:       storeTimePtr(t.PreviousFireTime),
		StartTime:          StoreTime(t.StartTime),
		EndTime:            storeTimePtr(t.EndTime),
		Priority:           t.Priority,
		MisfireInstruction: int(t.MisfireInstruction),
		TimesTriggered:     t.TimesTriggered,
		State:              t.State,
		ScheduleDescriptor: t.Schedule.Descriptor(),
	}
}

// DecodeTrigger converts a record back to a trigger.
func DecodeTrigger(r *TriggerRecord) (*Trigger, error) {
	sched, err := DecodeSchedule(r.ScheduleDescriptor)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", r.Key(), err)
	}
	if !r.State.Valid() {
		return nil, fmt.Errorf("%w: trigger %s: unknown state %q", ErrMalformedRecord, r.Key(), r.State)
	}
	return &Trigger{
		Key:                r.Key(),
		JobKey:             r.JobKey(),
		Description:        r.Description,
		NextFireTime:       storeTimePtr(r.NextFireTime),
		PreviousFireTime:   storeTimePtr(r.PrevFireTime),
		StartTime:          StoreTime(r.StartTime),
		EndTime:            storeTimePtr(r.EndTime),
		Priority:           r.Priority,
		MisfireInstruction: MisfireInstruction(r.MisfireInstruction),
		Schedule:           sched,
		TimesTriggered:     r.TimesTriggered,
		State:              r.State,
	}, nil
}

// StoreTime normalizes t to the store's resolution: UTC milliseconds.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func storeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := StoreTime(*t)
	return &v
}
