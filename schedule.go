package jobstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes fire instants for a trigger. Implementations are
// persisted through their ScheduleDescriptor.
type Schedule interface {
	// FireTimeAfter returns the first fire instant strictly after the given
	// time for a schedule anchored at start. ok is false when the schedule
	// has no further instants.
	FireTimeAfter(start, after time.Time) (next time.Time, ok bool)

	// Descriptor returns the persisted form of the schedule.
	Descriptor() ScheduleDescriptor
}

// ScheduleDescriptor is the persisted, versioned form of a Schedule.
type ScheduleDescriptor struct {
	Kind        string `bson:"kind"`
	Version     int    `bson:"version"`
	Expression  string `bson:"expression,omitempty"`
	Location    string `bson:"location,omitempty"`
	IntervalMS  int64  `bson:"intervalMs,omitempty"`
	RepeatCount int    `bson:"repeatCount,omitempty"`
}

// ScheduleDecoder rebuilds a Schedule from its descriptor.
type ScheduleDecoder func(d ScheduleDescriptor) (Schedule, error)

const (
	ScheduleKindSimple = "simple"
	ScheduleKindCron   = "cron"

	scheduleVersion = 1
)

var (
	scheduleMu       sync.RWMutex
	scheduleDecoders = map[string]ScheduleDecoder{
		ScheduleKindSimple: decodeSimpleSchedule,
		ScheduleKindCron:   decodeCronSchedule,
	}
)

// RegisterSchedule makes a custom schedule kind decodable. Registering a
// built-in kind replaces it.
func RegisterSchedule(kind string, decode ScheduleDecoder) {
	scheduleMu.Lock()
	defer scheduleMu.Unlock()
	scheduleDecoders[kind] = decode
}

// DecodeSchedule resolves a descriptor through the registered decoders.
func DecodeSchedule(d ScheduleDescriptor) (Schedule, error) {
	scheduleMu.RLock()
	decode, ok := scheduleDecoders[d.Kind]
	scheduleMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown schedule kind %q", ErrMalformedRecord, d.Kind)
	}
	s, err := decode(d)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %w", ErrMalformedRecord, d.Kind, err)
	}
	return s, nil
}

// RepeatForever makes a SimpleSchedule repeat without limit.
const RepeatForever = -1

// SimpleSchedule fires at start and then every Interval, RepeatCount more
// times (or forever).
type SimpleSchedule struct {
	Interval    time.Duration
	RepeatCount int
}

// RepeatMinutelyForever fires every minute without end.
func RepeatMinutelyForever() SimpleSchedule {
	return SimpleSchedule{Interval: time.Minute, RepeatCount: RepeatForever}
}

// Once fires a single time at the trigger's start.
func Once() SimpleSchedule {
	return SimpleSchedule{}
}

func (s SimpleSchedule) FireTimeAfter(start, after time.Time) (time.Time, bool) {
	if after.Before(start) {
		return start, true
	}
	if s.Interval <= 0 {
		return time.Time{}, false
	}
	n := int64(after.Sub(start)/s.Interval) + 1
	if s.RepeatCount != RepeatForever && n > int64(s.RepeatCount) {
		return time.Time{}, false
	}
	return start.Add(time.Duration(n) * s.Interval), true
}

func (s SimpleSchedule) Descriptor() ScheduleDescriptor {
	return ScheduleDescriptor{
		Kind:        ScheduleKindSimple,
		Version:     scheduleVersion,
		IntervalMS:  s.Interval.Milliseconds(),
		RepeatCount: s.RepeatCount,
	}
}

func decodeSimpleSchedule(d ScheduleDescriptor) (Schedule, error) {
	if d.Version != scheduleVersion {
		return nil, fmt.Errorf("unsupported version %d", d.Version)
	}
	if d.IntervalMS < 0 || d.RepeatCount < RepeatForever {
		return nil, fmt.Errorf("invalid interval %dms / repeat count %d", d.IntervalMS, d.RepeatCount)
	}
	return SimpleSchedule{
		Interval:    time.Duration(d.IntervalMS) * time.Millisecond,
		RepeatCount: d.RepeatCount,
	}, nil
}

// cronParser accepts six fields: second minute hour day month weekday.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronSchedule fires on the instants of a cron expression.
type CronSchedule struct {
	Expression string
	Location   *time.Location

	schedule cron.Schedule
}

// NewCronSchedule parses a six-field cron expression ("* * * * * *").
// A nil location means UTC.
func NewCronSchedule(expr string, loc *time.Location) (*CronSchedule, error) {
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CronSchedule{Expression: expr, Location: loc, schedule: parsed}, nil
}

func (s *CronSchedule) FireTimeAfter(start, after time.Time) (time.Time, bool) {
	if s.schedule == nil {
		return time.Time{}, false
	}
	if after.Before(start) {
		after = start.Add(-time.Nanosecond)
	}
	next := s.schedule.Next(after.In(s.Location))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (s *CronSchedule) Descriptor() ScheduleDescriptor {
	return ScheduleDescriptor{
		Kind:       ScheduleKindCron,
		Version:    scheduleVersion,
		Expression: s.Expression,
		Location:   s.Location.String(),
	}
}

func decodeCronSchedule(d ScheduleDescriptor) (Schedule, error) {
	if d.Version != scheduleVersion {
		return nil, fmt.Errorf("unsupported version %d", d.Version)
	}
	loc := time.UTC
	if d.Location != "" {
		l, err := time.LoadLocation(d.Location)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	return NewCronSchedule(d.Expression, loc)
}
