package jobstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/jobstore"
)

func TestSimpleSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule jobstore.SimpleSchedule
		after    time.Time
		want     time.Time
		ok       bool
	}{
		{"before start yields start", jobstore.RepeatMinutelyForever(), epoch.Add(-time.Hour), epoch, true},
		{"strictly after", jobstore.RepeatMinutelyForever(), epoch, epoch.Add(time.Minute), true},
		{"between instants", jobstore.RepeatMinutelyForever(), epoch.Add(90 * time.Second), epoch.Add(2 * time.Minute), true},
		{"once after start", jobstore.Once(), epoch, time.Time{}, false},
		{"repeat count honoured", jobstore.SimpleSchedule{Interval: time.Second, RepeatCount: 2}, epoch.Add(time.Second), epoch.Add(2 * time.Second), true},
		{"repeat count exhausted", jobstore.SimpleSchedule{Interval: time.Second, RepeatCount: 2}, epoch.Add(2 * time.Second), time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.schedule.FireTimeAfter(epoch, tt.after)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCronSchedule(t *testing.T) {
	t.Run("next instant", func(t *testing.T) {
		s, err := jobstore.NewCronSchedule("0 */15 * * * *", nil)
		require.NoError(t, err)

		next, ok := s.FireTimeAfter(epoch, epoch)
		require.True(t, ok)
		assert.True(t, next.Equal(epoch.Add(15*time.Minute)))
	})

	t.Run("start instant is included", func(t *testing.T) {
		s, err := jobstore.NewCronSchedule("0 0 * * * *", nil)
		require.NoError(t, err)

		next, ok := s.FireTimeAfter(epoch, epoch.Add(-time.Hour))
		require.True(t, ok)
		assert.True(t, next.Equal(epoch))
	})

	t.Run("honours location", func(t *testing.T) {
		loc := time.FixedZone("UTC+2", 2*60*60)
		s, err := jobstore.NewCronSchedule("0 0 9 * * *", loc)
		require.NoError(t, err)

		next, ok := s.FireTimeAfter(epoch, epoch)
		require.True(t, ok)
		assert.True(t, next.Equal(time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC)), "got %s", next)
	})

	t.Run("rejects invalid expressions", func(t *testing.T) {
		_, err := jobstore.NewCronSchedule("not a cron", nil)
		assert.Error(t, err)

		_, err = jobstore.NewCronSchedule("* * * * *", nil)
		assert.Error(t, err, "five fields")
	})
}

func TestScheduleDescriptors(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		want := jobstore.SimpleSchedule{Interval: 90 * time.Second, RepeatCount: 3}
		got, err := jobstore.DecodeSchedule(want.Descriptor())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("cron", func(t *testing.T) {
		want, err := jobstore.NewCronSchedule("0 30 2 * * MON", time.UTC)
		require.NoError(t, err)
		got, err := jobstore.DecodeSchedule(want.Descriptor())
		require.NoError(t, err)

		cs, ok := got.(*jobstore.CronSchedule)
		require.True(t, ok)
		assert.Equal(t, want.Expression, cs.Expression)
		assert.Equal(t, "UTC", cs.Location.String())
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := jobstore.DecodeSchedule(jobstore.ScheduleDescriptor{Kind: "calendar", Version: 1})
		assert.ErrorIs(t, err, jobstore.ErrMalformedRecord)
	})

	t.Run("unsupported version", func(t *testing.T) {
		_, err := jobstore.DecodeSchedule(jobstore.ScheduleDescriptor{Kind: jobstore.ScheduleKindSimple, Version: 99})
		assert.ErrorIs(t, err, jobstore.ErrMalformedRecord)
	})

	t.Run("custom kind", func(t *testing.T) {
		jobstore.RegisterSchedule("test-fixed", func(d jobstore.ScheduleDescriptor) (jobstore.Schedule, error) {
			return fixedSchedule{at: time.UnixMilli(d.IntervalMS).UTC()}, nil
		})
		got, err := jobstore.DecodeSchedule(fixedSchedule{at: epoch}.Descriptor())
		require.NoError(t, err)

		next, ok := got.FireTimeAfter(epoch, epoch.Add(-time.Second))
		require.True(t, ok)
		assert.True(t, next.Equal(epoch))
	})
}

// fixedSchedule fires once at a fixed instant.
type fixedSchedule struct {
	at time.Time
}

func (s fixedSchedule) FireTimeAfter(_, after time.Time) (time.Time, bool) {
	if after.Before(s.at) {
		return s.at, true
	}
	return time.Time{}, false
}

func (s fixedSchedule) Descriptor() jobstore.ScheduleDescriptor {
	return jobstore.ScheduleDescriptor{Kind: "test-fixed", Version: 1, IntervalMS: s.at.UnixMilli()}
}
