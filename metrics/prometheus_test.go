package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Sink = (*PrometheusSink)(nil)
var _ Sink = (*NoopSink)(nil)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)

	t.Run("counters accumulate", func(t *testing.T) {
		sink.TriggersAcquired(3)
		sink.TriggersAcquired(2)
		sink.TriggersFired(4)
		sink.LocksReclaimed(1)
		sink.TriggersRecovered(1)

		assert.Equal(t, 5.0, testutil.ToFloat64(sink.acquiredTotal))
		assert.Equal(t, 4.0, testutil.ToFloat64(sink.firedTotal))
		assert.Equal(t, 1.0, testutil.ToFloat64(sink.reclaimedTotal))
		assert.Equal(t, 1.0, testutil.ToFloat64(sink.recoveredTotal))
	})

	t.Run("labelled counters", func(t *testing.T) {
		sink.LostRace(OpAcquire)
		sink.LostRace(OpAcquire)
		sink.LostRace(OpFire)
		sink.StoreError(OpRelease)
		sink.TriggerCompleted("COMPLETE")

		assert.Equal(t, 2.0, testutil.ToFloat64(sink.lostRacesTotal.WithLabelValues(OpAcquire)))
		assert.Equal(t, 1.0, testutil.ToFloat64(sink.lostRacesTotal.WithLabelValues(OpFire)))
		assert.Equal(t, 1.0, testutil.ToFloat64(sink.storeErrorTotal.WithLabelValues(OpRelease)))
		assert.Equal(t, 1.0, testutil.ToFloat64(sink.completedTotal.WithLabelValues("COMPLETE")))
	})

	t.Run("registered with the registry", func(t *testing.T) {
		count, err := testutil.GatherAndCount(reg, "jobstore_triggers_acquired_total", "jobstore_lost_races_total")
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("duplicate registration does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			dup := NewPrometheusSink(reg, nil)
			dup.TriggersAcquired(1)
		})
	})
}
