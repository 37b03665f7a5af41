package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink with Prometheus collectors.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	acquiredTotal   prometheus.Counter
	lostRacesTotal  *prometheus.CounterVec
	firedTotal      prometheus.Counter
	completedTotal  *prometheus.CounterVec
	reclaimedTotal  prometheus.Counter
	recoveredTotal  prometheus.Counter
	storeErrorTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewPrometheusSink creates the collectors and registers them with reg.
// A nil logger disables registration warnings.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger}

	s.acquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobstore_triggers_acquired_total",
		Help: "Total number of triggers acquired by this instance.",
	})
	s.lostRacesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstore_lost_races_total",
		Help: "Total number of transitions skipped because another instance advanced the trigger first.",
	}, []string{"op"})
	s.firedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobstore_triggers_fired_total",
		Help: "Total number of triggers moved to EXECUTING.",
	})
	s.completedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstore_triggers_completed_total",
		Help: "Total number of completion reports by resulting trigger state.",
	}, []string{"state"})
	s.reclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobstore_locks_reclaimed_total",
		Help: "Total number of stale locks reclaimed from dead instances.",
	})
	s.recoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobstore_triggers_recovered_total",
		Help: "Total number of triggers reverted to WAITING by recovery.",
	})
	s.storeErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstore_store_errors_total",
		Help: "Total number of failed store operations.",
	}, []string{"op"})

	s.register(reg, s.acquiredTotal, "jobstore_triggers_acquired_total")
	s.register(reg, s.lostRacesTotal, "jobstore_lost_races_total")
	s.register(reg, s.firedTotal, "jobstore_triggers_fired_total")
	s.register(reg, s.completedTotal, "jobstore_triggers_completed_total")
	s.register(reg, s.reclaimedTotal, "jobstore_locks_reclaimed_total")
	s.register(reg, s.recoveredTotal, "jobstore_triggers_recovered_total")
	s.register(reg, s.storeErrorTotal, "jobstore_store_errors_total")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("metrics: failed to register collector", zap.String("name", name), zap.Error(err))
	}
}

func (s *PrometheusSink) TriggersAcquired(n int) {
	s.acquiredTotal.Add(float64(n))
}

func (s *PrometheusSink) LostRace(op string) {
	s.lostRacesTotal.WithLabelValues(op).Inc()
}

func (s *PrometheusSink) TriggersFired(n int) {
	s.firedTotal.Add(float64(n))
}

func (s *PrometheusSink) TriggerCompleted(state string) {
	s.completedTotal.WithLabelValues(state).Inc()
}

func (s *PrometheusSink) LocksReclaimed(n int) {
	s.reclaimedTotal.Add(float64(n))
}

func (s *PrometheusSink) TriggersRecovered(n int) {
	s.recoveredTotal.Add(float64(n))
}

func (s *PrometheusSink) StoreError(op string) {
	s.storeErrorTotal.WithLabelValues(op).Inc()
}
