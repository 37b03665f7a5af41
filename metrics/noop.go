package metrics

// NoopSink discards every event.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TriggersAcquired(int)    {}
func (n *NoopSink) LostRace(string)         {}
func (n *NoopSink) TriggersFired(int)       {}
func (n *NoopSink) TriggerCompleted(string) {}
func (n *NoopSink) LocksReclaimed(int)      {}
func (n *NoopSink) TriggersRecovered(int)   {}
func (n *NoopSink) StoreError(string)       {}
