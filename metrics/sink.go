// Package metrics records job store activity.
package metrics

// Sink receives job store events. Implementations must not block and must
// not fail the operation that reported the event.
type Sink interface {
	// Acquisition
	TriggersAcquired(n int)
	LostRace(op string)

	// Fire / completion
	TriggersFired(n int)
	TriggerCompleted(state string)

	// Recovery
	LocksReclaimed(n int)
	TriggersRecovered(n int)

	// Store
	StoreError(op string)
}

// Operation labels used with LostRace and StoreError.
const (
	OpAcquire  = "acquire"
	OpFire     = "fire"
	OpComplete = "complete"
	OpRelease  = "release"
	OpRecover  = "recover"
	OpMisfire  = "misfire"
	OpPause    = "pause"
	OpResume   = "resume"
)
