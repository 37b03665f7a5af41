package jobstore

import "errors"

var (
	// ErrAlreadyExists is returned when a job, trigger or lock with the same
	// key is already stored and replacing was not permitted.
	ErrAlreadyExists = errors.New("jobstore: already exists")

	// ErrReferentialViolation is returned when a trigger references a job
	// that does not exist. Nothing is written.
	ErrReferentialViolation = errors.New("jobstore: referenced job does not exist")

	// ErrStoreUnavailable wraps network, timeout and authentication failures
	// of the document store. The operation may be retried; no state change
	// must be assumed.
	ErrStoreUnavailable = errors.New("jobstore: store unavailable")

	// ErrMalformedRecord is returned when a stored document cannot be
	// decoded. Only that record is affected.
	ErrMalformedRecord = errors.New("jobstore: malformed record")

	// ErrTriggerWillNeverFire is returned when a trigger's schedule yields no
	// fire time at all.
	ErrTriggerWillNeverFire = errors.New("jobstore: trigger will never fire")

	// ErrInvalidArgument reports a missing key, schedule or similar.
	ErrInvalidArgument = errors.New("jobstore: invalid argument")
)

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
