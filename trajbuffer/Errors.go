package trajbuffer

import "errors"

// BufferError implements errors unique to a recurrent trajectory
// buffer.
type BufferError struct {
	Op  string
	Err error
}

// Error satisfies the error interface
func (e *BufferError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e *BufferError) Unwrap() error {
	return e.Err
}

var errCapacityExceeded = errors.New("rollout already at capacity")

var errShapeMismatch = errors.New("record structure does not match buffer")

var errIncompleteRollout = errors.New("rollout not yet complete")

// IsCapacityExceeded returns whether an error reports that Add was
// called after all timestep slots of the current rollout were already
// filled. This signals a bookkeeping bug in the caller's training
// loop, not a transient condition.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, errCapacityExceeded)
}

// IsShapeMismatch returns whether an error reports that a record's
// observation or hidden-state structure deviates from the examples the
// buffer was constructed with.
func IsShapeMismatch(err error) bool {
	return errors.Is(err, errShapeMismatch)
}

// IsIncompleteRollout returns whether an error reports that the buffer
// was sampled before all timestep slots of the rollout were filled.
func IsIncompleteRollout(err error) bool {
	return errors.Is(err, errIncompleteRollout)
}
