package seqreplay

import "errors"

// ReplayError implements errors unique to sequence replay
type ReplayError struct {
	Op  string
	Err error
}

// Error satisfies the error interface
func (e *ReplayError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e *ReplayError) Unwrap() error {
	return e.Err
}

var errMidSequenceReset = errors.New("episode reset strictly inside a " +
	"sampled window is not supported")

// IsUnsupportedMidSequenceReset returns whether an error reports that
// an episode boundary fell inside a sampled window at a position other
// than the window's first step.
//
// Such a window cannot be replayed correctly: the new episode's steps
// would wrongly inherit the previous episode's hidden state. The
// condition signals a structural mismatch between the rollout length,
// the batch window length, and the environments' episode lengths; the
// caller must pick compatible lengths rather than retry.
func IsUnsupportedMidSequenceReset(err error) bool {
	return errors.Is(err, errMidSequenceReset)
}
