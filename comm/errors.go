package comm

import (
	"errors"
	"fmt"
)

var (
	// ErrCommunicationFailure reports an unreachable peer, a timeout or a
	// cancelled context inside a collective.
	ErrCommunicationFailure = errors.New("comm: communication failure")

	// ErrCollectiveMismatch reports ranks that are not executing the same
	// collective call in lock-step.
	ErrCollectiveMismatch = errors.New("comm: collective mismatch")

	// ErrInvalidPeer is returned for a peer rank outside [0, Size).
	ErrInvalidPeer = errors.New("comm: invalid peer")

	// ErrClosed is returned by a Runtime that has been closed.
	ErrClosed = errors.New("comm: runtime closed")

	// ErrBackendUnavailable is returned when the requested backend was not
	// compiled in.
	ErrBackendUnavailable = errors.New("comm: backend unavailable")
)

// AbortError is what every rank sees once the process group has been
// aborted. It matches ErrCommunicationFailure and the original cause.
type AbortError struct {
	Origin int   // rank that raised the abort
	Cause  error // first error reported to Abort
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("comm: group aborted by rank %d: %v", e.Origin, e.Cause)
}

func (e *AbortError) Unwrap() []error {
	return []error{ErrCommunicationFailure, e.Cause}
}
