package partitions

import "errors"

var (
	// ErrNotOwned is returned when a global row is looked up on a rank that
	// does not own it.
	ErrNotOwned = errors.New("partitions: index not owned locally")

	// ErrOutOfRange indicates a global index outside [0, NumRows).
	ErrOutOfRange = errors.New("partitions: index out of range")

	// ErrInvalidLayout reports a builder configuration or layout that does
	// not assign every row to exactly one partition.
	ErrInvalidLayout = errors.New("partitions: invalid layout")
)
