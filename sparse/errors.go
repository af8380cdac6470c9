package sparse

import (
	"errors"

	"github.com/notargets/SpMVKernel/partitions"
	"github.com/notargets/SpMVKernel/vector"
)

var (
	// ErrDuplicateColumn reports a column given twice for the same row.
	ErrDuplicateColumn = errors.New("sparse: duplicate column in row")

	// ErrNotSealed is returned by operations that need FinalizeStructure to
	// have completed.
	ErrNotSealed = errors.New("sparse: matrix not sealed")

	// ErrSealed is returned by structural changes after FinalizeStructure.
	ErrSealed = errors.New("sparse: matrix already sealed")

	// ErrNonFinite reports a NaN or infinite value on a matrix that does not
	// permit them.
	ErrNonFinite = errors.New("sparse: non-finite value")

	// ErrFormat reports malformed MatrixMarket input.
	ErrFormat = errors.New("sparse: malformed matrix market data")

	// ErrClosed is returned by a matrix after Close.
	ErrClosed = errors.New("sparse: matrix closed")

	ErrOutOfRange        = partitions.ErrOutOfRange
	ErrDimensionMismatch = vector.ErrDimensionMismatch
)
