// MPI stubs for builds without the mpi tag.

//go:build !mpi

package comm

import "go.uber.org/zap"

func openMPI(_ *zap.Logger) ([]Communicator, func() error, error) {
	return nil, nil, ErrBackendUnavailable
}
