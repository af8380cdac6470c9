// MPI backend over MPI_COMM_WORLD. It assumes MPI_ERRORS_ARE_FATAL, so MPI
// return codes are not inspected; contexts cannot interrupt a blocked call.
// Every receive probes the next message from the peer first, so a wrong tag
// or length is reported as ErrCollectiveMismatch (and aborts the job) rather
// than surfacing as an MPI truncation error.

//go:build mpi

package comm

/*
#cgo LDFLAGS: -lmpi
#include <stdlib.h>
#include <mpi.h>
*/
import "C"

import (
	"context"
	"fmt"
	"unsafe"

	"go.uber.org/zap"
)

type mpiComm struct {
	rank   int
	size   int
	logger *zap.Logger
}

func openMPI(logger *zap.Logger) ([]Communicator, func() error, error) {
	var initialized C.int
	C.MPI_Initialized(&initialized)
	if initialized == 0 {
		C.MPI_Init(nil, nil)
	}
	var rank, size C.int
	C.MPI_Comm_rank(C.MPI_COMM_WORLD, &rank)
	C.MPI_Comm_size(C.MPI_COMM_WORLD, &size)

	c := &mpiComm{rank: int(rank), size: int(size), logger: logger}
	finalize := func() error {
		C.MPI_Finalize()
		return nil
	}
	return []Communicator{c}, finalize, nil
}

func (c *mpiComm) Rank() int { return c.rank }
func (c *mpiComm) Size() int { return c.size }

func (c *mpiComm) Abort(err error) {
	c.logger.Error("aborting MPI job", zap.Int("rank", c.rank), zap.Error(err))
	C.MPI_Abort(C.MPI_COMM_WORLD, 1)
}

func (c *mpiComm) checkPeer(peer int) error {
	if peer < 0 || peer >= c.size || peer == c.rank {
		return fmt.Errorf("%w: rank %d cannot address %d", ErrInvalidPeer, c.rank, peer)
	}
	return nil
}

// probe blocks until the next message from peer is available and checks its
// envelope against the receive about to be posted. Messages between a pair
// of ranks do not overtake, so the probed message is the one received next.
func (c *mpiComm) probe(dt C.MPI_Datatype, peer int, tag Tag, want int) error {
	var status C.MPI_Status
	C.MPI_Probe(C.int(peer), C.MPI_ANY_TAG, C.MPI_COMM_WORLD, &status)
	var count C.int
	C.MPI_Get_count(&status, dt, &count)
	err := CheckEnvelope(c.rank, peer, Envelope{tag, want}, Envelope{Tag(status.MPI_TAG), int(count)})
	if err != nil {
		c.Abort(err)
	}
	return err
}

func (c *mpiComm) SendInts(_ context.Context, peer int, tag Tag, buf []int) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	sBuf := make([]C.long, len(buf)+1)
	for i, v := range buf {
		sBuf[i] = C.long(v)
	}
	C.MPI_Send(unsafe.Pointer(&sBuf[0]), C.int(len(buf)), C.MPI_LONG, C.int(peer), C.int(tag), C.MPI_COMM_WORLD)
	return nil
}

func (c *mpiComm) RecvInts(_ context.Context, peer int, tag Tag, buf []int) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	if err := c.probe(C.MPI_LONG, peer, tag, len(buf)); err != nil {
		return err
	}
	rBuf := make([]C.long, len(buf)+1)
	var status C.MPI_Status
	C.MPI_Recv(unsafe.Pointer(&rBuf[0]), C.int(len(buf)), C.MPI_LONG, C.int(peer), C.int(tag), C.MPI_COMM_WORLD, &status)
	for i := range buf {
		buf[i] = int(rBuf[i])
	}
	return nil
}

func (c *mpiComm) SendFloats(_ context.Context, peer int, tag Tag, buf []float64) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	C.MPI_Send(ptr, C.int(len(buf)), C.MPI_DOUBLE, C.int(peer), C.int(tag), C.MPI_COMM_WORLD)
	return nil
}

func (c *mpiComm) RecvFloats(_ context.Context, peer int, tag Tag, buf []float64) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	if err := c.probe(C.MPI_DOUBLE, peer, tag, len(buf)); err != nil {
		return err
	}
	var ptr unsafe.Pointer
	if len(buf) > 0 {
		ptr = unsafe.Pointer(&buf[0])
	}
	var status C.MPI_Status
	C.MPI_Recv(ptr, C.int(len(buf)), C.MPI_DOUBLE, C.int(peer), C.int(tag), C.MPI_COMM_WORLD, &status)
	return nil
}

func (c *mpiComm) Barrier(_ context.Context) error {
	C.MPI_Barrier(C.MPI_COMM_WORLD)
	return nil
}
