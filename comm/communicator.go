// Package comm provides the process group the distributed SpMV engine runs on.
//
// A Communicator is one rank's handle on the group. Point-to-point messages
// carry a Tag naming the collective they belong to; a receiver that sees a
// tag other than the one it expects fails with ErrCollectiveMismatch, which
// is how ranks that fall out of lock-step are detected. Collectives such as
// AllToAllCounts and AllreduceFloats are built on the point-to-point calls.
//
// Two backends exist: LocalGroup runs every rank as a goroutine of the
// current process, and the MPI backend (build tag "mpi") wraps
// MPI_COMM_WORLD. Runtime gives both an explicit Open/Close lifecycle.
package comm

import (
	"context"
	"fmt"
)

// Tag identifies the collective a message belongs to.
type Tag uint16

const (
	TagBarrier Tag = iota + 1
	TagAgree
	TagCounts
	TagRequest
	TagExchange
	TagExportAdd
	TagReduce
	TagGather
)

func (t Tag) String() string {
	switch t {
	case TagBarrier:
		return "barrier"
	case TagAgree:
		return "agree"
	case TagCounts:
		return "counts"
	case TagRequest:
		return "request"
	case TagExchange:
		return "exchange"
	case TagExportAdd:
		return "export-add"
	case TagReduce:
		return "reduce"
	case TagGather:
		return "gather"
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}

// Communicator is a rank's view of the process group.
//
// Sends may return before the peer has received. Receives block until a
// message from peer arrives and require the message length to equal
// len(buf). All blocking calls honour ctx; a failure aborts the whole group.
type Communicator interface {
	Rank() int
	Size() int

	SendInts(ctx context.Context, peer int, tag Tag, buf []int) error
	RecvInts(ctx context.Context, peer int, tag Tag, buf []int) error
	SendFloats(ctx context.Context, peer int, tag Tag, buf []float64) error
	RecvFloats(ctx context.Context, peer int, tag Tag, buf []float64) error

	Barrier(ctx context.Context) error

	// Abort signals every rank that the current collective failed. The
	// first cause wins.
	Abort(err error)
}

// Peers returns every rank except the caller's, ascending.
func Peers(c Communicator) []int {
	peers := make([]int, 0, c.Size()-1)
	for p := 0; p < c.Size(); p++ {
		if p != c.Rank() {
			peers = append(peers, p)
		}
	}
	return peers
}

// Envelope describes a message as it arrives, before its payload is read.
type Envelope struct {
	Tag   Tag
	Count int
}

// CheckEnvelope compares an arriving message with the receive posted for it
// and returns ErrCollectiveMismatch if the tag or element count differ.
func CheckEnvelope(rank, peer int, want, got Envelope) error {
	if got.Tag != want.Tag {
		return fmt.Errorf("%w: rank %d expected %s from rank %d, got %s",
			ErrCollectiveMismatch, rank, want.Tag, peer, got.Tag)
	}
	if got.Count != want.Count {
		return fmt.Errorf("%w: rank %d expected %d values of %s from rank %d, got %d",
			ErrCollectiveMismatch, rank, want.Count, want.Tag, peer, got.Count)
	}
	return nil
}
