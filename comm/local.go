package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// mailboxDepth bounds how far a sender may run ahead of its receiver.
const mailboxDepth = 64

type message struct {
	tag    Tag
	ints   []int
	floats []float64
}

// LocalGroup is an in-process process group: rank r is whatever goroutine
// drives Comm(r). Every ordered pair of ranks has its own FIFO mailbox.
type LocalGroup struct {
	size      int
	timeout   time.Duration
	logger    *zap.Logger
	mailboxes [][]chan message // [src][dst]

	mu          sync.Mutex
	aborted     chan struct{}
	abortErr    error
	abortOrigin int

	barrierMu sync.Mutex
	arrived   int
	release   chan struct{}
}

// LocalOption configures a LocalGroup.
type LocalOption func(*LocalGroup)

// WithTimeout bounds every blocking receive and barrier. Zero waits forever.
func WithTimeout(d time.Duration) LocalOption {
	return func(g *LocalGroup) { g.timeout = d }
}

// WithLogger sets the logger used for abort reports.
func WithLogger(l *zap.Logger) LocalOption {
	return func(g *LocalGroup) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewLocalGroup creates a group of size ranks.
func NewLocalGroup(size int, opts ...LocalOption) (*LocalGroup, error) {
	if size <= 0 {
		return nil, fmt.Errorf("comm: group size must be positive, got %d", size)
	}
	g := &LocalGroup{
		size:    size,
		logger:  zap.NewNop(),
		aborted: make(chan struct{}),
		release: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.mailboxes = make([][]chan message, size)
	for src := range g.mailboxes {
		g.mailboxes[src] = make([]chan message, size)
		for dst := range g.mailboxes[src] {
			g.mailboxes[src][dst] = make(chan message, mailboxDepth)
		}
	}
	return g, nil
}

// Size returns the number of ranks.
func (g *LocalGroup) Size() int { return g.size }

// Comm returns the communicator for rank.
func (g *LocalGroup) Comm(rank int) Communicator {
	if rank < 0 || rank >= g.size {
		return nil
	}
	return &localComm{g: g, rank: rank}
}

// Comms returns the communicators of all ranks in rank order.
func (g *LocalGroup) Comms() []Communicator {
	comms := make([]Communicator, g.size)
	for r := range comms {
		comms[r] = g.Comm(r)
	}
	return comms
}

// Err returns the abort error, or nil while the group is healthy.
func (g *LocalGroup) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortErr == nil {
		return nil
	}
	return &AbortError{Origin: g.abortOrigin, Cause: g.abortErr}
}

// Reset clears an abort and drops undelivered messages. It must only be
// called while no rank is inside a collective.
func (g *LocalGroup) Reset() {
	g.mu.Lock()
	if g.abortErr != nil {
		g.abortErr = nil
		g.aborted = make(chan struct{})
	}
	g.mu.Unlock()

	for src := range g.mailboxes {
		for dst := range g.mailboxes[src] {
			ch := g.mailboxes[src][dst]
		drain:
			for {
				select {
				case <-ch:
				default:
					break drain
				}
			}
		}
	}

	g.barrierMu.Lock()
	g.arrived = 0
	g.release = make(chan struct{})
	g.barrierMu.Unlock()
}

func (g *LocalGroup) abort(origin int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortErr != nil {
		return
	}
	g.abortErr = err
	g.abortOrigin = origin
	close(g.aborted)
	g.logger.Warn("process group aborted", zap.Int("rank", origin), zap.Error(err))
}

func (g *LocalGroup) abortSignal() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aborted
}

func (g *LocalGroup) timer() (<-chan time.Time, func()) {
	if g.timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(g.timeout)
	return t.C, func() { t.Stop() }
}

type localComm struct {
	g    *LocalGroup
	rank int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.g.size }

func (c *localComm) Abort(err error) { c.g.abort(c.rank, err) }

// fail aborts the group with err and returns the group-wide error.
func (c *localComm) fail(err error) error {
	c.g.abort(c.rank, err)
	return c.g.Err()
}

func (c *localComm) checkPeer(peer int) error {
	if peer < 0 || peer >= c.g.size || peer == c.rank {
		return fmt.Errorf("%w: rank %d cannot address %d", ErrInvalidPeer, c.rank, peer)
	}
	return nil
}

func (c *localComm) send(ctx context.Context, peer int, msg message) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	if err := c.g.Err(); err != nil {
		return err
	}
	timeout, stop := c.g.timer()
	defer stop()
	select {
	case c.g.mailboxes[c.rank][peer] <- msg:
		return nil
	case <-c.g.abortSignal():
		return c.g.Err()
	case <-ctx.Done():
		return c.fail(fmt.Errorf("%w: send %s to rank %d: %v", ErrCommunicationFailure, msg.tag, peer, ctx.Err()))
	case <-timeout:
		return c.fail(fmt.Errorf("%w: send %s to rank %d timed out after %v",
			ErrCommunicationFailure, msg.tag, peer, c.g.timeout))
	}
}

func (c *localComm) recv(ctx context.Context, peer int, tag Tag) (message, error) {
	if err := c.checkPeer(peer); err != nil {
		return message{}, err
	}
	if err := c.g.Err(); err != nil {
		return message{}, err
	}
	timeout, stop := c.g.timer()
	defer stop()
	select {
	case msg := <-c.g.mailboxes[peer][c.rank]:
		if msg.tag != tag {
			return message{}, c.fail(fmt.Errorf("%w: rank %d expected %s from rank %d, got %s",
				ErrCollectiveMismatch, c.rank, tag, peer, msg.tag))
		}
		return msg, nil
	case <-c.g.abortSignal():
		return message{}, c.g.Err()
	case <-ctx.Done():
		return message{}, c.fail(fmt.Errorf("%w: recv %s from rank %d: %v", ErrCommunicationFailure, tag, peer, ctx.Err()))
	case <-timeout:
		return message{}, c.fail(fmt.Errorf("%w: recv %s from rank %d timed out after %v",
			ErrCommunicationFailure, tag, peer, c.g.timeout))
	}
}

func (c *localComm) SendInts(ctx context.Context, peer int, tag Tag, buf []int) error {
	data := make([]int, len(buf))
	copy(data, buf)
	return c.send(ctx, peer, message{tag: tag, ints: data})
}

func (c *localComm) RecvInts(ctx context.Context, peer int, tag Tag, buf []int) error {
	msg, err := c.recv(ctx, peer, tag)
	if err != nil {
		return err
	}
	if msg.floats != nil {
		return c.fail(fmt.Errorf("%w: rank %d expected ints from rank %d, got floats",
			ErrCollectiveMismatch, c.rank, peer))
	}
	if err := CheckEnvelope(c.rank, peer, Envelope{tag, len(buf)}, Envelope{msg.tag, len(msg.ints)}); err != nil {
		return c.fail(err)
	}
	copy(buf, msg.ints)
	return nil
}

func (c *localComm) SendFloats(ctx context.Context, peer int, tag Tag, buf []float64) error {
	data := make([]float64, len(buf))
	copy(data, buf)
	return c.send(ctx, peer, message{tag: tag, floats: data})
}

func (c *localComm) RecvFloats(ctx context.Context, peer int, tag Tag, buf []float64) error {
	msg, err := c.recv(ctx, peer, tag)
	if err != nil {
		return err
	}
	if msg.ints != nil {
		return c.fail(fmt.Errorf("%w: rank %d expected floats from rank %d, got ints",
			ErrCollectiveMismatch, c.rank, peer))
	}
	if err := CheckEnvelope(c.rank, peer, Envelope{tag, len(buf)}, Envelope{msg.tag, len(msg.floats)}); err != nil {
		return c.fail(err)
	}
	copy(buf, msg.floats)
	return nil
}

func (c *localComm) Barrier(ctx context.Context) error {
	g := c.g
	if err := g.Err(); err != nil {
		return err
	}
	g.barrierMu.Lock()
	release := g.release
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.release = make(chan struct{})
		close(release)
		g.barrierMu.Unlock()
		return nil
	}
	g.barrierMu.Unlock()

	timeout, stop := g.timer()
	defer stop()
	select {
	case <-release:
		return nil
	case <-g.abortSignal():
		return g.Err()
	case <-ctx.Done():
		return c.fail(fmt.Errorf("%w: barrier: %v", ErrCommunicationFailure, ctx.Err()))
	case <-timeout:
		return c.fail(fmt.Errorf("%w: barrier on rank %d timed out after %v",
			ErrCommunicationFailure, c.rank, g.timeout))
	}
}
