package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backend selects the process group implementation.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendMPI   Backend = "mpi"
)

// Options configures Open.
type Options struct {
	Backend Backend
	Procs   int           // ranks hosted in-process (local backend only)
	Timeout time.Duration // per blocking call (local backend only)
	Logger  *zap.Logger
}

// Runtime owns the process group for the lifetime of a program. Open it
// once, run collective work through Run, and Close it at the end.
type Runtime struct {
	backend  Backend
	logger   *zap.Logger
	group    *LocalGroup
	comms    []Communicator
	finalize func() error

	mu     sync.Mutex
	closed bool
}

// Open initialises the selected backend.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{backend: opts.Backend, logger: logger}

	switch opts.Backend {
	case "", BackendLocal:
		rt.backend = BackendLocal
		procs := opts.Procs
		if procs == 0 {
			procs = 1
		}
		g, err := NewLocalGroup(procs, WithTimeout(opts.Timeout), WithLogger(logger))
		if err != nil {
			return nil, err
		}
		rt.group = g
		rt.comms = g.Comms()
		rt.finalize = func() error { return nil }
	case BackendMPI:
		comms, finalize, err := openMPI(logger)
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", opts.Backend, err)
		}
		rt.comms = comms
		rt.finalize = finalize
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, opts.Backend)
	}

	logger.Debug("runtime opened",
		zap.String("backend", string(rt.backend)),
		zap.Int("local_ranks", len(rt.comms)))
	return rt, nil
}

// Backend reports the backend in use.
func (rt *Runtime) Backend() Backend { return rt.backend }

// Comms returns the communicators of the ranks hosted by this process.
func (rt *Runtime) Comms() []Communicator { return rt.comms }

// Group returns the in-process group, or nil for the MPI backend.
func (rt *Runtime) Group() *LocalGroup { return rt.group }

// Run executes fn once per hosted rank, concurrently, and returns the first
// error. A failing rank cancels the context of the others.
func (rt *Runtime) Run(ctx context.Context, fn func(ctx context.Context, c Communicator) error) error {
	rt.mu.Lock()
	closed := rt.closed
	rt.mu.Unlock()
	if closed {
		return ErrClosed
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range rt.comms {
		eg.Go(func() error {
			if err := fn(egCtx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Close releases the backend. Further calls to Run fail with ErrClosed.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	rt.logger.Debug("runtime closed", zap.String("backend", string(rt.backend)))
	return rt.finalize()
}
