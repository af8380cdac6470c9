// Package exchange builds and executes the communication plan that moves
// vector entries between ranks before a distributed multiply.
//
// A plan is built collectively from each rank's list of remote global
// indices. Building runs in two phases: ranks first agree on how many
// indices each peer will request, then send the request lists to the owners,
// which translate them to local indices. Exchange later sends exactly the
// requested values back, in request order, so each message lands at a fixed
// offset of the receiver's buffer.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/partitions"
	"go.uber.org/zap"
)

var (
	// ErrInvalidated is returned by a plan whose last exchange failed or
	// that was invalidated explicitly. Build a new one.
	ErrInvalidated = errors.New("exchange: plan invalidated")

	// ErrBufferSize reports a local or remote buffer of the wrong length.
	ErrBufferSize = errors.New("exchange: buffer size mismatch")

	// ErrRemoteOrder reports a remote index list that is not grouped by
	// owner or that names a locally owned index.
	ErrRemoteOrder = errors.New("exchange: malformed remote index list")

	// ErrInconsistent is returned by Verify when the import and export
	// lists of two ranks disagree.
	ErrInconsistent = errors.New("exchange: inconsistent plan")
)

// Import lists the entries received from one peer.
type Import struct {
	Rank    int
	Globals []int // requested global indices, in buffer order
	Offset  int   // position of Globals[0] in the remote buffer
}

// Export lists the entries sent to one peer.
type Export struct {
	Rank         int
	LocalIndices []int // owned local indices, in the order the peer requested
}

// Stats summarises a plan.
type Stats struct {
	NumRemote int // entries received per exchange
	NumExport int // entries sent per exchange
	RecvPeers int
	SendPeers int
}

// Plan is one rank's import/export schedule.
type Plan struct {
	c      comm.Communicator
	domain *partitions.Map
	logger *zap.Logger

	Imports   []Import // ascending by Rank, non-empty only
	Exports   []Export // ascending by Rank, non-empty only
	NumRemote int

	// per peer position in Imports/Exports, -1 if no traffic
	importOf []int
	exportOf []int
	sendBuf  []float64

	mu    sync.Mutex
	valid bool
}

// Option configures Build.
type Option func(*Plan)

// WithLogger sets the logger for build and failure reports.
func WithLogger(l *zap.Logger) Option {
	return func(p *Plan) {
		if l != nil {
			p.logger = l
		}
	}
}

// OrderRemote returns the distinct indices of globals sorted by (owner,
// global index), which is the buffer order Build expects. Indices owned by
// the calling rank are rejected.
func OrderRemote(m *partitions.Map, globals []int) ([]int, error) {
	type entry struct{ owner, g int }
	seen := make(map[int]struct{}, len(globals))
	entries := make([]entry, 0, len(globals))
	for _, g := range globals {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		owner, err := m.OwnerOf(g)
		if err != nil {
			return nil, err
		}
		if owner == m.Rank() {
			return nil, fmt.Errorf("%w: index %d is owned by rank %d", ErrRemoteOrder, g, owner)
		}
		entries = append(entries, entry{owner, g})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].owner != entries[j].owner {
			return entries[i].owner < entries[j].owner
		}
		return entries[i].g < entries[j].g
	})
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.g
	}
	return out, nil
}

// Build constructs the plan collectively. Every rank of c must call it with
// maps of the same layout. remote must be grouped by owning rank in
// ascending order (OrderRemote produces such a list); the values of
// remote[i] will arrive at position i of the buffer passed to Exchange.
func Build(ctx context.Context, c comm.Communicator, domain *partitions.Map, remote []int, opts ...Option) (*Plan, error) {
	p := &Plan{
		c:         c,
		domain:    domain,
		logger:    zap.NewNop(),
		NumRemote: len(remote),
		importOf:  make([]int, c.Size()),
		exportOf:  make([]int, c.Size()),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := range p.importOf {
		p.importOf[i] = -1
		p.exportOf[i] = -1
	}

	if err := p.groupImports(remote); err != nil {
		return nil, p.abortBuild(err)
	}

	// phase 1: how many indices does every peer want from me
	counts := make([]int, c.Size())
	for _, imp := range p.Imports {
		counts[imp.Rank] = len(imp.Globals)
	}
	wanted, err := comm.AllToAllCounts(ctx, c, counts)
	if err != nil {
		return nil, p.abortBuild(err)
	}

	// phase 2: request lists go only to peers with something to send
	requests := make(map[int][]int)
	err = comm.Pairwise(c, func(peer int, lower bool) error {
		send := func() error {
			if i := p.importOf[peer]; i >= 0 {
				return c.SendInts(ctx, peer, comm.TagRequest, p.Imports[i].Globals)
			}
			return nil
		}
		recv := func() error {
			if wanted[peer] == 0 {
				return nil
			}
			buf := make([]int, wanted[peer])
			if err := c.RecvInts(ctx, peer, comm.TagRequest, buf); err != nil {
				return err
			}
			requests[peer] = buf
			return nil
		}
		if lower {
			if err := send(); err != nil {
				return err
			}
			return recv()
		}
		if err := recv(); err != nil {
			return err
		}
		return send()
	})
	if err != nil {
		return nil, p.abortBuild(err)
	}

	numExport := 0
	for _, peer := range comm.Peers(c) {
		req, ok := requests[peer]
		if !ok {
			continue
		}
		local := make([]int, len(req))
		for i, g := range req {
			l, err := domain.LocalIndexOf(g)
			if err != nil {
				return nil, p.abortBuild(fmt.Errorf("rank %d requested %d: %w", peer, g, err))
			}
			local[i] = l
		}
		p.exportOf[peer] = len(p.Exports)
		p.Exports = append(p.Exports, Export{Rank: peer, LocalIndices: local})
		numExport += len(local)
	}
	p.sendBuf = make([]float64, numExport)
	p.valid = true

	planBuilds.Inc()
	stats := p.Stats()
	p.logger.Debug("communication plan built",
		zap.Int("rank", c.Rank()),
		zap.Int("remote", stats.NumRemote),
		zap.Int("export", stats.NumExport),
		zap.Int("recv_peers", stats.RecvPeers),
		zap.Int("send_peers", stats.SendPeers))
	return p, nil
}

// groupImports splits remote into per-owner runs.
func (p *Plan) groupImports(remote []int) error {
	prev := -1
	for i, g := range remote {
		owner, err := p.domain.OwnerOf(g)
		if err != nil {
			return err
		}
		if owner == p.c.Rank() {
			return fmt.Errorf("%w: index %d is owned locally", ErrRemoteOrder, g)
		}
		if owner < prev {
			return fmt.Errorf("%w: index %d (rank %d) follows rank %d", ErrRemoteOrder, g, owner, prev)
		}
		if owner != prev {
			p.importOf[owner] = len(p.Imports)
			p.Imports = append(p.Imports, Import{Rank: owner, Offset: i})
			prev = owner
		}
		last := &p.Imports[len(p.Imports)-1]
		last.Globals = append(last.Globals, g)
	}
	return nil
}

// abortBuild releases peers blocked in the build and records the failure.
func (p *Plan) abortBuild(err error) error {
	p.c.Abort(err)
	exchangeFailures.WithLabelValues("build").Inc()
	p.logger.Warn("communication plan build failed", zap.Int("rank", p.c.Rank()), zap.Error(err))
	return fmt.Errorf("build plan: %w", err)
}

// Valid reports whether the plan may still be used.
func (p *Plan) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid
}

// Invalidate marks the plan unusable. Further exchanges fail with
// ErrInvalidated.
func (p *Plan) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid {
		p.logger.Debug("communication plan invalidated", zap.Int("rank", p.c.Rank()))
	}
	p.valid = false
}

// Domain returns the map the plan's export indices refer to.
func (p *Plan) Domain() *partitions.Map { return p.domain }

func (p *Plan) Stats() Stats {
	s := Stats{NumRemote: p.NumRemote, RecvPeers: len(p.Imports), SendPeers: len(p.Exports)}
	for _, e := range p.Exports {
		s.NumExport += len(e.LocalIndices)
	}
	return s
}

// Exchange fills remote with the entries of the peers' local vectors this
// rank imports, sending the entries of local that the peers requested.
// Collective. A failure invalidates the plan.
func (p *Plan) Exchange(ctx context.Context, local, remote []float64) error {
	if err := p.check(local, remote); err != nil {
		return err
	}
	start := time.Now()
	sent := 0
	err := comm.Pairwise(p.c, func(peer int, lower bool) error {
		send := func() error {
			i := p.exportOf[peer]
			if i < 0 {
				return nil
			}
			idx := p.Exports[i].LocalIndices
			buf := p.sendBuf[:len(idx)]
			for k, l := range idx {
				buf[k] = local[l]
			}
			sent += len(buf)
			return p.c.SendFloats(ctx, peer, comm.TagExchange, buf)
		}
		recv := func() error {
			i := p.importOf[peer]
			if i < 0 {
				return nil
			}
			imp := &p.Imports[i]
			return p.c.RecvFloats(ctx, peer, comm.TagExchange, remote[imp.Offset:imp.Offset+len(imp.Globals)])
		}
		return ordered(lower, send, recv)
	})
	return p.finish("forward", start, sent, err)
}

// ExportAdd is the reverse of Exchange: each rank sends its remote buffer
// back to the owners, which add the contributions into local. Owners add
// peer contributions in ascending rank order. Collective. A failure
// invalidates the plan.
func (p *Plan) ExportAdd(ctx context.Context, remote, local []float64) error {
	if err := p.check(local, remote); err != nil {
		return err
	}
	start := time.Now()
	sent := 0
	err := comm.Pairwise(p.c, func(peer int, lower bool) error {
		send := func() error {
			i := p.importOf[peer]
			if i < 0 {
				return nil
			}
			imp := &p.Imports[i]
			sent += len(imp.Globals)
			return p.c.SendFloats(ctx, peer, comm.TagExportAdd, remote[imp.Offset:imp.Offset+len(imp.Globals)])
		}
		recv := func() error {
			i := p.exportOf[peer]
			if i < 0 {
				return nil
			}
			idx := p.Exports[i].LocalIndices
			buf := p.sendBuf[:len(idx)]
			if err := p.c.RecvFloats(ctx, peer, comm.TagExportAdd, buf); err != nil {
				return err
			}
			for k, l := range idx {
				local[l] += buf[k]
			}
			return nil
		}
		return ordered(lower, send, recv)
	})
	return p.finish("reverse", start, sent, err)
}

// ordered runs send before recv on the lower rank of a pair and the other
// way round on the higher one.
func ordered(lower bool, send, recv func() error) error {
	first, second := recv, send
	if lower {
		first, second = send, recv
	}
	if err := first(); err != nil {
		return err
	}
	return second()
}

func (p *Plan) check(local, remote []float64) error {
	if !p.Valid() {
		return ErrInvalidated
	}
	if len(local) != p.domain.OwnedCount() {
		return fmt.Errorf("%w: local buffer has %d entries, map owns %d",
			ErrBufferSize, len(local), p.domain.OwnedCount())
	}
	if len(remote) != p.NumRemote {
		return fmt.Errorf("%w: remote buffer has %d entries, plan imports %d",
			ErrBufferSize, len(remote), p.NumRemote)
	}
	return nil
}

func (p *Plan) finish(direction string, start time.Time, sent int, err error) error {
	if err != nil {
		p.Invalidate()
		exchangeFailures.WithLabelValues(direction).Inc()
		p.logger.Warn("exchange failed",
			zap.Int("rank", p.c.Rank()),
			zap.String("direction", direction),
			zap.Error(err))
		return fmt.Errorf("%s exchange: %w", direction, err)
	}
	exchangesTotal.WithLabelValues(direction).Inc()
	valuesMoved.WithLabelValues(direction).Add(float64(sent))
	exchangeDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
	return nil
}

// Verify checks collectively that every rank exports to each peer exactly
// as many entries as that peer imports, and that the local plan is well
// formed. All ranks return the same verdict.
func (p *Plan) Verify(ctx context.Context) error {
	var problem error
	offset := 0
	for _, imp := range p.Imports {
		if imp.Offset != offset {
			problem = fmt.Errorf("%w: rank %d imports at offset %d, want %d", ErrInconsistent, imp.Rank, imp.Offset, offset)
			break
		}
		offset += len(imp.Globals)
	}
	if problem == nil && offset != p.NumRemote {
		problem = fmt.Errorf("%w: imports cover %d of %d remote entries", ErrInconsistent, offset, p.NumRemote)
	}
	for _, e := range p.Exports {
		if problem != nil {
			break
		}
		if slices.ContainsFunc(e.LocalIndices, func(l int) bool { return l < 0 || l >= p.domain.OwnedCount() }) {
			problem = fmt.Errorf("%w: export to rank %d names an unowned entry", ErrInconsistent, e.Rank)
		}
	}

	counts := make([]int, p.c.Size())
	for _, imp := range p.Imports {
		counts[imp.Rank] = len(imp.Globals)
	}
	wanted, err := comm.AllToAllCounts(ctx, p.c, counts)
	if err != nil {
		return err
	}
	for _, peer := range comm.Peers(p.c) {
		if problem != nil {
			break
		}
		have := 0
		if i := p.exportOf[peer]; i >= 0 {
			have = len(p.Exports[i].LocalIndices)
		}
		if have != wanted[peer] {
			problem = fmt.Errorf("%w: rank %d imports %d entries, rank %d exports %d",
				ErrInconsistent, peer, wanted[peer], p.c.Rank(), have)
		}
	}

	bad := 0
	if problem != nil {
		bad = 1
	}
	r, err := comm.AllreduceInts(ctx, p.c, comm.OpMax, []int{bad})
	if err != nil {
		return err
	}
	if problem != nil {
		return problem
	}
	if r[0] != 0 {
		return fmt.Errorf("%w: reported by another rank", ErrInconsistent)
	}
	return nil
}
