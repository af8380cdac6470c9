package partitions

import (
	"fmt"
	"math"
	"sort"
)

// PartitionStrategy defines how rows are grouped
type PartitionStrategy int

const (
	// Simple strategies
	BlockPartition PartitionStrategy = iota // Consecutive near-equal blocks
	RoundRobin                              // Distribute cyclically

	// Load-balanced strategies
	WeightedPartition // Consecutive blocks of near-equal total weight
	ExplicitPartition // Caller supplies the owner of every row
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "round-robin"
	case WeightedPartition:
		return "weighted"
	case ExplicitPartition:
		return "explicit"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy converts a configuration name to a PartitionStrategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch name {
	case "", "block":
		return BlockPartition, nil
	case "round-robin", "roundrobin", "cyclic":
		return RoundRobin, nil
	case "weighted":
		return WeightedPartition, nil
	case "explicit":
		return ExplicitPartition, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidLayout, name)
}

// Builder constructs a row layout
type Builder struct {
	NumRows       int
	NumPartitions int
	Strategy      PartitionStrategy

	Weights []float64 // WeightedPartition: non-negative cost of each row (e.g. its nnz)
	Owners  []int     // ExplicitPartition: owning partition of each row
}

// Build creates the layout and validates it
func (b *Builder) Build() (*Layout, error) {
	if b.NumRows < 0 {
		return nil, fmt.Errorf("%w: negative row count %d", ErrInvalidLayout, b.NumRows)
	}
	if b.NumPartitions <= 0 {
		return nil, fmt.Errorf("%w: need at least one partition, got %d", ErrInvalidLayout, b.NumPartitions)
	}

	layout := &Layout{
		NumRows:       b.NumRows,
		NumPartitions: b.NumPartitions,
		Strategy:      b.Strategy,
	}

	var err error
	switch b.Strategy {
	case BlockPartition:
		b.buildBlock(layout)
	case RoundRobin:
		b.buildRoundRobin(layout)
	case WeightedPartition:
		err = b.buildWeighted(layout)
	case ExplicitPartition:
		err = b.buildExplicit(layout)
	default:
		err = fmt.Errorf("%w: unsupported strategy %v", ErrInvalidLayout, b.Strategy)
	}
	if err != nil {
		return nil, err
	}

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}

// buildBlock gives each partition n/P rows; the first n%P partitions take
// one extra
func (b *Builder) buildBlock(l *Layout) {
	l.base = b.NumRows / b.NumPartitions
	l.rem = b.NumRows % b.NumPartitions

	starts := make([]int, b.NumPartitions+1)
	for p := 0; p < b.NumPartitions; p++ {
		n := l.base
		if p < l.rem {
			n++
		}
		starts[p+1] = starts[p] + n
	}
	l.starts = starts
	l.Partitions = contiguousPartitions(starts)
}

func (b *Builder) buildRoundRobin(l *Layout) {
	l.Partitions = make([]Partition, b.NumPartitions)
	for p := range l.Partitions {
		n := 0
		if b.NumRows > p {
			n = (b.NumRows-p-1)/b.NumPartitions + 1
		}
		l.Partitions[p] = Partition{ID: p, NumRows: n, First: p}
	}
}

// buildWeighted cuts the row range where the running weight crosses each
// multiple of total/P
func (b *Builder) buildWeighted(l *Layout) error {
	if len(b.Weights) != b.NumRows {
		return fmt.Errorf("%w: %d weights for %d rows", ErrInvalidLayout, len(b.Weights), b.NumRows)
	}
	prefix := make([]float64, b.NumRows+1)
	for i, w := range b.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: row %d has weight %v", ErrInvalidLayout, i, w)
		}
		prefix[i+1] = prefix[i] + w
	}
	total := prefix[b.NumRows]
	if total == 0 {
		b.buildBlock(l)
		l.Strategy = WeightedPartition
		return nil
	}

	starts := make([]int, b.NumPartitions+1)
	starts[b.NumPartitions] = b.NumRows
	for p := 1; p < b.NumPartitions; p++ {
		target := total * float64(p) / float64(b.NumPartitions)
		cut := sort.Search(b.NumRows+1, func(i int) bool { return prefix[i] >= target })
		// take the boundary row on whichever side lands closer to the target
		if cut > 0 && target-prefix[cut-1] < prefix[cut]-target {
			cut--
		}
		starts[p] = max(cut, starts[p-1])
	}
	l.starts = starts
	l.Partitions = contiguousPartitions(starts)
	return nil
}

func (b *Builder) buildExplicit(l *Layout) error {
	if len(b.Owners) != b.NumRows {
		return fmt.Errorf("%w: %d owners for %d rows", ErrInvalidLayout, len(b.Owners), b.NumRows)
	}
	l.RToP = make([]int, b.NumRows)
	l.Partitions = make([]Partition, b.NumPartitions)
	for p := range l.Partitions {
		l.Partitions[p] = Partition{ID: p, First: -1, Rows: make([]int, 0)}
	}
	for g, p := range b.Owners {
		if p < 0 || p >= b.NumPartitions {
			return fmt.Errorf("%w: row %d assigned to partition %d of %d", ErrInvalidLayout, g, p, b.NumPartitions)
		}
		l.RToP[g] = p
		part := &l.Partitions[p]
		if part.NumRows == 0 {
			part.First = g
		}
		part.Rows = append(part.Rows, g)
		part.NumRows++
	}
	return nil
}

func contiguousPartitions(starts []int) []Partition {
	parts := make([]Partition, len(starts)-1)
	for p := range parts {
		parts[p] = Partition{ID: p, First: starts[p], NumRows: starts[p+1] - starts[p]}
	}
	return parts
}

// NewBlockMap builds a block layout of n rows over procs partitions and
// returns rank's view of it
func NewBlockMap(n, procs, rank int) (*Map, error) {
	layout, err := (&Builder{NumRows: n, NumPartitions: procs, Strategy: BlockPartition}).Build()
	if err != nil {
		return nil, err
	}
	return layout.Map(rank)
}
