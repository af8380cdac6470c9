// Package partitions assigns global matrix rows to the ranks of a process
// group. A Layout is the global assignment and is identical on every rank; a
// Map is one rank's view of it, translating between global and local row
// numbering.
package partitions

import (
	"fmt"
	"math"
	"sort"
)

// Partition is the set of rows owned by one rank
type Partition struct {
	ID int

	NumRows int   // Rows owned by this partition
	First   int   // First global row (contiguous layouts)
	Rows    []int // Global rows in ascending order (explicit layouts only)
}

// Layout is the complete row decomposition across all partitions
type Layout struct {
	Partitions []Partition

	NumRows       int // Global row count
	NumPartitions int
	Strategy      PartitionStrategy

	// Block layouts: rows per partition is base+1 for the first rem partitions
	base, rem int

	// Contiguous layouts: partition p owns [starts[p], starts[p+1])
	starts []int

	// Explicit layouts: RToP[g] is the partition owning row g
	RToP []int
}

// IsContiguous reports whether every partition owns a single row range.
func (l *Layout) IsContiguous() bool {
	return l.Strategy == BlockPartition || l.Strategy == WeightedPartition
}

// OwnerOf returns the partition owning global row g
func (l *Layout) OwnerOf(g int) (int, error) {
	if g < 0 || g >= l.NumRows {
		return -1, fmt.Errorf("%w: row %d not in [0, %d)", ErrOutOfRange, g, l.NumRows)
	}
	switch l.Strategy {
	case BlockPartition:
		big := l.base + 1
		if g < l.rem*big {
			return g / big, nil
		}
		return l.rem + (g-l.rem*big)/l.base, nil
	case RoundRobin:
		return g % l.NumPartitions, nil
	case WeightedPartition:
		return sort.Search(l.NumPartitions, func(p int) bool { return l.starts[p+1] > g }), nil
	default:
		return l.RToP[g], nil
	}
}

// Map returns the view of the layout from rank
func (l *Layout) Map(rank int) (*Map, error) {
	if rank < 0 || rank >= l.NumPartitions {
		return nil, fmt.Errorf("%w: rank %d not in [0, %d)", ErrOutOfRange, rank, l.NumPartitions)
	}
	m := &Map{layout: l, rank: rank, part: &l.Partitions[rank]}
	if l.Strategy == ExplicitPartition {
		m.g2l = make(map[int]int, m.part.NumRows)
		for i, g := range m.part.Rows {
			m.g2l[g] = i
		}
	}
	return m, nil
}

// globalIndex converts a local row of partition p to its global row
func (l *Layout) globalIndex(p, local int) int {
	part := &l.Partitions[p]
	if local < 0 || local >= part.NumRows {
		return -1
	}
	switch l.Strategy {
	case RoundRobin:
		return local*l.NumPartitions + p
	case ExplicitPartition:
		return part.Rows[local]
	default:
		return part.First + local
	}
}

// ValidateLayout checks that every row has exactly one owner
func (l *Layout) ValidateLayout() error {
	if len(l.Partitions) != l.NumPartitions {
		return fmt.Errorf("%w: %d partitions recorded, %d expected",
			ErrInvalidLayout, len(l.Partitions), l.NumPartitions)
	}

	total := 0
	for _, p := range l.Partitions {
		total += p.NumRows
	}
	if total != l.NumRows {
		return fmt.Errorf("%w: partitions hold %d rows, layout has %d", ErrInvalidLayout, total, l.NumRows)
	}

	seen := make([]bool, l.NumRows)
	for p := range l.Partitions {
		for local := 0; local < l.Partitions[p].NumRows; local++ {
			g := l.globalIndex(p, local)
			if g < 0 || g >= l.NumRows {
				return fmt.Errorf("%w: partition %d local row %d maps outside the layout", ErrInvalidLayout, p, local)
			}
			if seen[g] {
				return fmt.Errorf("%w: row %d owned twice", ErrInvalidLayout, g)
			}
			seen[g] = true
			owner, err := l.OwnerOf(g)
			if err != nil {
				return err
			}
			if owner != p {
				return fmt.Errorf("%w: row %d held by partition %d but OwnerOf says %d",
					ErrInvalidLayout, g, p, owner)
			}
		}
	}
	for g, ok := range seen {
		if !ok {
			return fmt.Errorf("%w: row %d has no owner", ErrInvalidLayout, g)
		}
	}
	return nil
}

// Equal reports whether two layouts assign every row to the same partition.
func (l *Layout) Equal(o *Layout) bool {
	if l == o {
		return true
	}
	if l == nil || o == nil || l.NumRows != o.NumRows || l.NumPartitions != o.NumPartitions {
		return false
	}
	for p := range l.Partitions {
		if l.Partitions[p].NumRows != o.Partitions[p].NumRows {
			return false
		}
	}
	if l.IsContiguous() && o.IsContiguous() {
		for p := range l.Partitions {
			if l.Partitions[p].First != o.Partitions[p].First {
				return false
			}
		}
		return true
	}
	if l.Strategy == o.Strategy && l.Strategy == RoundRobin {
		return true
	}
	for g := 0; g < l.NumRows; g++ {
		a, _ := l.OwnerOf(g)
		b, _ := o.OwnerOf(g)
		if a != b {
			return false
		}
	}
	return true
}

// PartitionStatistics computes load balance metrics
func (l *Layout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: l.NumPartitions,
		MinRows:       math.MaxInt,
		AvgRows:       float64(l.NumRows) / float64(l.NumPartitions),
	}

	for _, p := range l.Partitions {
		if p.NumRows < stats.MinRows {
			stats.MinRows = p.NumRows
		}
		if p.NumRows > stats.MaxRows {
			stats.MaxRows = p.NumRows
		}
		if p.NumRows == 0 {
			stats.EmptyPartitions++
		}
	}

	if stats.AvgRows > 0 {
		stats.Imbalance = float64(stats.MaxRows) / stats.AvgRows
	}

	return stats
}

type PartitionStats struct {
	NumPartitions   int
	MinRows         int
	MaxRows         int
	AvgRows         float64
	Imbalance       float64 // MaxRows / AvgRows
	EmptyPartitions int
}
