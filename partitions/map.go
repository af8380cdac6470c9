package partitions

import "fmt"

// Map is one rank's view of a Layout: the rows it owns and the translation
// between global and local numbering. Local rows are numbered in ascending
// global order.
type Map struct {
	layout *Layout
	rank   int
	part   *Partition
	g2l    map[int]int // explicit layouts only
}

func (m *Map) Layout() *Layout { return m.layout }
func (m *Map) Rank() int       { return m.rank }
func (m *Map) NumProcs() int   { return m.layout.NumPartitions }
func (m *Map) NumGlobal() int  { return m.layout.NumRows }

// OwnedCount returns the number of rows owned by this rank.
func (m *Map) OwnedCount() int { return m.part.NumRows }

// IsContiguous reports whether the owned rows form one range.
func (m *Map) IsContiguous() bool { return m.layout.IsContiguous() }

// OwnerOf returns the rank owning global index g.
func (m *Map) OwnerOf(g int) (int, error) { return m.layout.OwnerOf(g) }

// LocalIndexOf translates a global index to this rank's local index.
func (m *Map) LocalIndexOf(g int) (int, error) {
	if g < 0 || g >= m.layout.NumRows {
		return -1, fmt.Errorf("%w: row %d not in [0, %d)", ErrOutOfRange, g, m.layout.NumRows)
	}
	switch m.layout.Strategy {
	case RoundRobin:
		if g%m.layout.NumPartitions == m.rank {
			return g / m.layout.NumPartitions, nil
		}
	case ExplicitPartition:
		if l, ok := m.g2l[g]; ok {
			return l, nil
		}
	default:
		if g >= m.part.First && g < m.part.First+m.part.NumRows {
			return g - m.part.First, nil
		}
	}
	return -1, fmt.Errorf("%w: row %d on rank %d", ErrNotOwned, g, m.rank)
}

// IsOwned reports whether global index g belongs to this rank.
func (m *Map) IsOwned(g int) bool {
	_, err := m.LocalIndexOf(g)
	return err == nil
}

// GlobalIndex translates a local index to its global index, or -1.
func (m *Map) GlobalIndex(local int) int {
	return m.layout.globalIndex(m.rank, local)
}

// MyGlobalIndices returns the owned global indices in local order.
func (m *Map) MyGlobalIndices() []int {
	out := make([]int, m.part.NumRows)
	for l := range out {
		out[l] = m.GlobalIndex(l)
	}
	return out
}

// MinMyGlobal returns the smallest owned global index, or -1 if none.
func (m *Map) MinMyGlobal() int {
	if m.part.NumRows == 0 {
		return -1
	}
	return m.GlobalIndex(0)
}

// MaxMyGlobal returns the largest owned global index, or -1 if none.
func (m *Map) MaxMyGlobal() int {
	if m.part.NumRows == 0 {
		return -1
	}
	return m.GlobalIndex(m.part.NumRows - 1)
}

// SameAs reports whether o describes the same ownership seen from the same
// rank. Maps built from one Layout compare in constant time.
func (m *Map) SameAs(o *Map) bool {
	if m == o {
		return true
	}
	if m == nil || o == nil || m.rank != o.rank {
		return false
	}
	return m.layout.Equal(o.layout)
}

func (m *Map) String() string {
	return fmt.Sprintf("Map{rank %d/%d, %s, %d of %d rows}",
		m.rank, m.layout.NumPartitions, m.layout.Strategy, m.part.NumRows, m.layout.NumRows)
}
