package sparse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/partitions"
)

const mmHeader = "%%MatrixMarket matrix coordinate real general"

// WriteMatrixMarket writes the rows stored on this rank in MatrixMarket
// coordinate format. Indices are global and 1-based; the size line carries
// the global dimensions and the local entry count. Values are written with
// the shortest representation that reads back to the same float64.
func WriteMatrixMarket(w io.Writer, a *Matrix) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, mmHeader)
	fmt.Fprintf(bw, "%% rank %d of %d\n", a.c.Rank(), a.c.Size())
	fmt.Fprintf(bw, "%d %d %d\n", a.NumGlobalRows(), a.NumGlobalCols(), a.LocalNNZ())
	for l := 0; l < a.NumLocalRows(); l++ {
		cols, vals, err := a.Row(l)
		if err != nil {
			return err
		}
		g := a.rowMap.GlobalIndex(l)
		for k, j := range cols {
			fmt.Fprintf(bw, "%d %d %s\n", g+1, j+1, strconv.FormatFloat(vals[k], 'g', -1, 64))
		}
	}
	return bw.Flush()
}

// ReadMatrixMarket builds a matrix in the Building state from coordinate
// data written by WriteMatrixMarket. Every row in the input must be owned by
// rowMap; entries of the same row are inserted in input order.
func ReadMatrixMarket(r io.Reader, c comm.Communicator, rowMap *partitions.Map, opts ...Option) (*Matrix, error) {
	a, err := NewMatrix(c, rowMap, opts...)
	if err != nil {
		return nil, err
	}

	sc := bufio.NewScanner(r)
	line := 0
	next := func() (string, bool) {
		for sc.Scan() {
			line++
			s := strings.TrimSpace(sc.Text())
			if s == "" || (strings.HasPrefix(s, "%") && line > 1) {
				continue
			}
			return s, true
		}
		return "", false
	}

	head, ok := next()
	if !ok || !strings.EqualFold(strings.Join(strings.Fields(head), " "), mmHeader) {
		return nil, fmt.Errorf("%w: line 1: unsupported header %q", ErrFormat, head)
	}
	size, ok := next()
	if !ok {
		return nil, fmt.Errorf("%w: missing size line", ErrFormat)
	}
	dims, err := parseInts(strings.Fields(size))
	if err != nil || len(dims) != 3 {
		return nil, fmt.Errorf("%w: line %d: bad size line %q", ErrFormat, line, size)
	}
	if dims[0] != a.NumGlobalRows() || dims[1] != a.NumGlobalCols() {
		return nil, fmt.Errorf("%w: file is %dx%d, maps are %dx%d",
			ErrDimensionMismatch, dims[0], dims[1], a.NumGlobalRows(), a.NumGlobalCols())
	}

	count := 0
	for {
		s, ok := next()
		if !ok {
			break
		}
		f := strings.Fields(s)
		if len(f) != 3 {
			return nil, fmt.Errorf("%w: line %d: want 3 fields, got %d", ErrFormat, line, len(f))
		}
		ij, err := parseInts(f[:2])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		if err := a.InsertGlobalRow(ij[0]-1, []int{ij[1] - 1}, []float64{v}); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if count != dims[2] {
		return nil, fmt.Errorf("%w: size line promises %d entries, read %d", ErrFormat, dims[2], count)
	}
	return a, nil
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
