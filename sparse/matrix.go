// Package sparse implements a distributed compressed-row matrix and the
// executor that multiplies it with distributed vectors.
//
// A Matrix is built row by row on each rank and then sealed with
// FinalizeStructure, after which its structure is immutable. The first
// Multiply on a sealed matrix builds the communication plan for the remote
// columns it references; later multiplies reuse it. Multiply, Plan,
// FinalizeStructure and the norms are collective: every rank must call them
// in the same order.
package sparse

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/exchange"
	"github.com/notargets/SpMVKernel/partitions"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// State is the construction state of a Matrix.
type State int

const (
	Building State = iota
	Sealed
)

func (s State) String() string {
	if s == Sealed {
		return "sealed"
	}
	return "building"
}

type entry struct {
	col int
	val float64
}

// Matrix is one rank's block of rows of a distributed sparse matrix.
type Matrix struct {
	c         comm.Communicator
	rowMap    *partitions.Map
	domainMap *partitions.Map
	logger    *zap.Logger
	kernel    LocalKernel

	allowNonFinite  bool
	collectiveCheck bool

	state  State
	closed bool
	rows   [][]entry // Building only

	// Sealed
	csr        *CSR
	globalCols []int // global column of each stored entry
	remote     []int // global column of each remote slot
	globalNNZ  int
	maxRow     int

	plan       *exchange.Plan
	colScratch []float64
	multiplies int
}

// Option configures NewMatrix.
type Option func(*Matrix)

// WithDomainMap sets the distribution of the column space (the input vector
// of a forward multiply). The default is the row map.
func WithDomainMap(m *partitions.Map) Option {
	return func(a *Matrix) { a.domainMap = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Matrix) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithKernel replaces the host kernel used for the local multiply.
func WithKernel(k LocalKernel) Option {
	return func(a *Matrix) { a.kernel = k }
}

// WithNonFinite permits NaN and infinite values.
func WithNonFinite() Option {
	return func(a *Matrix) { a.allowNonFinite = true }
}

// WithCollectiveCheck makes every Multiply confirm that all ranks are on the
// same call before exchanging data.
func WithCollectiveCheck() Option {
	return func(a *Matrix) { a.collectiveCheck = true }
}

// NewMatrix creates an empty matrix in the Building state whose rows are
// distributed by rowMap.
func NewMatrix(c comm.Communicator, rowMap *partitions.Map, opts ...Option) (*Matrix, error) {
	a := &Matrix{
		c:      c,
		rowMap: rowMap,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.domainMap == nil {
		a.domainMap = rowMap
	}
	if a.kernel == nil {
		a.kernel = &HostKernel{}
	}
	if rowMap.Rank() != c.Rank() || a.domainMap.Rank() != c.Rank() {
		return nil, fmt.Errorf("%w: maps for rank %d/%d used on rank %d",
			ErrDimensionMismatch, rowMap.Rank(), a.domainMap.Rank(), c.Rank())
	}
	if rowMap.NumProcs() != c.Size() || a.domainMap.NumProcs() != c.Size() {
		return nil, fmt.Errorf("%w: maps span %d/%d ranks, group has %d",
			ErrDimensionMismatch, rowMap.NumProcs(), a.domainMap.NumProcs(), c.Size())
	}
	a.rows = make([][]entry, rowMap.OwnedCount())
	return a, nil
}

func (a *Matrix) Comm() comm.Communicator    { return a.c }
func (a *Matrix) RowMap() *partitions.Map    { return a.rowMap }
func (a *Matrix) DomainMap() *partitions.Map { return a.domainMap }
func (a *Matrix) State() State               { return a.state }
func (a *Matrix) NumLocalRows() int          { return a.rowMap.OwnedCount() }
func (a *Matrix) NumGlobalRows() int         { return a.rowMap.NumGlobal() }
func (a *Matrix) NumGlobalCols() int         { return a.domainMap.NumGlobal() }

func (a *Matrix) withRank(f ...zap.Field) []zap.Field {
	return append(f, zap.Int("rank", a.c.Rank()))
}

// CSR returns the sealed local storage, or nil while Building.
func (a *Matrix) CSR() *CSR { return a.csr }

// LocalNNZ returns the number of entries stored on this rank.
func (a *Matrix) LocalNNZ() int {
	if a.state == Sealed {
		return a.csr.NNZ()
	}
	n := 0
	for _, r := range a.rows {
		n += len(r)
	}
	return n
}

// GlobalNNZ returns the entry count over all ranks, known once sealed.
func (a *Matrix) GlobalNNZ() int { return a.globalNNZ }

// MaxRowEntries returns the longest local row.
func (a *Matrix) MaxRowEntries() int {
	if a.state == Sealed {
		return a.maxRow
	}
	n := 0
	for _, r := range a.rows {
		n = max(n, len(r))
	}
	return n
}

// RemoteColumns returns the global columns imported from other ranks, in
// plan buffer order. Empty until sealed.
func (a *Matrix) RemoteColumns() []int { return slices.Clone(a.remote) }

func (a *Matrix) checkValues(vals []float64) error {
	if a.allowNonFinite {
		return nil
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v", ErrNonFinite, v)
		}
	}
	return nil
}

func (a *Matrix) checkRow(localRow int) error {
	if localRow < 0 || localRow >= a.rowMap.OwnedCount() {
		return fmt.Errorf("%w: local row %d not in [0, %d)", ErrOutOfRange, localRow, a.rowMap.OwnedCount())
	}
	return nil
}

// InsertRow appends entries to a local row. Columns are global indices and
// must not repeat, neither within cols nor against entries the row already
// holds. On error the matrix is unchanged.
func (a *Matrix) InsertRow(localRow int, cols []int, vals []float64) error {
	switch {
	case a.closed:
		return ErrClosed
	case a.state == Sealed:
		return fmt.Errorf("%w: cannot insert into row %d", ErrSealed, localRow)
	case len(cols) != len(vals):
		return fmt.Errorf("%w: %d columns, %d values", ErrDimensionMismatch, len(cols), len(vals))
	}
	if err := a.checkRow(localRow); err != nil {
		return err
	}
	if err := a.checkValues(vals); err != nil {
		return err
	}

	ncols := a.domainMap.NumGlobal()
	seen := make(map[int]struct{}, len(cols))
	for _, j := range cols {
		if j < 0 || j >= ncols {
			return fmt.Errorf("%w: column %d not in [0, %d)", ErrOutOfRange, j, ncols)
		}
		if _, dup := seen[j]; dup {
			return fmt.Errorf("%w: column %d given twice for local row %d", ErrDuplicateColumn, j, localRow)
		}
		seen[j] = struct{}{}
	}
	for _, e := range a.rows[localRow] {
		if _, dup := seen[e.col]; dup {
			return fmt.Errorf("%w: column %d already set in local row %d", ErrDuplicateColumn, e.col, localRow)
		}
	}

	row := a.rows[localRow]
	for i, j := range cols {
		row = append(row, entry{j, vals[i]})
	}
	a.rows[localRow] = row
	return nil
}

// InsertGlobalRow is InsertRow addressed by global row index.
func (a *Matrix) InsertGlobalRow(globalRow int, cols []int, vals []float64) error {
	l, err := a.rowMap.LocalIndexOf(globalRow)
	if err != nil {
		return err
	}
	return a.InsertRow(l, cols, vals)
}

// Row returns a copy of a local row's global columns and values. Sealed
// rows are sorted by column; Building rows are in insertion order.
func (a *Matrix) Row(localRow int) ([]int, []float64, error) {
	if err := a.checkRow(localRow); err != nil {
		return nil, nil, err
	}
	if a.state == Sealed {
		lo, hi := a.csr.RowPtr[localRow], a.csr.RowPtr[localRow+1]
		return slices.Clone(a.globalCols[lo:hi]), slices.Clone(a.csr.Values[lo:hi]), nil
	}
	row := a.rows[localRow]
	cols := make([]int, len(row))
	vals := make([]float64, len(row))
	for i, e := range row {
		cols[i], vals[i] = e.col, e.val
	}
	return cols, vals, nil
}

// ReplaceRowValues overwrites the values of existing entries of a local
// row. It does not change the structure and is allowed in either state.
func (a *Matrix) ReplaceRowValues(localRow int, cols []int, vals []float64) error {
	return a.updateRow(localRow, cols, vals, func(_, v float64) float64 { return v })
}

// SumIntoRow adds vals into existing entries of a local row. Like
// ReplaceRowValues it never changes the structure.
func (a *Matrix) SumIntoRow(localRow int, cols []int, vals []float64) error {
	return a.updateRow(localRow, cols, vals, func(old, v float64) float64 { return old + v })
}

// SumIntoGlobalRow is SumIntoRow addressed by global row index.
func (a *Matrix) SumIntoGlobalRow(globalRow int, cols []int, vals []float64) error {
	l, err := a.rowMap.LocalIndexOf(globalRow)
	if err != nil {
		return err
	}
	return a.SumIntoRow(l, cols, vals)
}

// updateRow combines vals into the entries of cols. Every position and
// result is checked before anything is written.
func (a *Matrix) updateRow(localRow int, cols []int, vals []float64, combine func(old, v float64) float64) error {
	if a.closed {
		return ErrClosed
	}
	if len(cols) != len(vals) {
		return fmt.Errorf("%w: %d columns, %d values", ErrDimensionMismatch, len(cols), len(vals))
	}
	if err := a.checkRow(localRow); err != nil {
		return err
	}
	if err := a.checkValues(vals); err != nil {
		return err
	}

	pos := make([]int, len(cols))
	next := make([]float64, len(cols))
	seen := make(map[int]int, len(cols))
	for i, j := range cols {
		p := -1
		var old float64
		if a.state == Sealed {
			lo, hi := a.csr.RowPtr[localRow], a.csr.RowPtr[localRow+1]
			if k, ok := slices.BinarySearch(a.globalCols[lo:hi], j); ok {
				p = lo + k
				old = a.csr.Values[p]
			}
		} else {
			p = slices.IndexFunc(a.rows[localRow], func(e entry) bool { return e.col == j })
			if p >= 0 {
				old = a.rows[localRow][p].val
			}
		}
		if p < 0 {
			return fmt.Errorf("%w: local row %d has no entry in column %d", ErrOutOfRange, localRow, j)
		}
		// a repeated column combines with its earlier update
		if prev, ok := seen[p]; ok {
			old = next[prev]
		}
		seen[p] = i
		pos[i] = p
		next[i] = combine(old, vals[i])
	}
	if err := a.checkValues(next); err != nil {
		return err
	}

	if a.state == Sealed {
		values := slices.Clone(a.csr.Values)
		for i, p := range pos {
			values[p] = next[i]
		}
		return a.setValues(values)
	}
	for i, p := range pos {
		a.rows[localRow][p].val = next[i]
	}
	return nil
}

// Scale multiplies every stored value by alpha. Unless non-finite values
// are allowed, a non-finite alpha or a product that overflows fails with
// ErrNonFinite and leaves the matrix unchanged.
func (a *Matrix) Scale(alpha float64) error {
	if a.closed {
		return ErrClosed
	}
	if err := a.checkValues([]float64{alpha}); err != nil {
		return fmt.Errorf("scale: %w", err)
	}
	if a.state == Sealed {
		next := slices.Clone(a.csr.Values)
		floats.Scale(alpha, next)
		if err := a.checkValues(next); err != nil {
			return fmt.Errorf("scale by %g: %w", alpha, err)
		}
		return a.setValues(next)
	}

	scaled := make([][]float64, len(a.rows))
	for i, row := range a.rows {
		scaled[i] = make([]float64, len(row))
		for k, e := range row {
			scaled[i][k] = alpha * e.val
		}
		if err := a.checkValues(scaled[i]); err != nil {
			return fmt.Errorf("scale by %g: %w", alpha, err)
		}
	}
	for i, row := range a.rows {
		for k := range row {
			row[k].val = scaled[i][k]
		}
	}
	return nil
}

// setValues installs a new sealed value array and rebinds the kernel. If the
// kernel rejects it the previous values are put back.
func (a *Matrix) setValues(vals []float64) error {
	old := a.csr.Values
	a.csr.Values = vals
	if err := a.kernel.Bind(a.csr); err != nil {
		a.csr.Values = old
		if rerr := a.kernel.Bind(a.csr); rerr != nil {
			a.logger.Warn("kernel rebind after failed update", a.withRank(zap.Error(rerr))...)
		}
		return fmt.Errorf("bind kernel: %w", err)
	}
	return nil
}

// FinalizeStructure seals the matrix: rows are sorted by column and packed
// into CSR, remote columns are identified and the global entry count is
// agreed by all ranks. Collective.
func (a *Matrix) FinalizeStructure(ctx context.Context) error {
	if a.closed {
		return ErrClosed
	}
	if a.state == Sealed {
		return fmt.Errorf("%w: FinalizeStructure called twice", ErrSealed)
	}

	nnz := 0
	maxRow := 0
	for _, row := range a.rows {
		nnz += len(row)
		maxRow = max(maxRow, len(row))
	}

	var offRank []int
	for _, row := range a.rows {
		for _, e := range row {
			if !a.domainMap.IsOwned(e.col) {
				offRank = append(offRank, e.col)
			}
		}
	}
	remote, err := exchange.OrderRemote(a.domainMap, offRank)
	if err != nil {
		a.c.Abort(err)
		return fmt.Errorf("finalize structure: %w", err)
	}

	owned := a.domainMap.OwnedCount()
	slotOf := make(map[int]int, len(remote))
	for i, g := range remote {
		slotOf[g] = owned + i
	}

	csr := &CSR{
		RowPtr:  make([]int, len(a.rows)+1),
		Cols:    make([]int, 0, nnz),
		Values:  make([]float64, 0, nnz),
		NumCols: owned + len(remote),
	}
	globalCols := make([]int, 0, nnz)
	for i, row := range a.rows {
		sorted := slices.Clone(row)
		slices.SortFunc(sorted, func(x, y entry) int { return x.col - y.col })
		for _, e := range sorted {
			slot, ok := slotOf[e.col]
			if !ok {
				slot, _ = a.domainMap.LocalIndexOf(e.col)
			}
			csr.Cols = append(csr.Cols, slot)
			csr.Values = append(csr.Values, e.val)
			globalCols = append(globalCols, e.col)
		}
		csr.RowPtr[i+1] = len(csr.Cols)
	}

	if err := a.kernel.Bind(csr); err != nil {
		a.c.Abort(err)
		return fmt.Errorf("finalize structure: bind kernel: %w", err)
	}

	total, err := comm.AllreduceInts(ctx, a.c, comm.OpSum, []int{nnz})
	if err != nil {
		return fmt.Errorf("finalize structure: %w", err)
	}

	a.csr = csr
	a.globalCols = globalCols
	a.remote = remote
	a.globalNNZ = total[0]
	a.maxRow = maxRow
	a.colScratch = make([]float64, csr.NumCols)
	a.rows = nil
	a.state = Sealed

	a.logger.Debug("matrix sealed", a.withRank(
		zap.Int("local_rows", csr.NumRows()),
		zap.Int("local_nnz", nnz),
		zap.Int("global_nnz", a.globalNNZ),
		zap.Int("remote_cols", len(remote)))...)
	return nil
}

// Plan returns the communication plan, building it if there is none or the
// last one was invalidated. Collective.
func (a *Matrix) Plan(ctx context.Context) (*exchange.Plan, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if a.state != Sealed {
		return nil, ErrNotSealed
	}
	if a.plan != nil && a.plan.Valid() {
		return a.plan, nil
	}
	plan, err := exchange.Build(ctx, a.c, a.domainMap, a.remote, exchange.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.plan = plan
	return plan, nil
}

// InvalidatePlan drops the cached plan so the next multiply rebuilds it.
// After a failed collective every rank should call it before retrying, since
// a rank whose own exchange completed still holds a valid plan.
func (a *Matrix) InvalidatePlan() {
	if a.plan != nil {
		a.plan.Invalidate()
	}
}

// NormInf returns the maximum absolute row sum. Collective.
func (a *Matrix) NormInf(ctx context.Context) (float64, error) {
	if a.state != Sealed {
		return 0, ErrNotSealed
	}
	var local float64
	for i := 0; i < a.csr.NumRows(); i++ {
		var sum float64
		for k := a.csr.RowPtr[i]; k < a.csr.RowPtr[i+1]; k++ {
			sum += math.Abs(a.csr.Values[k])
		}
		local = math.Max(local, sum)
	}
	r, err := comm.AllreduceFloats(ctx, a.c, comm.OpMax, []float64{local})
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

// NormOne returns the maximum absolute column sum. Column sums of remote
// columns are sent to their owners through the plan. Collective.
func (a *Matrix) NormOne(ctx context.Context) (float64, error) {
	plan, err := a.Plan(ctx)
	if err != nil {
		return 0, err
	}
	col := make([]float64, a.csr.NumCols)
	for k, v := range a.csr.Values {
		col[a.csr.Cols[k]] += math.Abs(v)
	}
	owned := a.domainMap.OwnedCount()
	sums := col[:owned]
	if err := plan.ExportAdd(ctx, col[owned:], sums); err != nil {
		return 0, err
	}
	var local float64
	for _, s := range sums {
		local = math.Max(local, s)
	}
	r, err := comm.AllreduceFloats(ctx, a.c, comm.OpMax, []float64{local})
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

// Close releases the local kernel and the plan.
func (a *Matrix) Close() {
	if a.closed {
		return
	}
	a.closed = true
	a.kernel.Free()
	a.plan = nil
	a.colScratch = nil
}
