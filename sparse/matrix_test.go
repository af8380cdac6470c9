package sparse

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/partitions"
	"github.com/notargets/SpMVKernel/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func runOn(t *testing.T, opts comm.Options, fn func(ctx context.Context, c comm.Communicator) error) {
	t.Helper()
	rt, err := comm.Open(opts)
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.Run(context.Background(), fn))
}

// fromDense inserts the non-zeros of the owned rows of a global dense matrix
func fromDense(c comm.Communicator, m *partitions.Map, a *mat.Dense, opts ...Option) (*Matrix, error) {
	A, err := NewMatrix(c, m, opts...)
	if err != nil {
		return nil, err
	}
	_, nc := a.Dims()
	for l := 0; l < m.OwnedCount(); l++ {
		g := m.GlobalIndex(l)
		var cols []int
		var vals []float64
		// insert in descending column order so sealing has to sort
		for j := nc - 1; j >= 0; j-- {
			if v := a.At(g, j); v != 0 {
				cols = append(cols, j)
				vals = append(vals, v)
			}
		}
		if err := A.InsertRow(l, cols, vals); err != nil {
			return nil, err
		}
	}
	return A, nil
}

func laplace(n int) *mat.Dense {
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, 2)
		if i > 0 {
			a.Set(i, i-1, -1)
		}
		if i < n-1 {
			a.Set(i, i+1, -1)
		}
	}
	return a
}

func randomSparse(rows, cols int, density float64, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	a := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if rng.Float64() < density {
				a.Set(i, j, rng.NormFloat64())
			}
		}
	}
	return a
}

func TestMultiply_Laplace4x4(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 1, 0)
		if err != nil {
			return err
		}
		A, err := fromDense(c, m, laplace(4))
		if err != nil {
			return err
		}
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}
		x := vector.New(c, m)
		x.Fill(1)
		y := vector.New(c, m)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}
		assert.Equal(t, []float64{1, 0, 0, 1}, y.Values())
		assert.Equal(t, 10, A.GlobalNNZ())
		assert.Equal(t, 3, A.MaxRowEntries())
		assert.Empty(t, A.RemoteColumns())
		return nil
	})
}

func TestMultiply_SingleRemoteDependency(t *testing.T) {
	// 8 rows over 2 ranks, row 3 references column 4 which lives on rank 1
	full := mat.NewDense(8, 8, nil)
	for i := 0; i < 8; i++ {
		full.Set(i, i, float64(i+1))
	}
	full.Set(3, 4, 0.5)

	xs := []float64{1, -2, 3, -4, 5, -6, 7, -8}
	var ref mat.VecDense
	ref.MulVec(full, mat.NewVecDense(8, xs))

	runOn(t, comm.Options{Procs: 2}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(8, 2, c.Rank())
		if err != nil {
			return err
		}
		A, err := fromDense(c, m, full)
		if err != nil {
			return err
		}
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}
		x := vector.New(c, m)
		x.SetFunc(func(g int) float64 { return xs[g] })
		y := vector.New(c, m)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}

		plan, err := A.Plan(ctx)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			assert.Equal(t, []int{4}, A.RemoteColumns())
			assert.Equal(t, 1, plan.Stats().NumRemote)
		} else {
			assert.Equal(t, 0, plan.Stats().NumRemote)
			assert.Equal(t, 1, plan.Stats().NumExport)
		}

		got, err := y.Gather(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, ref.RawVector().Data, got.RawVector().Data)
		return nil
	})
}

func TestMultiply_MatchesReference(t *testing.T) {
	const n = 31
	full := randomSparse(n, n, 0.2, 7)
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = math.Sin(float64(i))
	}
	var ref, refT mat.VecDense
	ref.MulVec(full, mat.NewVecDense(n, xs))
	refT.MulVec(full.T(), mat.NewVecDense(n, xs))

	strategies := []partitions.Builder{
		{NumRows: n, NumPartitions: 3},
		{NumRows: n, NumPartitions: 4, Strategy: partitions.RoundRobin},
	}
	for _, b := range strategies {
		layout, err := b.Build()
		require.NoError(t, err)
		runOn(t, comm.Options{Procs: b.NumPartitions}, func(ctx context.Context, c comm.Communicator) error {
			m, err := layout.Map(c.Rank())
			if err != nil {
				return err
			}
			A, err := fromDense(c, m, full)
			if err != nil {
				return err
			}
			if err := A.FinalizeStructure(ctx); err != nil {
				return err
			}
			x := vector.New(c, m)
			x.SetFunc(func(g int) float64 { return xs[g] })

			for _, transpose := range []bool{false, true} {
				want := ref.RawVector().Data
				if transpose {
					want = refT.RawVector().Data
				}
				y := vector.New(c, m)
				if err := A.Multiply(ctx, x, y, transpose); err != nil {
					return err
				}
				first := append([]float64(nil), y.Values()...)
				if err := A.Multiply(ctx, x, y, transpose); err != nil {
					return err
				}
				for i := range first {
					assert.Equal(t, math.Float64bits(first[i]), math.Float64bits(y.Values()[i]),
						"repeat multiply differs at local row %d", i)
				}
				got, err := y.Gather(ctx)
				if err != nil {
					return err
				}
				assert.InDeltaSlice(t, want, got.RawVector().Data, 1e-12, "%v transpose=%v", b.Strategy, transpose)
			}
			return nil
		})
	}
}

func TestMultiply_RectangularDomain(t *testing.T) {
	// 5x9 matrix: rows and columns distributed by different maps
	full := randomSparse(5, 9, 0.4, 3)
	xs := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	var ref mat.VecDense
	ref.MulVec(full, mat.NewVecDense(9, xs))

	runOn(t, comm.Options{Procs: 2}, func(ctx context.Context, c comm.Communicator) error {
		rows, err := partitions.NewBlockMap(5, 2, c.Rank())
		if err != nil {
			return err
		}
		cols, err := partitions.NewBlockMap(9, 2, c.Rank())
		if err != nil {
			return err
		}
		A, err := fromDense(c, rows, full, WithDomainMap(cols))
		if err != nil {
			return err
		}
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}
		x := vector.New(c, cols)
		x.SetFunc(func(g int) float64 { return xs[g] })
		y := vector.New(c, rows)

		assert.ErrorIs(t, A.Multiply(ctx, y, y, false), ErrDimensionMismatch)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}
		got, err := y.Gather(ctx)
		if err != nil {
			return err
		}
		assert.InDeltaSlice(t, ref.RawVector().Data, got.RawVector().Data, 1e-12)
		return nil
	})
}

func TestMultiply_NotSealed(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, _ := partitions.NewBlockMap(4, 1, 0)
		A, err := fromDense(c, m, laplace(4))
		if err != nil {
			return err
		}
		before := make([][]int, 4)
		for l := range before {
			before[l], _, _ = A.Row(l)
		}

		x, y := vector.New(c, m), vector.New(c, m)
		assert.ErrorIs(t, A.Multiply(ctx, x, y, false), ErrNotSealed)
		_, err = A.Plan(ctx)
		assert.ErrorIs(t, err, ErrNotSealed)

		assert.Equal(t, Building, A.State())
		assert.Equal(t, 10, A.LocalNNZ())
		for l := range before {
			cols, _, _ := A.Row(l)
			assert.Equal(t, before[l], cols)
		}
		// still accepts inserts
		return A.InsertRow(0, []int{3}, []float64{7})
	})
}

func TestMultiply_EmptyPartition(t *testing.T) {
	runOn(t, comm.Options{Procs: 4}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(3, 4, c.Rank())
		if err != nil {
			return err
		}
		A, err := fromDense(c, m, laplace(3))
		if err != nil {
			return err
		}
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}
		x, y := vector.New(c, m), vector.New(c, m)
		x.Fill(1)
		for _, transpose := range []bool{false, true} {
			if err := A.Multiply(ctx, x, y, transpose); err != nil {
				return err
			}
			got, err := y.Gather(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, []float64{1, 0, 1}, got.RawVector().Data)
		}
		if c.Rank() == 3 {
			assert.Equal(t, 0, A.NumLocalRows())
		}
		assert.Equal(t, 7, A.GlobalNNZ())
		return nil
	})
}

func TestInsertRow_Errors(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, _ := partitions.NewBlockMap(4, 1, 0)
		A, err := NewMatrix(c, m)
		if err != nil {
			return err
		}
		assert.NoError(t, A.InsertRow(1, []int{0, 2}, []float64{1, 2}))

		cases := []struct {
			name string
			err  error
			do   func() error
		}{
			{"repeat in call", ErrDuplicateColumn, func() error { return A.InsertRow(0, []int{1, 1}, []float64{1, 2}) }},
			{"repeat across calls", ErrDuplicateColumn, func() error { return A.InsertRow(1, []int{3, 2}, []float64{1, 2}) }},
			{"column range", ErrOutOfRange, func() error { return A.InsertRow(0, []int{4}, []float64{1}) }},
			{"row range", ErrOutOfRange, func() error { return A.InsertRow(4, []int{0}, []float64{1}) }},
			{"length", ErrDimensionMismatch, func() error { return A.InsertRow(0, []int{0, 1}, []float64{1}) }},
			{"nan", ErrNonFinite, func() error { return A.InsertRow(0, []int{0}, []float64{math.NaN()}) }},
			{"inf", ErrNonFinite, func() error { return A.InsertRow(0, []int{0}, []float64{math.Inf(-1)}) }},
			{"global range", partitions.ErrOutOfRange, func() error { return A.InsertGlobalRow(9, []int{0}, []float64{1}) }},
		}
		for _, tc := range cases {
			assert.ErrorIs(t, tc.do(), tc.err, tc.name)
		}
		// failures must not leave partial rows behind
		assert.Equal(t, 2, A.LocalNNZ())
		cols, vals, _ := A.Row(1)
		assert.Equal(t, []int{0, 2}, cols)
		assert.Equal(t, []float64{1, 2}, vals)

		assert.NoError(t, A.InsertRow(1, []int{3}, []float64{4}))
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}
		assert.ErrorIs(t, A.InsertRow(0, []int{0}, []float64{1}), ErrSealed)
		assert.ErrorIs(t, A.FinalizeStructure(ctx), ErrSealed)
		return nil
	})
}

func TestInsertGlobalRow_NotOwned(t *testing.T) {
	runOn(t, comm.Options{Procs: 2}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 2, c.Rank())
		if err != nil {
			return err
		}
		A, err := NewMatrix(c, m)
		if err != nil {
			return err
		}
		remote := 3
		if c.Rank() == 1 {
			remote = 0
		}
		assert.ErrorIs(t, A.InsertGlobalRow(remote, []int{0}, []float64{1}), partitions.ErrNotOwned)
		return nil
	})
}

func TestNonFiniteAllowed(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, _ := partitions.NewBlockMap(2, 1, 0)
		A, err := NewMatrix(c, m, WithNonFinite())
		if err != nil {
			return err
		}
		return A.InsertRow(0, []int{0}, []float64{math.Inf(1)})
	})
}

// countingKernel records how often the matrix rebinds it
type countingKernel struct {
	HostKernel
	binds, applies, frees int
}

func (k *countingKernel) Bind(a *CSR) error          { k.binds++; return k.HostKernel.Bind(a) }
func (k *countingKernel) Apply(x, y []float64) error { k.applies++; return k.HostKernel.Apply(x, y) }
func (k *countingKernel) Free()                      { k.frees++; k.HostKernel.Free() }

func TestValueUpdatesAndNorms(t *testing.T) {
	runOn(t, comm.Options{Procs: 2}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 2, c.Rank())
		if err != nil {
			return err
		}
		k := &countingKernel{}
		A, err := fromDense(c, m, laplace(4), WithKernel(k))
		if err != nil {
			return err
		}
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}

		inf, err := A.NormInf(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, 4.0, inf)
		one, err := A.NormOne(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, 4.0, one)

		if err := A.Scale(-2); err != nil {
			return err
		}
		g := m.MinMyGlobal()
		assert.ErrorIs(t, A.ReplaceRowValues(0, []int{g, (g + 2) % 4}, []float64{1, 1}), ErrOutOfRange)
		if err := A.ReplaceRowValues(0, []int{g}, []float64{10}); err != nil {
			return err
		}
		cols, vals, _ := A.Row(0)
		assert.Contains(t, cols, g)
		for i, j := range cols {
			if j == g {
				assert.Equal(t, 10.0, vals[i])
			} else {
				assert.Equal(t, 2.0, vals[i])
			}
		}

		x, y := vector.New(c, m), vector.New(c, m)
		x.Fill(1)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}
		assert.Equal(t, 3, k.binds)
		assert.Equal(t, 1, k.applies)

		A.Close()
		assert.Equal(t, 1, k.frees)
		assert.ErrorIs(t, A.Multiply(ctx, x, y, false), ErrClosed)
		return nil
	})
}

func TestScale_NonFinite(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 1, 0)
		if err != nil {
			return err
		}
		A, err := fromDense(c, m, laplace(4))
		if err != nil {
			return err
		}

		// Building
		assert.ErrorIs(t, A.Scale(math.NaN()), ErrNonFinite)
		assert.ErrorIs(t, A.Scale(1e308), ErrNonFinite)
		_, vals, _ := A.Row(1)
		assert.ElementsMatch(t, []float64{-1, 2, -1}, vals)

		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}
		for _, alpha := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1e308} {
			assert.ErrorIs(t, A.Scale(alpha), ErrNonFinite, "alpha %g", alpha)
		}
		_, vals, _ = A.Row(0)
		assert.Equal(t, []float64{2, -1}, vals)

		B, err := fromDense(c, m, laplace(4), WithNonFinite())
		if err != nil {
			return err
		}
		if err := B.FinalizeStructure(ctx); err != nil {
			return err
		}
		assert.NoError(t, B.Scale(math.Inf(1)))
		_, vals, _ = B.Row(0)
		assert.True(t, math.IsInf(vals[0], 1))
		return nil
	})
}

// flakyKernel rejects Bind once fail is set
type flakyKernel struct {
	HostKernel
	fail bool
}

func (k *flakyKernel) Bind(a *CSR) error {
	if k.fail {
		return errors.New("device lost")
	}
	return k.HostKernel.Bind(a)
}

func TestValueUpdates_FailedBindLeavesMatrixUnchanged(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 1, 0)
		if err != nil {
			return err
		}
		k := &flakyKernel{}
		A, err := fromDense(c, m, laplace(4), WithKernel(k))
		if err != nil {
			return err
		}
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}

		k.fail = true
		assert.Error(t, A.Scale(3))
		assert.Error(t, A.ReplaceRowValues(0, []int{0}, []float64{7}))
		_, vals, _ := A.Row(0)
		assert.Equal(t, []float64{2, -1}, vals)

		k.fail = false
		x, y := vector.New(c, m), vector.New(c, m)
		x.Fill(1)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}
		assert.Equal(t, []float64{1, 0, 0, 1}, y.Values())
		return nil
	})
}

func TestNewMatrix_WrongRank(t *testing.T) {
	runOn(t, comm.Options{Procs: 2}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 2, 1-c.Rank())
		if err != nil {
			return err
		}
		_, err = NewMatrix(c, m)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
		return nil
	})
}
