package sparse

import (
	"context"
	"math"
	"testing"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/partitions"
	"github.com/notargets/SpMVKernel/vector"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestDiagonalAndScaling(t *testing.T) {
	const n = 7
	dense := randomSparse(n, n, 0.5, 11)
	for i := 0; i < n; i += 2 {
		dense.Set(i, i, float64(i+1))
	}
	left := func(g int) float64 { return 1 + 0.25*float64(g) }
	right := func(g int) float64 { return 2 - 0.1*float64(g) }

	// reference: diag(left) * A * diag(right) * ones
	want := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			sum += dense.At(i, j) * right(j)
		}
		want.SetVec(i, left(i)*sum)
	}

	runOn(t, comm.Options{Procs: 3}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(n, 3, c.Rank())
		if err != nil {
			return err
		}
		A, err := fromDense(c, m, dense)
		if err != nil {
			return err
		}
		_, err = A.Diagonal()
		assert.ErrorIs(t, err, ErrNotSealed)
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}

		d, err := A.Diagonal()
		if err != nil {
			return err
		}
		for l, v := range d.Values() {
			g := m.GlobalIndex(l)
			assert.Equal(t, dense.At(g, g), v, "diagonal %d", g)
		}

		l, r := vector.New(c, m), vector.New(c, m)
		l.SetFunc(left)
		r.SetFunc(right)
		if err := A.LeftScale(l); err != nil {
			return err
		}
		if err := A.RightScale(ctx, r); err != nil {
			return err
		}

		x, y := vector.New(c, m), vector.New(c, m)
		x.Fill(1)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}
		got, err := y.Gather(ctx)
		if err != nil {
			return err
		}
		assert.InDeltaSlice(t, want.RawVector().Data, got.RawVector().Data, 1e-12)
		return nil
	})
}

func TestScaling_Errors(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 1, 0)
		if err != nil {
			return err
		}
		A, err := fromDense(c, m, laplace(4))
		if err != nil {
			return err
		}
		x := vector.New(c, m)
		x.Fill(1)
		assert.ErrorIs(t, A.LeftScale(x), ErrNotSealed)
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}

		short, err := partitions.NewBlockMap(3, 1, 0)
		if err != nil {
			return err
		}
		assert.ErrorIs(t, A.LeftScale(vector.New(c, short)), ErrDimensionMismatch)

		x.Fill(math.Inf(1))
		assert.ErrorIs(t, A.LeftScale(x), ErrNonFinite)
		assert.ErrorIs(t, A.RightScale(ctx, x), ErrNonFinite)
		x.Fill(1e308)
		assert.ErrorIs(t, A.RightScale(ctx, x), ErrNonFinite)

		_, vals, _ := A.Row(0)
		assert.Equal(t, []float64{2, -1}, vals)
		return nil
	})
}

func TestSumIntoRow(t *testing.T) {
	runOn(t, comm.Options{Procs: 2}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(4, 2, c.Rank())
		if err != nil {
			return err
		}
		A, err := fromDense(c, m, laplace(4))
		if err != nil {
			return err
		}
		g := m.MinMyGlobal()

		// Building: repeated columns accumulate
		if err := A.SumIntoGlobalRow(g, []int{g, g}, []float64{1, 0.5}); err != nil {
			return err
		}
		if err := A.FinalizeStructure(ctx); err != nil {
			return err
		}
		if err := A.SumIntoRow(1, []int{g + 1}, []float64{-3}); err != nil {
			return err
		}
		d, err := A.Diagonal()
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{3.5, -1}, d.Values())

		// missing entry or non-finite sum: nothing changes
		far := 3
		if c.Rank() == 1 {
			far = 0
		}
		assert.ErrorIs(t, A.SumIntoRow(0, []int{g, far}, []float64{1, 1}), ErrOutOfRange)
		assert.ErrorIs(t, A.SumIntoRow(0, []int{g, g}, []float64{math.MaxFloat64, math.MaxFloat64}), ErrNonFinite)
		assert.ErrorIs(t, A.SumIntoGlobalRow(far, []int{far}, []float64{1}), partitions.ErrNotOwned)
		d, err = A.Diagonal()
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{3.5, -1}, d.Values())
		return nil
	})
}
