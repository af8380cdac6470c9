package sparse

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/partitions"
	"github.com/notargets/SpMVKernel/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sealedLaplace builds and seals an n-row Laplace matrix on every rank.
func sealedLaplace(ctx context.Context, c comm.Communicator, n int, opts ...Option) (*Matrix, *partitions.Map, error) {
	m, err := partitions.NewBlockMap(n, c.Size(), c.Rank())
	if err != nil {
		return nil, nil, err
	}
	A, err := fromDense(c, m, laplace(n), opts...)
	if err != nil {
		return nil, nil, err
	}
	return A, m, A.FinalizeStructure(ctx)
}

func TestMultiply_CollectiveCheck(t *testing.T) {
	runOn(t, comm.Options{Procs: 2, Timeout: 5 * time.Second}, func(ctx context.Context, c comm.Communicator) error {
		A, m, err := sealedLaplace(ctx, c, 6, WithCollectiveCheck())
		if err != nil {
			return err
		}
		x, y := vector.New(c, m), vector.New(c, m)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}
		// rank 1 asks for the transpose while rank 0 multiplies forward
		err = A.Multiply(ctx, x, y, c.Rank() == 1)
		assert.ErrorIs(t, err, comm.ErrCollectiveMismatch)
		assert.False(t, A.plan.Valid())
		return nil
	})
}

func TestMultiply_OutOfStepCollective(t *testing.T) {
	runOn(t, comm.Options{Procs: 2, Timeout: 5 * time.Second}, func(ctx context.Context, c comm.Communicator) error {
		A, m, err := sealedLaplace(ctx, c, 6)
		if err != nil {
			return err
		}
		x, y := vector.New(c, m), vector.New(c, m)
		// rank 0 multiplies while rank 1 computes a norm
		if c.Rank() == 0 {
			err = A.Multiply(ctx, x, y, false)
		} else {
			_, err = A.NormInf(ctx)
		}
		assert.ErrorIs(t, err, comm.ErrCollectiveMismatch)
		assert.ErrorIs(t, err, comm.ErrCommunicationFailure)
		return nil
	})
}

func TestMultiply_TimeoutInvalidatesPlan(t *testing.T) {
	rt, err := comm.Open(comm.Options{Procs: 2, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer rt.Close()

	mats := make([]*Matrix, 2)
	maps := make([]*partitions.Map, 2)
	require.NoError(t, rt.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		A, m, err := sealedLaplace(ctx, c, 8)
		if err != nil {
			return err
		}
		if _, err := A.Plan(ctx); err != nil {
			return err
		}
		mats[c.Rank()], maps[c.Rank()] = A, m
		return nil
	}))

	// only rank 0 multiplies
	c0 := rt.Comms()[0]
	x, y := vector.New(c0, maps[0]), vector.New(c0, maps[0])
	err = mats[0].Multiply(context.Background(), x, y, false)
	assert.ErrorIs(t, err, comm.ErrCommunicationFailure)
	assert.False(t, mats[0].plan.Valid())

	// recover: reset the group, drop plans everywhere and multiply again
	rt.Group().Reset()
	require.NoError(t, rt.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		A := mats[c.Rank()]
		A.InvalidatePlan()
		x, y := vector.New(c, maps[c.Rank()]), vector.New(c, maps[c.Rank()])
		x.Fill(1)
		if err := A.Multiply(ctx, x, y, false); err != nil {
			return err
		}
		got, err := y.Gather(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{1, 0, 0, 0, 0, 0, 0, 1}, got.RawVector().Data)
		return nil
	}))
}

func TestMatrixMarket_RoundTrip(t *testing.T) {
	const n = 17
	full := randomSparse(n, n, 0.3, 11)
	runOn(t, comm.Options{Procs: 3}, func(ctx context.Context, c comm.Communicator) error {
		m, err := partitions.NewBlockMap(n, 3, c.Rank())
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

		var buf bytes.Buffer
		if err := WriteMatrixMarket(&buf, A); err != nil {
			return err
		}
		B, err := ReadMatrixMarket(bytes.NewReader(buf.Bytes()), c, m)
		if err != nil {
			return err
		}
		if err := B.FinalizeStructure(ctx); err != nil {
			return err
		}
		assert.Equal(t, A.GlobalNNZ(), B.GlobalNNZ())
		assert.Equal(t, A.RemoteColumns(), B.RemoteColumns())

		x := vector.New(c, m)
		x.SetFunc(func(g int) float64 { return 1 / float64(g+3) })
		ya, yb := vector.New(c, m), vector.New(c, m)
		if err := A.Multiply(ctx, x, ya, false); err != nil {
			return err
		}
		if err := B.Multiply(ctx, x, yb, false); err != nil {
			return err
		}
		assert.Equal(t, ya.Values(), yb.Values())
		return nil
	})
}

func TestMatrixMarket_Malformed(t *testing.T) {
	runOn(t, comm.Options{Procs: 1}, func(ctx context.Context, c comm.Communicator) error {
		m, _ := partitions.NewBlockMap(3, 1, 0)
		cases := []struct {
			in   string
			want error
		}{
			{"", ErrFormat},
			{"%%MatrixMarket matrix array real general\n3 3\n", ErrFormat},
			{mmHeader + "\n3 3\n", ErrFormat},
			{mmHeader + "\n4 3 0\n", ErrDimensionMismatch},
			{mmHeader + "\n3 3 2\n1 1 1.5\n", ErrFormat},
			{mmHeader + "\n3 3 1\n1 x 1.5\n", ErrFormat},
			{mmHeader + "\n3 3 2\n1 1 1\n1 1 2\n", ErrDuplicateColumn},
			{mmHeader + "\n3 3 1\n1 4 1\n", ErrOutOfRange},
			{mmHeader + "\n% comment\n3 3 1\n2 2 -0.25\n", nil},
		}
		for _, tc := range cases {
			A, err := ReadMatrixMarket(strings.NewReader(tc.in), c, m)
			if tc.want == nil {
				assert.NoError(t, err, tc.in)
				if A != nil {
					cols, vals, _ := A.Row(1)
					assert.Equal(t, []int{1}, cols)
					assert.Equal(t, []float64{-0.25}, vals)
				}
				continue
			}
			assert.ErrorIs(t, err, tc.want, tc.in)
		}
		return nil
	})
}
