// Package gallery generates the model problems used to exercise the
// distributed multiply: a matrix of a known kind together with an initial
// guess, a right-hand side and the exact solution it was built from.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	jsparse "github.com/james-bowman/sparse"
	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/partitions"
	"github.com/notargets/SpMVKernel/sparse"
	"github.com/notargets/SpMVKernel/vector"
	"gonum.org/v1/gonum/mat"
)

// ErrUnknownKind is returned for a Kind outside the supported set or a Spec
// with invalid dimensions.
var ErrUnknownKind = errors.New("gallery: unknown matrix kind")

// Kind selects the matrix family.
type Kind int

const (
	Laplace1D Kind = iota // tridiag(-1, 2, -1) of order N
	Laplace2D             // 5-point Laplacian on an Nx by Ny grid
	Tridiag               // tridiag(Lower, Diag, Upper) of order N
	Diagonal              // Diag times the identity of order N
)

func (k Kind) String() string {
	switch k {
	case Laplace1D:
		return "laplace1d"
	case Laplace2D:
		return "laplace2d"
	case Tridiag:
		return "tridiag"
	case Diagonal:
		return "diagonal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a configuration name to a Kind.
func ParseKind(name string) (Kind, error) {
	for k := Laplace1D; k <= Diagonal; k++ {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Spec describes one generated matrix.
type Spec struct {
	Kind Kind

	N      int // order for the 1D kinds
	Nx, Ny int // grid size for Laplace2D

	Diag, Lower, Upper float64 // Tridiag and Diagonal coefficients
}

// Rows returns the matrix order.
func (s Spec) Rows() (int, error) {
	switch s.Kind {
	case Laplace1D, Tridiag, Diagonal:
		if s.N < 0 {
			return 0, fmt.Errorf("%w: %v with N=%d", ErrUnknownKind, s.Kind, s.N)
		}
		return s.N, nil
	case Laplace2D:
		if s.Nx < 0 || s.Ny < 0 {
			return 0, fmt.Errorf("%w: %v with grid %dx%d", ErrUnknownKind, s.Kind, s.Nx, s.Ny)
		}
		return s.Nx * s.Ny, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownKind, s.Kind)
}

// row returns the stencil of global row g in ascending column order.
func (s Spec) row(g int) ([]int, []float64) {
	switch s.Kind {
	case Laplace2D:
		i, j := g%s.Nx, g/s.Nx
		var cols []int
		var vals []float64
		add := func(c int, v float64) { cols, vals = append(cols, c), append(vals, v) }
		if j > 0 {
			add(g-s.Nx, -1)
		}
		if i > 0 {
			add(g-1, -1)
		}
		add(g, 4)
		if i < s.Nx-1 {
			add(g+1, -1)
		}
		if j < s.Ny-1 {
			add(g+s.Nx, -1)
		}
		return cols, vals
	case Diagonal:
		return []int{g}, []float64{s.Diag}
	}

	lower, diag, upper := -1.0, 2.0, -1.0
	if s.Kind == Tridiag {
		lower, diag, upper = s.Lower, s.Diag, s.Upper
	}
	var cols []int
	var vals []float64
	if g > 0 {
		cols, vals = append(cols, g-1), append(vals, lower)
	}
	cols, vals = append(cols, g), append(vals, diag)
	if g < s.N-1 {
		cols, vals = append(cols, g+1), append(vals, upper)
	}
	return cols, vals
}

// ExactSolution is the solution vector every generated problem is built
// around, as a function of the global index.
func ExactSolution(g int) float64 {
	return 1 + 0.5*math.Sin(float64(g))
}

// Problem is a generated linear system A*Exact = RHS with a zero initial
// guess LHS.
type Problem struct {
	A     *sparse.Matrix
	LHS   *vector.Vector
	RHS   *vector.Vector
	Exact *vector.Vector
}

// Generate builds the matrix described by spec distributed over c with the
// given layout strategy, seals it and computes RHS = A*Exact. Weighted
// layouts balance the number of stored entries per rank. Collective.
func Generate(ctx context.Context, c comm.Communicator, spec Spec, strategy partitions.PartitionStrategy, opts ...sparse.Option) (*Problem, error) {
	n, err := spec.Rows()
	if err != nil {
		return nil, err
	}
	b := partitions.Builder{NumRows: n, NumPartitions: c.Size(), Strategy: strategy}
	if strategy == partitions.WeightedPartition {
		b.Weights = make([]float64, n)
		for g := range b.Weights {
			cols, _ := spec.row(g)
			b.Weights[g] = float64(len(cols))
		}
	}
	layout, err := b.Build()
	if err != nil {
		return nil, err
	}
	m, err := layout.Map(c.Rank())
	if err != nil {
		return nil, err
	}

	A, err := sparse.NewMatrix(c, m, opts...)
	if err != nil {
		return nil, err
	}
	for l := 0; l < m.OwnedCount(); l++ {
		cols, vals := spec.row(m.GlobalIndex(l))
		if err := A.InsertRow(l, cols, vals); err != nil {
			return nil, fmt.Errorf("generate %v: %w", spec.Kind, err)
		}
	}
	if err := A.FinalizeStructure(ctx); err != nil {
		return nil, err
	}

	p := &Problem{
		A:     A,
		LHS:   vector.New(c, m),
		RHS:   vector.New(c, m),
		Exact: vector.New(c, m),
	}
	p.Exact.SetFunc(ExactSolution)
	if err := A.Multiply(ctx, p.Exact, p.RHS, false); err != nil {
		return nil, err
	}
	return p, nil
}

func (s Spec) triplets() (n int, ia, ja []int, data []float64, err error) {
	n, err = s.Rows()
	if err != nil {
		return 0, nil, nil, nil, err
	}
	ia = make([]int, n+1)
	for g := 0; g < n; g++ {
		cols, vals := s.row(g)
		ja = append(ja, cols...)
		data = append(data, vals...)
		ia[g+1] = len(ja)
	}
	return n, ia, ja, data, nil
}

// Reference returns the whole matrix as a single CSR, for checking a
// distributed result against a one-process computation.
func Reference(spec Spec) (*jsparse.CSR, error) {
	n, ia, ja, data, err := spec.triplets()
	if err != nil {
		return nil, err
	}
	return jsparse.NewCSR(n, n, ia, ja, data), nil
}

// Dense returns the whole matrix in dense form.
func Dense(spec Spec) (*mat.Dense, error) {
	n, ia, ja, data, err := spec.triplets()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &mat.Dense{}, nil
	}
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for k := ia[i]; k < ia[i+1]; k++ {
			d.Set(i, ja[k], data[k])
		}
	}
	return d, nil
}
