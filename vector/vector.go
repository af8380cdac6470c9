// Package vector holds dense vectors distributed by a partitions.Map. Each
// rank stores only the entries it owns; reductions such as Dot and Norm2 are
// collective and must be called by every rank of the group.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/partitions"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrDimensionMismatch reports vectors or value slices whose distribution or
// length disagree with the operation.
var ErrDimensionMismatch = errors.New("vector: dimension mismatch")

// Vector is a distributed dense vector.
type Vector struct {
	m      *partitions.Map
	c      comm.Communicator
	values []float64
}

// New returns a zero vector distributed by m.
func New(c comm.Communicator, m *partitions.Map) *Vector {
	return &Vector{m: m, c: c, values: make([]float64, m.OwnedCount())}
}

// FromValues wraps a copy of the owned values vals.
func FromValues(c comm.Communicator, m *partitions.Map, vals []float64) (*Vector, error) {
	if len(vals) != m.OwnedCount() {
		return nil, fmt.Errorf("%w: %d values for %d owned entries", ErrDimensionMismatch, len(vals), m.OwnedCount())
	}
	v := New(c, m)
	copy(v.values, vals)
	return v, nil
}

func (v *Vector) Map() *partitions.Map    { return v.m }
func (v *Vector) Comm() comm.Communicator { return v.c }

// Values exposes the owned entries in local order. The slice aliases the
// vector's storage.
func (v *Vector) Values() []float64 { return v.values }

// Len is the number of owned entries.
func (v *Vector) Len() int { return len(v.values) }

// GlobalLen is the length of the whole distributed vector.
func (v *Vector) GlobalLen() int { return v.m.NumGlobal() }

func (v *Vector) Fill(a float64) {
	for i := range v.values {
		v.values[i] = a
	}
}

// Set assigns the entry at global index g, which must be owned.
func (v *Vector) Set(g int, a float64) error {
	l, err := v.m.LocalIndexOf(g)
	if err != nil {
		return err
	}
	v.values[l] = a
	return nil
}

// At returns the entry at global index g, which must be owned.
func (v *Vector) At(g int) (float64, error) {
	l, err := v.m.LocalIndexOf(g)
	if err != nil {
		return 0, err
	}
	return v.values[l], nil
}

// SetFunc assigns every owned entry from its global index.
func (v *Vector) SetFunc(f func(g int) float64) {
	for l := range v.values {
		v.values[l] = f(v.m.GlobalIndex(l))
	}
}

// Copy returns an independent vector with the same distribution.
func (v *Vector) Copy() *Vector {
	out := New(v.c, v.m)
	copy(out.values, v.values)
	return out
}

func (v *Vector) conform(o *Vector) error {
	if !v.m.SameAs(o.m) {
		return fmt.Errorf("%w: %v vs %v", ErrDimensionMismatch, v.m, o.m)
	}
	return nil
}

// CopyFrom overwrites v with the entries of o.
func (v *Vector) CopyFrom(o *Vector) error {
	if err := v.conform(o); err != nil {
		return err
	}
	copy(v.values, o.values)
	return nil
}

func (v *Vector) Scale(a float64) { floats.Scale(a, v.values) }

// Axpy computes v += a*x.
func (v *Vector) Axpy(a float64, x *Vector) error {
	if err := v.conform(x); err != nil {
		return err
	}
	floats.AddScaled(v.values, a, x.values)
	return nil
}

// Dot returns the global inner product of v and o.
func (v *Vector) Dot(ctx context.Context, o *Vector) (float64, error) {
	if err := v.conform(o); err != nil {
		return 0, err
	}
	var local float64
	if len(v.values) > 0 {
		local = floats.Dot(v.values, o.values)
	}
	r, err := comm.AllreduceFloats(ctx, v.c, comm.OpSum, []float64{local})
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

// Norm2 returns the global Euclidean norm.
func (v *Vector) Norm2(ctx context.Context) (float64, error) {
	d, err := v.Dot(ctx, v)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(d), nil
}

// NormInf returns the global maximum absolute entry.
func (v *Vector) NormInf(ctx context.Context) (float64, error) {
	var local float64
	if len(v.values) > 0 {
		local = floats.Norm(v.values, math.Inf(1))
	}
	r, err := comm.AllreduceFloats(ctx, v.c, comm.OpMax, []float64{local})
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

// Gather assembles the whole vector on every rank, ordered by global index.
func (v *Vector) Gather(ctx context.Context) (*mat.VecDense, error) {
	parts, err := comm.AllgatherFloats(ctx, v.c, v.values)
	if err != nil {
		return nil, err
	}
	n := v.m.NumGlobal()
	if n == 0 {
		return &mat.VecDense{}, nil
	}
	out := mat.NewVecDense(n, nil)
	layout := v.m.Layout()
	for p, part := range parts {
		pm, err := layout.Map(p)
		if err != nil {
			return nil, err
		}
		if len(part) != pm.OwnedCount() {
			return nil, fmt.Errorf("%w: rank %d sent %d entries, owns %d",
				ErrDimensionMismatch, p, len(part), pm.OwnedCount())
		}
		for l, a := range part {
			out.SetVec(pm.GlobalIndex(l), a)
		}
	}
	return out, nil
}
