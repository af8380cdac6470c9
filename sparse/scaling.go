package sparse

import (
	"context"
	"fmt"
	"slices"

	"github.com/notargets/SpMVKernel/partitions"
	"github.com/notargets/SpMVKernel/vector"
)

// Diagonal returns the entries A[g, g] of the owned rows, distributed like
// the row map. Rows without a stored diagonal give zero.
func (a *Matrix) Diagonal() (*vector.Vector, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if a.state != Sealed {
		return nil, ErrNotSealed
	}
	d := vector.New(a.c, a.rowMap)
	dv := d.Values()
	for l := range dv {
		g := a.rowMap.GlobalIndex(l)
		lo, hi := a.csr.RowPtr[l], a.csr.RowPtr[l+1]
		if k, ok := slices.BinarySearch(a.globalCols[lo:hi], g); ok {
			dv[l] = a.csr.Values[lo+k]
		}
	}
	return d, nil
}

// LeftScale replaces A by diag(x)*A. x is distributed like the row map.
func (a *Matrix) LeftScale(x *vector.Vector) error {
	if err := a.checkScaling("left", x, a.rowMap); err != nil {
		return err
	}
	xv := x.Values()
	next := slices.Clone(a.csr.Values)
	for i := 0; i < a.csr.NumRows(); i++ {
		for k := a.csr.RowPtr[i]; k < a.csr.RowPtr[i+1]; k++ {
			next[k] *= xv[i]
		}
	}
	if err := a.checkValues(next); err != nil {
		return fmt.Errorf("left scale: %w", err)
	}
	return a.setValues(next)
}

// RightScale replaces A by A*diag(x). x is distributed like the domain map;
// the imported entries of x come through the communication plan, so this
// is collective.
func (a *Matrix) RightScale(ctx context.Context, x *vector.Vector) error {
	if err := a.checkScaling("right", x, a.domainMap); err != nil {
		return err
	}
	plan, err := a.Plan(ctx)
	if err != nil {
		return err
	}
	owned := a.domainMap.OwnedCount()
	col := a.colScratch
	copy(col[:owned], x.Values())
	if err := plan.Exchange(ctx, x.Values(), col[owned:]); err != nil {
		return err
	}

	next := slices.Clone(a.csr.Values)
	for k, j := range a.csr.Cols {
		next[k] *= col[j]
	}
	if err := a.checkValues(next); err != nil {
		return fmt.Errorf("right scale: %w", err)
	}
	return a.setValues(next)
}

func (a *Matrix) checkScaling(side string, x *vector.Vector, m *partitions.Map) error {
	if a.closed {
		return ErrClosed
	}
	if a.state != Sealed {
		return fmt.Errorf("%w: %s scaling needs a sealed matrix", ErrNotSealed, side)
	}
	if !x.Map().SameAs(m) {
		return fmt.Errorf("%w: x is %v, %s scaling needs %v", ErrDimensionMismatch, x.Map(), side, m)
	}
	if err := a.checkValues(x.Values()); err != nil {
		return fmt.Errorf("%s scale: %w", side, err)
	}
	return nil
}
