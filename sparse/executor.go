package sparse

import (
	"context"
	"fmt"

	"github.com/notargets/SpMVKernel/comm"
	"github.com/notargets/SpMVKernel/exchange"
	"github.com/notargets/SpMVKernel/vector"
	"go.uber.org/zap"
)

// Multiply computes y = A*x, or y = A^T*x when transpose is set. For the
// forward product x is distributed like the domain map and y like the row
// map; the transpose swaps them. The first call builds the communication
// plan. Collective: every rank must call Multiply with the same transpose
// flag, and a rank that does not take part makes the others fail.
func (a *Matrix) Multiply(ctx context.Context, x, y *vector.Vector, transpose bool) error {
	if a.closed {
		return ErrClosed
	}
	if a.state != Sealed {
		return fmt.Errorf("%w: FinalizeStructure must run before Multiply", ErrNotSealed)
	}
	if err := a.conform(x, y, transpose); err != nil {
		return err
	}

	if a.collectiveCheck {
		token := a.multiplies << 1
		if transpose {
			token |= 1
		}
		if err := comm.Agree(ctx, a.c, token); err != nil {
			a.InvalidatePlan()
			return fmt.Errorf("multiply %d: %w", a.multiplies, err)
		}
	}
	a.multiplies++

	plan, err := a.Plan(ctx)
	if err != nil {
		return err
	}
	if transpose {
		err = ApplyTranspose(ctx, a, plan, x, y)
	} else {
		err = Apply(ctx, a, plan, x, y)
	}
	if err != nil {
		a.logger.Warn("multiply failed", a.withRank(zap.Bool("transpose", transpose), zap.Error(err))...)
	}
	return err
}

// conform checks that x and y are distributed the way the product needs.
func (a *Matrix) conform(x, y *vector.Vector, transpose bool) error {
	in, out := a.domainMap, a.rowMap
	if transpose {
		in, out = out, in
	}
	if !x.Map().SameAs(in) {
		return fmt.Errorf("%w: x is %v, matrix needs %v", ErrDimensionMismatch, x.Map(), in)
	}
	if !y.Map().SameAs(out) {
		return fmt.Errorf("%w: y is %v, matrix needs %v", ErrDimensionMismatch, y.Map(), out)
	}
	return nil
}

func (a *Matrix) checkPlan(plan *exchange.Plan) error {
	if a.state != Sealed {
		return ErrNotSealed
	}
	if a.closed {
		return ErrClosed
	}
	if !plan.Domain().SameAs(a.domainMap) || plan.NumRemote != len(a.remote) {
		return fmt.Errorf("%w: plan was not built for this matrix", ErrDimensionMismatch)
	}
	return nil
}

// Apply computes y = A*x with the given plan: the owned entries of x and
// the imported remote entries are assembled into the column vector, then
// the local kernel forms each row's dot product.
func Apply(ctx context.Context, a *Matrix, plan *exchange.Plan, x, y *vector.Vector) error {
	if err := a.checkPlan(plan); err != nil {
		return err
	}
	if err := a.conform(x, y, false); err != nil {
		return err
	}
	owned := a.domainMap.OwnedCount()
	col := a.colScratch
	copy(col[:owned], x.Values())
	if err := plan.Exchange(ctx, x.Values(), col[owned:]); err != nil {
		return err
	}
	return a.kernel.Apply(col, y.Values())
}

// ApplyTranspose computes y = A^T*x. Each local row scatters its
// contributions into the column vector; the owned part becomes y and the
// remote part is added into the owners' entries by the reverse exchange.
// It always runs on the host.
func ApplyTranspose(ctx context.Context, a *Matrix, plan *exchange.Plan, x, y *vector.Vector) error {
	if err := a.checkPlan(plan); err != nil {
		return err
	}
	if err := a.conform(x, y, true); err != nil {
		return err
	}
	col := a.colScratch
	clear(col)
	a.csr.applyTranspose(x.Values(), col)

	owned := a.domainMap.OwnedCount()
	yv := y.Values()
	copy(yv, col[:owned])
	return plan.ExportAdd(ctx, col[owned:], yv)
}
