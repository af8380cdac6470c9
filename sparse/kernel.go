package sparse

import "fmt"

// CSR is the sealed local storage of a Matrix. Columns are slots into the
// column vector assembled for a multiply: the owned domain entries occupy
// slots [0, domain.OwnedCount()) in local order, imported entries follow in
// plan buffer order. Within a row, entries are sorted by global column.
type CSR struct {
	RowPtr  []int
	Cols    []int
	Values  []float64
	NumCols int
}

func (a *CSR) NumRows() int { return len(a.RowPtr) - 1 }
func (a *CSR) NNZ() int     { return len(a.Values) }

// LocalKernel computes y = A*x for the rank-local CSR block. x is indexed by
// column slot and y by local row.
type LocalKernel interface {
	// Bind prepares the kernel for a; it is called again whenever the
	// values of a change.
	Bind(a *CSR) error
	Apply(x, y []float64) error
	Free()
}

// HostKernel multiplies on the CPU. Each row is accumulated left to right in
// storage order, so repeated calls give bit-identical results.
type HostKernel struct {
	a *CSR
}

func (k *HostKernel) Bind(a *CSR) error {
	k.a = a
	return nil
}

func (k *HostKernel) Apply(x, y []float64) error {
	a := k.a
	if a == nil {
		return fmt.Errorf("%w: host kernel has no matrix bound", ErrNotSealed)
	}
	if len(x) != a.NumCols || len(y) != a.NumRows() {
		return fmt.Errorf("%w: kernel got x[%d] y[%d] for %dx%d block",
			ErrDimensionMismatch, len(x), len(y), a.NumRows(), a.NumCols)
	}
	for i := range y {
		var sum float64
		for k := a.RowPtr[i]; k < a.RowPtr[i+1]; k++ {
			sum += a.Values[k] * x[a.Cols[k]]
		}
		y[i] = sum
	}
	return nil
}

func (k *HostKernel) Free() { k.a = nil }

// applyTranspose scatters x[i]*A[i,j] into col[j], rows in ascending order.
// col must be zeroed by the caller.
func (a *CSR) applyTranspose(x, col []float64) {
	for i := 0; i < a.NumRows(); i++ {
		xi := x[i]
		for k := a.RowPtr[i]; k < a.RowPtr[i+1]; k++ {
			col[a.Cols[k]] += a.Values[k] * xi
		}
	}
}
