package device

import (
	"fmt"
	"unsafe"

	"github.com/notargets/SpMVKernel/sparse"
	"github.com/notargets/gocca"
)

const blockSize = 64

const spmvSource = `
@kernel void spmv(
	const int *rowPtr,
	const int *cols,
	const double *vals,
	const double *x,
	double *y
) {
	for (int b = 0; b < NROWS; b += BLOCK; @outer) {
		for (int i = b; i < b + BLOCK; ++i; @inner) {
			if (i < NROWS) {
				double sum = 0.0;
				for (int k = rowPtr[i]; k < rowPtr[i + 1]; ++k) {
					sum += vals[k] * x[cols[k]];
				}
				y[i] = sum;
			}
		}
	}
}
`

// Kernel is a sparse.LocalKernel executing on an OCCA device. The CSR
// structure is copied to the device on Bind; Apply moves only x and y.
type Kernel struct {
	Device *gocca.OCCADevice

	kernel *gocca.OCCAKernel
	rowPtr *gocca.OCCAMemory
	cols   *gocca.OCCAMemory
	vals   *gocca.OCCAMemory
	x      *gocca.OCCAMemory
	y      *gocca.OCCAMemory

	bound             *sparse.CSR
	nrows, ncols, nnz int
}

var _ sparse.LocalKernel = (*Kernel)(nil)

func NewKernel(dev *gocca.OCCADevice) *Kernel {
	return &Kernel{Device: dev}
}

// Bind uploads a. Rebinding the same CSR with an unchanged shape copies
// only the values; the compiled kernel and index arrays are reused.
func (k *Kernel) Bind(a *sparse.CSR) error {
	if k.Device == nil {
		return fmt.Errorf("device kernel has no device")
	}
	if k.kernel != nil && a == k.bound && a.NumRows() == k.nrows && a.NumCols == k.ncols && a.NNZ() == k.nnz {
		if k.nnz > 0 {
			k.vals.CopyFrom(unsafe.Pointer(&a.Values[0]), int64(k.nnz*8))
		}
		return nil
	}
	k.Free()
	k.nrows, k.ncols, k.nnz = a.NumRows(), a.NumCols, a.NNZ()

	rowPtr := make([]int32, len(a.RowPtr))
	for i, p := range a.RowPtr {
		rowPtr[i] = int32(p)
	}
	cols := make([]int32, max(k.nnz, 1))
	for i, c := range a.Cols {
		cols[i] = int32(c)
	}
	vals := make([]float64, max(k.nnz, 1))
	copy(vals, a.Values)

	k.rowPtr = k.Device.Malloc(int64(len(rowPtr)*4), unsafe.Pointer(&rowPtr[0]), nil)
	k.cols = k.Device.Malloc(int64(len(cols)*4), unsafe.Pointer(&cols[0]), nil)
	k.vals = k.Device.Malloc(int64(len(vals)*8), unsafe.Pointer(&vals[0]), nil)
	k.x = k.Device.Malloc(int64(max(k.ncols, 1)*8), nil, nil)
	k.y = k.Device.Malloc(int64(max(k.nrows, 1)*8), nil, nil)

	source := fmt.Sprintf("#define NROWS %d\n#define BLOCK %d\n%s", k.nrows, blockSize, spmvSource)
	var err error
	if k.Device.Mode() == "OpenMP" {
		// OpenMP builds do not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		k.kernel, err = k.Device.BuildKernelFromString(source, "spmv", props)
	} else {
		k.kernel, err = k.Device.BuildKernelFromString(source, "spmv", nil)
	}
	if err != nil {
		k.Free()
		return fmt.Errorf("failed to build spmv kernel: %w", err)
	}
	if k.kernel == nil {
		k.Free()
		return fmt.Errorf("kernel build returned nil for spmv")
	}
	k.bound = a
	return nil
}

// Apply computes y = A*x on the device.
func (k *Kernel) Apply(x, y []float64) error {
	if k.kernel == nil {
		return fmt.Errorf("%w: device kernel has no matrix bound", sparse.ErrNotSealed)
	}
	if len(x) != k.ncols || len(y) != k.nrows {
		return fmt.Errorf("%w: kernel got x[%d] y[%d] for %dx%d block",
			sparse.ErrDimensionMismatch, len(x), len(y), k.nrows, k.ncols)
	}
	if k.nrows == 0 {
		return nil
	}
	if k.ncols > 0 {
		k.x.CopyFrom(unsafe.Pointer(&x[0]), int64(k.ncols*8))
	}
	if err := k.kernel.RunWithArgs(k.rowPtr, k.cols, k.vals, k.x, k.y); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}
	k.Device.Finish()
	k.y.CopyTo(unsafe.Pointer(&y[0]), int64(k.nrows*8))
	return nil
}

// Free releases the kernel and device memory. The device itself is owned by
// the caller.
func (k *Kernel) Free() {
	if k.kernel != nil {
		k.kernel.Free()
		k.kernel = nil
	}
	k.bound = nil
	for _, mem := range []**gocca.OCCAMemory{&k.rowPtr, &k.cols, &k.vals, &k.x, &k.y} {
		if *mem != nil {
			(*mem).Free()
			*mem = nil
		}
	}
}
