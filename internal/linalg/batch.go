// Package linalg runs whole decompositions on a solver backend: it builds
// the descriptor, stages buffers in device memory, launches the kernel and
// reads the results back. It is the calling layer the CLI and the HTTP API
// share.
package linalg

import (
	"encoding/binary"
	"math"

	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// Batch is Count matrices of Rows×Cols elements stored back to back, each
// column-major, as raw elements of Dtype.
type Batch struct {
	Dtype dtype.Dtype
	Count int
	Rows  int
	Cols  int
	Data  []byte
}

// NewBatch returns a zeroed batch.
func NewBatch(d dtype.Dtype, count, rows, cols int) Batch {
	return Batch{
		Dtype: d,
		Count: count,
		Rows:  rows,
		Cols:  cols,
		Data:  make([]byte, count*rows*cols*d.ItemSize),
	}
}

// MatrixBytes returns the size of one matrix in bytes.
func (b Batch) MatrixBytes() int {
	return b.Rows * b.Cols * b.Dtype.ItemSize
}

// Validate checks that Data holds exactly the matrices the shape describes.
func (b Batch) Validate() error {
	if _, err := dtype.ToElementType(b.Dtype); err != nil {
		return err
	}
	if b.Count < 1 || b.Rows < 0 || b.Cols < 0 {
		return solvererr.InvalidArgumentf("invalid batch shape %dx%dx%d", b.Count, b.Rows, b.Cols)
	}
	if len(b.Data) != b.Count*b.MatrixBytes() {
		return solvererr.InvalidArgumentf("batch of %d %dx%d %s matrices needs %d bytes, got %d",
			b.Count, b.Rows, b.Cols, b.Dtype, b.Count*b.MatrixBytes(), len(b.Data))
	}
	return nil
}

// Encode packs row-major matrices into a batch. Every matrix must have the
// same shape. Imaginary parts are dropped for real dtypes.
func Encode(d dtype.Dtype, matrices [][][]complex128) (Batch, error) {
	t, err := dtype.ToElementType(d)
	if err != nil {
		return Batch{}, err
	}
	if len(matrices) == 0 {
		return Batch{}, solvererr.InvalidArgumentf("empty batch")
	}
	rows := len(matrices[0])
	cols := 0
	if rows > 0 {
		cols = len(matrices[0][0])
	}

	b := NewBatch(d, len(matrices), rows, cols)
	size := t.Size()
	for k, m := range matrices {
		if len(m) != rows {
			return Batch{}, solvererr.InvalidArgumentf("matrix %d has %d rows, want %d", k, len(m), rows)
		}
		base := k * b.MatrixBytes()
		for i, row := range m {
			if len(row) != cols {
				return Batch{}, solvererr.InvalidArgumentf("matrix %d row %d has %d columns, want %d", k, i, len(row), cols)
			}
			for j, v := range row {
				t.Store(b.Data[base+(i+j*rows)*size:], v)
			}
		}
	}
	return b, nil
}

// Matrices unpacks the batch into row-major matrices.
func (b Batch) Matrices() ([][][]complex128, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	t, _ := dtype.ToElementType(b.Dtype)
	size := t.Size()
	out := make([][][]complex128, b.Count)
	for k := range out {
		base := k * b.MatrixBytes()
		out[k] = make([][]complex128, b.Rows)
		for i := range out[k] {
			out[k][i] = make([]complex128, b.Cols)
			for j := range out[k][i] {
				out[k][i][j] = t.Load(b.Data[base+(i+j*b.Rows)*size:])
			}
		}
	}
	return out, nil
}

// reals splits raw real elements of width realSize into count rows of n.
func reals(b []byte, realSize, count, n int) [][]float64 {
	out := make([][]float64, count)
	for k := range out {
		out[k] = make([]float64, n)
		for i := range out[k] {
			off := (k*n + i) * realSize
			if realSize == 4 {
				out[k][i] = float64(math.Float32frombits(binary.NativeEndian.Uint32(b[off:])))
			} else {
				out[k][i] = math.Float64frombits(binary.NativeEndian.Uint64(b[off:]))
			}
		}
	}
	return out
}

// int32s splits native 32-bit integers into count rows of n.
func int32s(b []byte, count, n int) [][]int32 {
	out := make([][]int32, count)
	for k := range out {
		out[k] = make([]int32, n)
		for i := range out[k] {
			out[k][i] = int32(binary.NativeEndian.Uint32(b[(k*n+i)*4:]))
		}
	}
	return out
}
