package gpu

import (
	"encoding/binary"
	"math"

	"github.com/fxnlabs/gpusolver/internal/dtype"
)

// matrixBytes returns the bytes spanned by an m×n column-major matrix with
// leading dimension ld.
func matrixBytes(t dtype.ElementType, m, n, ld int) int {
	if m == 0 || n == 0 {
		return 0
	}
	return ((n-1)*ld + m) * t.Size()
}

// loadMatrix reads an m×n column-major matrix with leading dimension ld and
// returns it densely packed (leading dimension m).
func loadMatrix(b []byte, t dtype.ElementType, m, n, ld int) []complex128 {
	size := t.Size()
	out := make([]complex128, m*n)
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			out[i+j*m] = t.Load(b[(i+j*ld)*size:])
		}
	}
	return out
}

// storeMatrix writes a densely packed m×n column-major matrix into b with
// leading dimension ld.
func storeMatrix(b []byte, t dtype.ElementType, m, n, ld int, v []complex128) {
	size := t.Size()
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			t.Store(b[(i+j*ld)*size:], v[i+j*m])
		}
	}
}

// storeReals writes v as real elements of the given width (4 or 8 bytes).
func storeReals(b []byte, realSize int, v []float64) {
	for i, x := range v {
		if realSize == 4 {
			binary.NativeEndian.PutUint32(b[i*4:], math.Float32bits(float32(x)))
		} else {
			binary.NativeEndian.PutUint64(b[i*8:], math.Float64bits(x))
		}
	}
}

// storeInt32s writes v as native 32-bit integers.
func storeInt32s(b []byte, v []int32) {
	for i, x := range v {
		binary.NativeEndian.PutUint32(b[i*4:], uint32(x))
	}
}
