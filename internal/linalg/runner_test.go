package linalg

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/handlepool"
	"github.com/fxnlabs/gpusolver/internal/solver"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

func newRunner(t *testing.T, limits Limits) *Runner {
	t.Helper()
	backend := gpu.NewHostBackend(zap.NewNop())
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Cleanup() })
	pool := handlepool.New(backend, zap.NewNop())
	return NewRunner(solver.New(backend, pool, zap.NewNop()), limits, zap.NewNop())
}

func realMatrix(rows ...[]float64) [][]complex128 {
	out := make([][]complex128, len(rows))
	for i, row := range rows {
		out[i] = make([]complex128, len(row))
		for j, v := range row {
			out[i][j] = complex(v, 0)
		}
	}
	return out
}

func mustEncode(t *testing.T, d dtype.Dtype, matrices ...[][]complex128) Batch {
	t.Helper()
	b, err := Encode(d, matrices)
	require.NoError(t, err)
	return b
}

func mustMatrices(t *testing.T, b Batch) [][][]complex128 {
	t.Helper()
	m, err := b.Matrices()
	require.NoError(t, err)
	return m
}

func assertMatrixNear(t *testing.T, want, got [][]complex128, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Len(t, got[i], len(want[i]))
		for j := range want[i] {
			assert.InDelta(t, 0, cmplx.Abs(want[i][j]-got[i][j]), tol, "element (%d,%d): want %v got %v", i, j, want[i][j], got[i][j])
		}
	}
}

func matmul(a, b [][]complex128) [][]complex128 {
	out := make([][]complex128, len(a))
	for i := range a {
		out[i] = make([]complex128, len(b[0]))
		for j := range out[i] {
			for k := range b {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func TestEncode_ColumnMajor(t *testing.T) {
	b := mustEncode(t, dtype.Float64, realMatrix([]float64{1, 2, 3}, []float64{4, 5, 6}))
	assert.Equal(t, 1, b.Count)
	assert.Equal(t, 2, b.Rows)
	assert.Equal(t, 3, b.Cols)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, reals(b.Data, 8, 1, 6)[0])

	back := mustMatrices(t, b)
	assertMatrixNear(t, realMatrix([]float64{1, 2, 3}, []float64{4, 5, 6}), back[0], 0)
}

func TestEncode_Complex(t *testing.T) {
	in := [][]complex128{{1 + 2i, 3 - 1i}, {0, -4i}}
	for _, d := range []dtype.Dtype{dtype.Complex64, dtype.Complex128} {
		b := mustEncode(t, d, in, in)
		assert.Len(t, b.Data, 2*4*d.ItemSize)
		back := mustMatrices(t, b)
		assertMatrixNear(t, in, back[0], 0)
		assertMatrixNear(t, in, back[1], 0)
	}
}

func TestEncode_Errors(t *testing.T) {
	_, err := Encode(dtype.Float64, nil)
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	_, err = Encode(dtype.Dtype{Kind: 'i', ItemSize: 4}, [][][]complex128{{{1}}})
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	_, err = Encode(dtype.Float64, [][][]complex128{{{1, 2}}, {{1}}})
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	_, err = Encode(dtype.Float64, [][][]complex128{{{1, 2}, {3}}})
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	bad := Batch{Dtype: dtype.Float32, Count: 1, Rows: 2, Cols: 2, Data: make([]byte, 15)}
	assert.ErrorIs(t, bad.Validate(), solvererr.ErrInvalidArgument)
}

func TestRunner_LU(t *testing.T) {
	r := newRunner(t, Limits{})
	a := realMatrix([]float64{4, 3}, []float64{6, 3})

	for _, d := range []dtype.Dtype{dtype.Float32, dtype.Float64, dtype.Complex64, dtype.Complex128} {
		t.Run(d.String(), func(t *testing.T) {
			res, err := r.LU(context.Background(), mustEncode(t, d, a))
			require.NoError(t, err)
			assert.Equal(t, []int32{0}, res.Info)
			assert.Equal(t, [][]int32{{2, 2}}, res.Pivots)

			lu := mustMatrices(t, res.LU)[0]
			assertMatrixNear(t, [][]complex128{{6, 3}, {2.0 / 3, 1}}, lu, 1e-6)
		})
	}
}

func TestRunner_LUSingular(t *testing.T) {
	r := newRunner(t, Limits{})
	res, err := r.LU(context.Background(), mustEncode(t, dtype.Float64, realMatrix([]float64{1, 2}, []float64{2, 4})))
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, res.Info)
}

func TestRunner_Eigh(t *testing.T) {
	r := newRunner(t, Limits{SyevjMaxBatchedDim: 32})
	a := realMatrix([]float64{2, 1}, []float64{1, 2})

	for _, method := range []Method{MethodQR, MethodJacobi} {
		for _, d := range []dtype.Dtype{dtype.Float32, dtype.Float64, dtype.Complex64, dtype.Complex128} {
			t.Run(string(method)+"/"+d.String(), func(t *testing.T) {
				res, err := r.Eigh(context.Background(), mustEncode(t, d, a, a, a), method, true)
				require.NoError(t, err)
				assert.Equal(t, []int32{0, 0, 0}, res.Info)

				vectors := mustMatrices(t, res.Vectors)
				for k := 0; k < 3; k++ {
					assert.InDeltaSlice(t, []float64{1, 3}, res.Values[k], 1e-5)
					v := vectors[k]
					av := matmul(a, v)
					for j := 0; j < 2; j++ {
						for i := 0; i < 2; i++ {
							assert.InDelta(t, 0, cmplx.Abs(av[i][j]-complex(res.Values[k][j], 0)*v[i][j]), 1e-5)
						}
					}
				}
			})
		}
	}
}

func TestRunner_EighHermitian(t *testing.T) {
	r := newRunner(t, Limits{})
	// Eigenvalues 1 and 4.
	a := [][]complex128{{2, 1 - 1i}, {1 + 1i, 3}}

	for _, lower := range []bool{true, false} {
		res, err := r.Eigh(context.Background(), mustEncode(t, dtype.Complex128, a), MethodQR, lower)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{1, 4}, res.Values[0], 1e-10)

		v := mustMatrices(t, res.Vectors)[0]
		av := matmul(a, v)
		for j := 0; j < 2; j++ {
			for i := 0; i < 2; i++ {
				assert.InDelta(t, 0, cmplx.Abs(av[i][j]-complex(res.Values[0][j], 0)*v[i][j]), 1e-10)
			}
		}
	}
}

func TestRunner_EighRejects(t *testing.T) {
	r := newRunner(t, Limits{SyevjMaxBatchedDim: 2})
	square3 := realMatrix([]float64{1, 0, 0}, []float64{0, 1, 0}, []float64{0, 0, 1})

	_, err := r.Eigh(context.Background(), mustEncode(t, dtype.Float64, square3, square3), MethodJacobi, true)
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	// A single matrix uses the unbatched routine, which has no ceiling.
	res, err := r.Eigh(context.Background(), mustEncode(t, dtype.Float64, square3), MethodJacobi, true)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, res.Values[0], 1e-12)

	_, err = r.Eigh(context.Background(), mustEncode(t, dtype.Float64, realMatrix([]float64{1, 2})), MethodQR, true)
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	_, err = r.Eigh(context.Background(), mustEncode(t, dtype.Float64, square3), Method("power"), true)
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)
}

func TestRunner_SVD(t *testing.T) {
	r := newRunner(t, Limits{})
	a := realMatrix([]float64{3, 0}, []float64{4, 5}, []float64{0, 0})

	testCases := []struct {
		name         string
		computeUV    bool
		fullMatrices bool
		uShape       [2]int
		vtShape      [2]int
	}{
		{"full", true, true, [2]int{3, 3}, [2]int{2, 2}},
		{"reduced", true, false, [2]int{3, 2}, [2]int{2, 2}},
		{"values only", false, false, [2]int{3, 0}, [2]int{0, 2}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := r.SVD(context.Background(), mustEncode(t, dtype.Float64, a), tc.computeUV, tc.fullMatrices)
			require.NoError(t, err)
			assert.Equal(t, []int32{0}, res.Info)
			assert.InDeltaSlice(t, []float64{math.Sqrt(45), math.Sqrt(5)}, res.S[0], 1e-10)
			assert.Equal(t, tc.uShape, [2]int{res.U.Rows, res.U.Cols})
			assert.Equal(t, tc.vtShape, [2]int{res.VT.Rows, res.VT.Cols})

			if !tc.computeUV {
				return
			}
			u := mustMatrices(t, res.U)[0]
			vt := mustMatrices(t, res.VT)[0]
			// U[:, :k] diag(S) VT[:k, :] reproduces a.
			us := make([][]complex128, 3)
			for i := range us {
				us[i] = []complex128{u[i][0] * complex(res.S[0][0], 0), u[i][1] * complex(res.S[0][1], 0)}
			}
			assertMatrixNear(t, a, matmul(us, vt[:2]), 1e-10)
		})
	}
}

func TestRunner_Limits(t *testing.T) {
	r := newRunner(t, Limits{MaxBatch: 1, MaxDim: 2})
	a := realMatrix([]float64{1, 0}, []float64{0, 1})

	_, err := r.LU(context.Background(), mustEncode(t, dtype.Float64, a, a))
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	_, err = r.SVD(context.Background(), mustEncode(t, dtype.Float64, realMatrix([]float64{1, 2, 3})), false, false)
	assert.ErrorIs(t, err, solvererr.ErrInvalidArgument)

	_, err = r.LU(context.Background(), mustEncode(t, dtype.Float64, a))
	assert.NoError(t, err)
}

func TestRunner_CanceledContext(t *testing.T) {
	r := newRunner(t, Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.LU(ctx, mustEncode(t, dtype.Float64, realMatrix([]float64{1})))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_ReleasesDeviceMemory(t *testing.T) {
	r := newRunner(t, Limits{})
	before := r.backend.GetDeviceInfo().AvailableMemory

	a := realMatrix([]float64{2, 1}, []float64{1, 2})
	_, err := r.SVD(context.Background(), mustEncode(t, dtype.Float64, a), true, true)
	require.NoError(t, err)
	_, err = r.Eigh(context.Background(), mustEncode(t, dtype.Float64, a), MethodJacobi, false)
	require.NoError(t, err)

	assert.Equal(t, before, r.backend.GetDeviceInfo().AvailableMemory)
}

func TestRunner_Concurrent(t *testing.T) {
	r := newRunner(t, Limits{})
	a := realMatrix([]float64{2, 1}, []float64{1, 2})

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		method := MethodQR
		if i%2 == 1 {
			method = MethodJacobi
		}
		g.Go(func() error {
			b, err := Encode(dtype.Float64, [][][]complex128{a})
			if err != nil {
				return err
			}
			res, err := r.Eigh(context.Background(), b, method, true)
			if err != nil {
				return err
			}
			if math.Abs(res.Values[0][0]-1) > 1e-12 || math.Abs(res.Values[0][1]-3) > 1e-12 {
				return solvererr.Runtimef("unexpected eigenvalues %v", res.Values[0])
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
