//go:build cuda
// +build cuda

package gpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/dtype"
)

func newCUDABackend(t *testing.T) *CUDABackend {
	t.Helper()
	backend := NewCUDABackend(zap.NewNop())
	if !backend.IsAvailable() {
		t.Skip("CUDA not available on this system")
	}
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Cleanup() })
	return backend
}

func TestCUDABackend_Initialize(t *testing.T) {
	backend := newCUDABackend(t)
	assert.True(t, backend.initialized)

	info := backend.GetDeviceInfo()
	assert.NotEmpty(t, info.Name)
	assert.Greater(t, info.TotalMemory, int64(0))
	assert.NotEmpty(t, info.ComputeCapability)

	// Test double initialization (should be idempotent)
	assert.NoError(t, backend.Initialize())
}

func TestCUDABackend_Getrf(t *testing.T) {
	backend := newCUDABackend(t)

	h, err := backend.CreateHandle()
	require.NoError(t, err)
	stream, err := backend.CreateStream()
	require.NoError(t, err)
	defer backend.DestroyStream(stream)
	require.NoError(t, backend.SetStream(h, stream))

	r, err := backend.Routines(dtype.F64)
	require.NoError(t, err)
	lwork, err := r.GetrfBufferSize(h, 2, 2)
	require.NoError(t, err)

	host := make([]byte, 32)
	for i, v := range []float64{4, 6, 3, 3} {
		binary.NativeEndian.PutUint64(host[8*i:], math.Float64bits(v))
	}
	a, err := backend.Malloc(len(host))
	require.NoError(t, err)
	defer backend.Free(a)
	work, err := backend.Malloc(max(lwork, 1) * 8)
	require.NoError(t, err)
	defer backend.Free(work)
	ipiv, err := backend.Malloc(8)
	require.NoError(t, err)
	defer backend.Free(ipiv)
	info, err := backend.Malloc(4)
	require.NoError(t, err)
	defer backend.Free(info)

	require.NoError(t, backend.MemcpyHtoD(a, host))
	require.NoError(t, r.Getrf(h, 2, 2, a, 2, work, ipiv, info))
	require.NoError(t, backend.SynchronizeStream(stream))

	require.NoError(t, backend.MemcpyDtoH(host, a))
	want := []float64{6, 2.0 / 3, 3, 1}
	for i := range want {
		assert.InDelta(t, want[i], math.Float64frombits(binary.NativeEndian.Uint64(host[8*i:])), 1e-12)
	}
}
