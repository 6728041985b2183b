// Package solver implements the dense solver custom-call kernels: LU
// (getrf), symmetric/Hermitian eigendecomposition by the QR (syevd) and
// Jacobi (syevj) algorithms, and singular value decomposition (gesvd).
//
// Each kernel is split in two. A Build function runs once per distinct
// problem shape: it asks the library for the workspace size and encodes the
// shape into an opaque descriptor. The matching call function runs on every
// invocation with a stream, the positional device buffers and that
// descriptor. Call functions only enqueue work; the caller synchronizes the
// stream. Per-matrix info values are written to the info buffers and are
// not inspected here.
package solver

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/descriptor"
	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/handlepool"
	"github.com/fxnlabs/gpusolver/internal/metrics"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// Solver dispatches kernels to one backend. It is safe for concurrent use.
type Solver struct {
	backend gpu.Backend
	pool    *handlepool.Pool
	logger  *zap.Logger
}

// New returns a Solver that borrows handles for backend from pool.
func New(backend gpu.Backend, pool *handlepool.Pool, logger *zap.Logger) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		backend: backend,
		pool:    pool,
		logger:  logger.Named("solver"),
	}
}

// Backend returns the backend kernels run on.
func (s *Solver) Backend() gpu.Backend {
	return s.backend
}

// routines borrows a handle bound to stream and selects the routine family
// for t. The caller must release the handle.
func (s *Solver) routines(stream gpu.Stream, t dtype.ElementType) (*handlepool.Handle, gpu.Routines, error) {
	h, err := s.pool.Borrow(stream)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.backend.Routines(t)
	if err != nil {
		h.Release()
		return nil, nil, err
	}
	return h, r, nil
}

func checkBuffers(op string, buffers []gpu.DevicePtr, want int) error {
	if len(buffers) != want {
		return solvererr.Runtimef("%s expects %d buffers, got %d", op, want, len(buffers))
	}
	return nil
}

func (s *Solver) observeBuild(op string, lwork int) {
	metrics.WorkspaceElements.WithLabelValues(op).Observe(float64(lwork))
}

func (s *Solver) observeCall(op string, t dtype.ElementType, err error) error {
	metrics.KernelCalls.WithLabelValues(op, t.String()).Inc()
	if err != nil {
		metrics.KernelFailures.WithLabelValues(op, t.String()).Inc()
		s.logger.Debug("Kernel call failed", zap.String("op", op), zap.Stringer("type", t), zap.Error(err))
	}
	return err
}

// getrf: LU decomposition

// BuildGetrfDescriptor returns the workspace size, in elements, and the
// descriptor for batch LU factorizations of m×n matrices.
func (s *Solver) BuildGetrfDescriptor(d dtype.Dtype, batch, m, n int) (int, []byte, error) {
	t, err := dtype.ToElementType(d)
	if err != nil {
		return 0, nil, err
	}
	h, r, err := s.routines(0, t)
	if err != nil {
		return 0, nil, err
	}
	defer h.Release()

	lwork, err := r.GetrfBufferSize(h.Get(), m, n)
	if err != nil {
		return 0, nil, errors.Wrap(err, "getrf workspace query failed")
	}
	s.observeBuild("getrf", lwork)
	desc := GetrfDescriptor{Type: t, Batch: int32(batch), M: int32(m), N: int32(n)}
	return lwork, descriptor.Pack(&desc), nil
}

// Getrf runs the LU kernel. buffers are [a, out, work, ipiv, info]: a is
// copied to out, which is factored in place. ipiv receives min(m,n) 1-based
// pivots per matrix and info one status per matrix.
func (s *Solver) Getrf(stream gpu.Stream, buffers []gpu.DevicePtr, opaque []byte) error {
	if err := checkBuffers("getrf", buffers, 5); err != nil {
		return err
	}
	d, err := descriptor.Unpack[GetrfDescriptor](opaque)
	if err != nil {
		return err
	}
	return s.observeCall("getrf", d.Type, s.getrf(stream, buffers, d))
}

func (s *Solver) getrf(stream gpu.Stream, buffers []gpu.DevicePtr, d *GetrfDescriptor) error {
	h, r, err := s.routines(stream, d.Type)
	if err != nil {
		return err
	}
	defer h.Release()

	batch, m, n := int(d.Batch), int(d.M), int(d.N)
	size := d.Type.Size()
	if err := s.backend.MemcpyDtoDAsync(buffers[1], buffers[0], size*batch*m*n, stream); err != nil {
		return err
	}

	a, work, ipiv, info := buffers[1], buffers[2], buffers[3], buffers[4]
	for i := 0; i < batch; i++ {
		if err := r.Getrf(h.Get(), m, n, a, max(1, m), work, ipiv, info); err != nil {
			return err
		}
		a = a.Add(size * m * n)
		ipiv = ipiv.Add(4 * min(m, n))
		info = info.Add(4)
	}
	return nil
}

// syevd: Symmetric (Hermitian) eigendecomposition, QR algorithm

// BuildSyevdDescriptor returns the workspace size, in elements, and the
// descriptor for batch eigendecompositions of n×n matrices stored in the
// lower (or upper) triangle.
func (s *Solver) BuildSyevdDescriptor(d dtype.Dtype, lower bool, batch, n int) (int, []byte, error) {
	t, err := dtype.ToElementType(d)
	if err != nil {
		return 0, nil, err
	}
	h, r, err := s.routines(0, t)
	if err != nil {
		return 0, nil, err
	}
	defer h.Release()

	uplo := fillMode(lower)
	lwork, err := r.SyevdBufferSize(h.Get(), gpu.EigModeVector, uplo, n)
	if err != nil {
		return 0, nil, errors.Wrap(err, "syevd workspace query failed")
	}
	s.observeBuild("syevd", lwork)
	desc := SyevdDescriptor{Type: t, Uplo: uplo, Batch: int32(batch), N: int32(n), Lwork: int32(lwork)}
	return lwork, descriptor.Pack(&desc), nil
}

// Syevd runs the QR-algorithm eigensolver. buffers are
// [a, out, w, info, work]: a is copied to out, which receives the
// eigenvectors; w receives n ascending eigenvalues per matrix.
func (s *Solver) Syevd(stream gpu.Stream, buffers []gpu.DevicePtr, opaque []byte) error {
	if err := checkBuffers("syevd", buffers, 5); err != nil {
		return err
	}
	d, err := descriptor.Unpack[SyevdDescriptor](opaque)
	if err != nil {
		return err
	}
	return s.observeCall("syevd", d.Type, s.syevd(stream, buffers, d))
}

func (s *Solver) syevd(stream gpu.Stream, buffers []gpu.DevicePtr, d *SyevdDescriptor) error {
	h, r, err := s.routines(stream, d.Type)
	if err != nil {
		return err
	}
	defer h.Release()

	batch, n := int(d.Batch), int(d.N)
	size := d.Type.Size()
	if err := s.backend.MemcpyDtoDAsync(buffers[1], buffers[0], size*batch*n*n, stream); err != nil {
		return err
	}

	a, w, info, work := buffers[1], buffers[2], buffers[3], buffers[4]
	for i := 0; i < batch; i++ {
		if err := r.Syevd(h.Get(), gpu.EigModeVector, d.Uplo, n, a, max(1, n), w, work, int(d.Lwork), info); err != nil {
			return err
		}
		a = a.Add(size * n * n)
		w = w.Add(d.Type.RealSize() * n)
		info = info.Add(4)
	}
	return nil
}

// syevj: Symmetric (Hermitian) eigendecomposition, Jacobi algorithm

// BuildSyevjDescriptor is BuildSyevdDescriptor for the Jacobi eigensolver.
// A batch of one uses the single-matrix routine; larger batches use the
// batched routine, which only supports small matrices.
func (s *Solver) BuildSyevjDescriptor(d dtype.Dtype, lower bool, batch, n int) (int, []byte, error) {
	t, err := dtype.ToElementType(d)
	if err != nil {
		return 0, nil, err
	}
	h, r, err := s.routines(0, t)
	if err != nil {
		return 0, nil, err
	}
	defer h.Release()

	params, err := s.backend.CreateSyevjInfo()
	if err != nil {
		return 0, nil, err
	}
	defer s.destroySyevjInfo(params)

	uplo := fillMode(lower)
	var lwork int
	if batch == 1 {
		lwork, err = r.SyevjBufferSize(h.Get(), gpu.EigModeVector, uplo, n, params)
	} else {
		lwork, err = r.SyevjBatchedBufferSize(h.Get(), gpu.EigModeVector, uplo, n, params, batch)
	}
	if err != nil {
		return 0, nil, errors.Wrap(err, "syevj workspace query failed")
	}
	s.observeBuild("syevj", lwork)
	desc := SyevjDescriptor{Type: t, Uplo: uplo, Batch: int32(batch), N: int32(n), Lwork: int32(lwork)}
	return lwork, descriptor.Pack(&desc), nil
}

// Syevj runs the Jacobi eigensolver with the same buffers as Syevd. When out
// and a are the same buffer the input copy is skipped.
func (s *Solver) Syevj(stream gpu.Stream, buffers []gpu.DevicePtr, opaque []byte) error {
	if err := checkBuffers("syevj", buffers, 5); err != nil {
		return err
	}
	d, err := descriptor.Unpack[SyevjDescriptor](opaque)
	if err != nil {
		return err
	}
	return s.observeCall("syevj", d.Type, s.syevj(stream, buffers, d))
}

func (s *Solver) syevj(stream gpu.Stream, buffers []gpu.DevicePtr, d *SyevjDescriptor) error {
	h, r, err := s.routines(stream, d.Type)
	if err != nil {
		return err
	}
	defer h.Release()

	batch, n := int(d.Batch), int(d.N)
	if buffers[1] != buffers[0] {
		size := d.Type.Size() * batch * n * n
		if err := s.backend.MemcpyDtoDAsync(buffers[1], buffers[0], size, stream); err != nil {
			return err
		}
	}

	params, err := s.backend.CreateSyevjInfo()
	if err != nil {
		return err
	}
	defer s.destroySyevjInfo(params)

	a, w, info, work := buffers[1], buffers[2], buffers[3], buffers[4]
	if batch == 1 {
		return r.Syevj(h.Get(), gpu.EigModeVector, d.Uplo, n, a, max(1, n), w, work, int(d.Lwork), info, params)
	}
	return r.SyevjBatched(h.Get(), gpu.EigModeVector, d.Uplo, n, a, max(1, n), w, work, int(d.Lwork), info, params, batch)
}

func (s *Solver) destroySyevjInfo(params gpu.SyevjInfo) {
	if err := s.backend.DestroySyevjInfo(params); err != nil {
		s.logger.Warn("Failed to destroy Jacobi parameters", zap.Error(err))
	}
}

// gesvd: Singular value decomposition using QR algorithm

// BuildGesvdDescriptor returns the workspace size, in elements, and the
// descriptor for batch SVDs of m×n matrices. Without computeUV no singular
// vectors are produced; otherwise fullMatrices selects full or reduced U
// and V^T.
func (s *Solver) BuildGesvdDescriptor(d dtype.Dtype, batch, m, n int, computeUV, fullMatrices bool) (int, []byte, error) {
	t, err := dtype.ToElementType(d)
	if err != nil {
		return 0, nil, err
	}
	h, r, err := s.routines(0, t)
	if err != nil {
		return 0, nil, err
	}
	defer h.Release()

	lwork, err := r.GesvdBufferSize(h.Get(), m, n)
	if err != nil {
		return 0, nil, errors.Wrap(err, "gesvd workspace query failed")
	}
	s.observeBuild("gesvd", lwork)
	job := svdJobs(computeUV, fullMatrices)
	desc := GesvdDescriptor{
		Type: t, Batch: int32(batch), M: int32(m), N: int32(n),
		Lwork: int32(lwork), Jobu: job, Jobvt: job,
	}
	return lwork, descriptor.Pack(&desc), nil
}

// Gesvd runs the SVD kernel. buffers are [a, out, s, u, vt, info, work]: a
// is copied to out, which is destroyed; s receives min(m,n) descending
// singular values per matrix, u an m×m and vt an n×n slot per matrix.
func (s *Solver) Gesvd(stream gpu.Stream, buffers []gpu.DevicePtr, opaque []byte) error {
	if err := checkBuffers("gesvd", buffers, 7); err != nil {
		return err
	}
	d, err := descriptor.Unpack[GesvdDescriptor](opaque)
	if err != nil {
		return err
	}
	return s.observeCall("gesvd", d.Type, s.gesvd(stream, buffers, d))
}

func (s *Solver) gesvd(stream gpu.Stream, buffers []gpu.DevicePtr, d *GesvdDescriptor) error {
	h, r, err := s.routines(stream, d.Type)
	if err != nil {
		return err
	}
	defer h.Release()

	batch, m, n := int(d.Batch), int(d.M), int(d.N)
	size := d.Type.Size()
	if err := s.backend.MemcpyDtoDAsync(buffers[1], buffers[0], size*batch*m*n, stream); err != nil {
		return err
	}

	a, sv, u, vt, info, work := buffers[1], buffers[2], buffers[3], buffers[4], buffers[5], buffers[6]
	for i := 0; i < batch; i++ {
		err := r.Gesvd(h.Get(), d.Jobu, d.Jobvt, m, n, a, max(1, m), sv, u, max(1, m), vt, max(1, n),
			work, int(d.Lwork), info)
		if err != nil {
			return err
		}
		a = a.Add(size * m * n)
		sv = sv.Add(d.Type.RealSize() * min(m, n))
		u = u.Add(size * m * m)
		vt = vt.Add(size * n * n)
		info = info.Add(4)
	}
	return nil
}
