package gpu

import (
	"github.com/pkg/errors"

	"github.com/fxnlabs/gpusolver/internal/dtype"
)

// hostRoutines is one precision family of the host solver. Arguments are
// validated and device ranges resolved when a routine is issued; the
// numerical work runs later on the handle's stream.
type hostRoutines struct {
	backend *HostBackend
	t       dtype.ElementType
}

func (r *hostRoutines) views(ranges ...deviceRange) ([][]byte, error) {
	mem, err := r.backend.checkInitialized()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(ranges))
	for i, rg := range ranges {
		if rg.size == 0 {
			continue
		}
		if out[i], err = mem.view(rg.ptr, rg.size); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type deviceRange struct {
	ptr  DevicePtr
	size int
}

func (r *hostRoutines) enqueue(h Handle, op string, task func() error) error {
	stream, err := r.backend.handleStream(h)
	if err != nil {
		return err
	}
	return r.backend.submit(stream, func() error {
		return errors.Wrap(task(), op)
	})
}

func (r *hostRoutines) checkHandle(h Handle) error {
	_, err := r.backend.handleStream(h)
	return err
}

func invalid(op string) error {
	return checkStatus(op, StatusInvalidValue)
}

func validEig(jobz EigMode, uplo FillMode) bool {
	return (jobz == EigModeNoVector || jobz == EigModeVector) &&
		(uplo == FillModeLower || uplo == FillModeUpper)
}

func (r *hostRoutines) GetrfBufferSize(h Handle, m, n int) (int, error) {
	if err := r.checkHandle(h); err != nil {
		return 0, err
	}
	if m < 0 || n < 0 {
		return 0, invalid("getrf_bufferSize")
	}
	return m * n, nil
}

func (r *hostRoutines) Getrf(h Handle, m, n int, a DevicePtr, lda int, work, ipiv, info DevicePtr) error {
	const op = "getrf"
	if m < 0 || n < 0 || lda < max(1, m) {
		return invalid(op)
	}
	v, err := r.views(
		deviceRange{a, matrixBytes(r.t, m, n, lda)},
		deviceRange{ipiv, 4 * min(m, n)},
		deviceRange{info, 4},
	)
	if err != nil {
		return err
	}
	t := r.t
	return r.enqueue(h, op, func() error {
		mat := loadMatrix(v[0], t, m, n, lda)
		piv, status := luFactor(m, n, mat, t.IsComplex())
		storeMatrix(v[0], t, m, n, lda, mat)
		storeInt32s(v[1], piv)
		storeInt32s(v[2], []int32{status})
		return nil
	})
}

func (r *hostRoutines) SyevdBufferSize(h Handle, jobz EigMode, uplo FillMode, n int) (int, error) {
	if err := r.checkHandle(h); err != nil {
		return 0, err
	}
	if n < 0 || !validEig(jobz, uplo) {
		return 0, invalid("syevd_bufferSize")
	}
	return symmetricEigenWork(n, r.t.IsComplex()), nil
}

func (r *hostRoutines) Syevd(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr) error {
	const op = "syevd"
	if n < 0 || lda < max(1, n) || !validEig(jobz, uplo) {
		return invalid(op)
	}
	if lwork < symmetricEigenWork(n, r.t.IsComplex()) {
		return invalid(op)
	}
	return r.eigen(h, op, jobz, uplo, n, a, lda, w, info, 1, false)
}

func (r *hostRoutines) SyevjBufferSize(h Handle, jobz EigMode, uplo FillMode, n int, params SyevjInfo) (int, error) {
	return r.SyevjBatchedBufferSize(h, jobz, uplo, n, params, 1)
}

func (r *hostRoutines) Syevj(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr, params SyevjInfo) error {
	return r.syevj(h, "syevj", jobz, uplo, n, a, lda, w, lwork, info, params, 1)
}

func (r *hostRoutines) SyevjBatchedBufferSize(h Handle, jobz EigMode, uplo FillMode, n int, params SyevjInfo, batch int) (int, error) {
	if err := r.checkHandle(h); err != nil {
		return 0, err
	}
	if err := r.backend.checkSyevjInfo(params); err != nil {
		return 0, err
	}
	if n < 0 || batch < 0 || !validEig(jobz, uplo) {
		return 0, invalid("syevj_bufferSize")
	}
	return batch * n * n, nil
}

func (r *hostRoutines) SyevjBatched(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr, params SyevjInfo, batch int) error {
	return r.syevj(h, "syevjBatched", jobz, uplo, n, a, lda, w, lwork, info, params, batch)
}

func (r *hostRoutines) syevj(h Handle, op string, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w DevicePtr, lwork int, info DevicePtr, params SyevjInfo, batch int) error {
	if err := r.backend.checkSyevjInfo(params); err != nil {
		return err
	}
	if n < 0 || batch < 0 || lda < max(1, n) || !validEig(jobz, uplo) {
		return invalid(op)
	}
	if lwork < batch*n*n {
		return invalid(op)
	}
	return r.eigen(h, op, jobz, uplo, n, a, lda, w, info, batch, true)
}

// eigen issues batch eigendecompositions of consecutive lda×n matrices.
func (r *hostRoutines) eigen(h Handle, op string, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, info DevicePtr, batch int, jacobi bool) error {
	t := r.t
	stride := lda * n * t.Size()
	aSize := 0
	if batch > 0 && n > 0 {
		aSize = (batch-1)*stride + matrixBytes(t, n, n, lda)
	}
	v, err := r.views(
		deviceRange{a, aSize},
		deviceRange{w, batch * n * t.RealSize()},
		deviceRange{info, 4 * batch},
	)
	if err != nil {
		return err
	}
	vectors := jobz == EigModeVector
	return r.enqueue(h, op, func() error {
		for b := 0; b < batch; b++ {
			var ab []byte
			if n > 0 {
				ab = v[0][b*stride:]
			}
			mat := loadMatrix(ab, t, n, n, lda)
			completeHermitian(n, mat, uplo)
			values, ok := hermitianEigen(n, mat, t.IsComplex(), vectors, jacobi)
			status := int32(0)
			if !ok {
				status = 1
			} else {
				storeReals(v[1][b*n*t.RealSize():], t.RealSize(), values)
				if vectors {
					storeMatrix(ab, t, n, n, lda, mat)
				}
			}
			storeInt32s(v[2][4*b:], []int32{status})
		}
		return nil
	})
}

func (r *hostRoutines) GesvdBufferSize(h Handle, m, n int) (int, error) {
	if err := r.checkHandle(h); err != nil {
		return 0, err
	}
	if m < 0 || n < 0 {
		return 0, invalid("gesvd_bufferSize")
	}
	return svdWork(m, n, r.t.IsComplex()), nil
}

func (r *hostRoutines) Gesvd(h Handle, jobu, jobvt SVDJob, m, n int, a DevicePtr, lda int, s, u DevicePtr, ldu int, vt DevicePtr, ldvt int, work DevicePtr, lwork int, info DevicePtr) error {
	const op = "gesvd"
	validJob := func(j SVDJob) bool {
		return j == SVDJobAll || j == SVDJobSome || j == SVDJobNone
	}
	if !validJob(jobu) || !validJob(jobvt) || m < 0 || n < 0 || lda < max(1, m) {
		return invalid(op)
	}
	k := min(m, n)
	ucols := svdShape(jobu, m, k)
	vtrows := svdShape(jobvt, n, k)
	if ldu < 1 || (ucols > 0 && ldu < m) || ldvt < 1 || (vtrows > 0 && ldvt < vtrows) {
		return invalid(op)
	}
	if lwork < svdWork(m, n, r.t.IsComplex()) {
		return invalid(op)
	}

	t := r.t
	v, err := r.views(
		deviceRange{a, matrixBytes(t, m, n, lda)},
		deviceRange{s, k * t.RealSize()},
		deviceRange{u, matrixBytes(t, m, ucols, ldu)},
		deviceRange{vt, matrixBytes(t, vtrows, n, ldvt)},
		deviceRange{info, 4},
	)
	if err != nil {
		return err
	}
	return r.enqueue(h, op, func() error {
		mat := loadMatrix(v[0], t, m, n, lda)
		res, ok := singularValues(m, n, mat, t.IsComplex(), jobu, jobvt)
		if !ok {
			storeInt32s(v[4], []int32{1})
			return nil
		}
		storeReals(v[1], t.RealSize(), res.s)
		storeMatrix(v[2], t, m, ucols, ldu, res.u)
		storeMatrix(v[3], t, vtrows, n, ldvt, res.vt)
		storeInt32s(v[4], []int32{0})
		return nil
	})
}
