package linalg

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/metrics"
	"github.com/fxnlabs/gpusolver/internal/solver"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// Method selects the eigensolver algorithm.
type Method string

const (
	MethodQR     Method = "qr"
	MethodJacobi Method = "jacobi"
)

// Limits bounds the problems a Runner accepts. Zero disables a limit.
type Limits struct {
	// SyevjMaxBatchedDim is the largest dimension the batched Jacobi
	// eigensolver supports.
	SyevjMaxBatchedDim int
	MaxBatch           int
	MaxDim             int
}

// Runner executes decompositions end to end on one solver.
type Runner struct {
	backend gpu.Backend
	solver  *solver.Solver
	limits  Limits
	logger  *zap.Logger
}

// NewRunner returns a Runner that launches kernels through s.
func NewRunner(s *solver.Solver, limits Limits, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		backend: s.Backend(),
		solver:  s,
		limits:  limits,
		logger:  logger.Named("linalg"),
	}
}

// LUResult holds a batch of LU factorizations. LU packs the unit lower
// triangle below the diagonal and U on and above it. Pivots are 1-based.
type LUResult struct {
	LU     Batch
	Pivots [][]int32
	Info   []int32
}

// EighResult holds a batch of eigendecompositions. Values are ascending and
// the columns of Vectors are the matching eigenvectors.
type EighResult struct {
	Values  [][]float64
	Vectors Batch
	Info    []int32
}

// SVDResult holds a batch of singular value decompositions. S is
// descending. U and VT are empty when singular vectors were not requested.
type SVDResult struct {
	S    [][]float64
	U    Batch
	VT   Batch
	Info []int32
}

func (r *Runner) check(b Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if r.limits.MaxBatch > 0 && b.Count > r.limits.MaxBatch {
		return solvererr.InvalidArgumentf("batch of %d exceeds the limit of %d", b.Count, r.limits.MaxBatch)
	}
	if r.limits.MaxDim > 0 && max(b.Rows, b.Cols) > r.limits.MaxDim {
		return solvererr.InvalidArgumentf("dimension %d exceeds the limit of %d", max(b.Rows, b.Cols), r.limits.MaxDim)
	}
	return nil
}

// LU factors every matrix of in.
func (r *Runner) LU(ctx context.Context, in Batch) (*LUResult, error) {
	if err := r.check(in); err != nil {
		return nil, err
	}
	m, n := in.Rows, in.Cols
	lwork, opaque, err := r.solver.BuildGetrfDescriptor(in.Dtype, in.Count, m, n)
	if err != nil {
		return nil, err
	}
	t, _ := dtype.ToElementType(in.Dtype)
	k := min(m, n)
	out, err := r.launch(ctx, "getrf", r.solver.Getrf, opaque, []buffer{
		{size: len(in.Data), input: in.Data},
		{size: len(in.Data)},
		{size: lwork * t.Size()},
		{size: in.Count * k * 4},
		{size: in.Count * 4},
	})
	if err != nil {
		return nil, err
	}

	lu := in
	lu.Data = out[1]
	return &LUResult{
		LU:     lu,
		Pivots: int32s(out[3], in.Count, k),
		Info:   int32s(out[4], 1, in.Count)[0],
	}, nil
}

// Eigh computes the eigendecomposition of every symmetric (Hermitian)
// matrix of in, reading only the lower or upper triangle.
func (r *Runner) Eigh(ctx context.Context, in Batch, method Method, lower bool) (*EighResult, error) {
	if err := r.check(in); err != nil {
		return nil, err
	}
	if in.Rows != in.Cols {
		return nil, solvererr.InvalidArgumentf("eigendecomposition needs square matrices, got %dx%d", in.Rows, in.Cols)
	}
	n := in.Rows

	var (
		lwork  int
		opaque []byte
		target solver.Target
		op     string
		err    error
	)
	switch method {
	case MethodQR, "":
		op, target = "syevd", r.solver.Syevd
		lwork, opaque, err = r.solver.BuildSyevdDescriptor(in.Dtype, lower, in.Count, n)
	case MethodJacobi:
		if in.Count > 1 && r.limits.SyevjMaxBatchedDim > 0 && n > r.limits.SyevjMaxBatchedDim {
			return nil, solvererr.InvalidArgumentf("batched Jacobi eigensolver supports n <= %d, got %d",
				r.limits.SyevjMaxBatchedDim, n)
		}
		op, target = "syevj", r.solver.Syevj
		lwork, opaque, err = r.solver.BuildSyevjDescriptor(in.Dtype, lower, in.Count, n)
	default:
		return nil, solvererr.InvalidArgumentf("unknown eigensolver method %q", method)
	}
	if err != nil {
		return nil, err
	}

	t, _ := dtype.ToElementType(in.Dtype)
	out, err := r.launch(ctx, op, target, opaque, []buffer{
		{size: len(in.Data), input: in.Data},
		{size: len(in.Data)},
		{size: in.Count * n * t.RealSize()},
		{size: in.Count * 4},
		{size: lwork * t.Size()},
	})
	if err != nil {
		return nil, err
	}

	vectors := in
	vectors.Data = out[1]
	return &EighResult{
		Values:  reals(out[2], t.RealSize(), in.Count, n),
		Vectors: vectors,
		Info:    int32s(out[3], 1, in.Count)[0],
	}, nil
}

// SVD computes the singular value decomposition of every matrix of in.
// Without computeUV only singular values are produced; otherwise
// fullMatrices selects square U and V^T over the reduced ones.
func (r *Runner) SVD(ctx context.Context, in Batch, computeUV, fullMatrices bool) (*SVDResult, error) {
	if err := r.check(in); err != nil {
		return nil, err
	}
	m, n := in.Rows, in.Cols
	lwork, opaque, err := r.solver.BuildGesvdDescriptor(in.Dtype, in.Count, m, n, computeUV, fullMatrices)
	if err != nil {
		return nil, err
	}
	t, _ := dtype.ToElementType(in.Dtype)
	k := min(m, n)
	size := t.Size()
	out, err := r.launch(ctx, "gesvd", r.solver.Gesvd, opaque, []buffer{
		{size: len(in.Data), input: in.Data},
		{size: len(in.Data)},
		{size: in.Count * k * t.RealSize()},
		{size: in.Count * m * m * size},
		{size: in.Count * n * n * size},
		{size: in.Count * 4},
		{size: lwork * size},
	})
	if err != nil {
		return nil, err
	}

	res := &SVDResult{
		S:    reals(out[2], t.RealSize(), in.Count, k),
		U:    NewBatch(in.Dtype, in.Count, m, 0),
		VT:   NewBatch(in.Dtype, in.Count, 0, n),
		Info: int32s(out[5], 1, in.Count)[0],
	}
	if computeUV {
		ucols, vtrows := k, k
		if fullMatrices {
			ucols, vtrows = m, n
		}
		res.U = slots(out[3], in.Dtype, in.Count, m, ucols, m)
		res.VT = slots(out[4], in.Dtype, in.Count, vtrows, n, n)
	}
	return res, nil
}

// slots extracts a rows×cols matrix with leading dimension ld from each
// ld×ld slot of raw.
func slots(raw []byte, d dtype.Dtype, count, rows, cols, ld int) Batch {
	b := NewBatch(d, count, rows, cols)
	size := d.ItemSize
	for k := 0; k < count; k++ {
		src := raw[k*ld*ld*size:]
		dst := b.Data[k*b.MatrixBytes():]
		for j := 0; j < cols; j++ {
			copy(dst[j*rows*size:(j+1)*rows*size], src[j*ld*size:])
		}
	}
	return b
}

type buffer struct {
	size  int
	input []byte
}

// launch stages bufs in device memory, runs target on a fresh stream and
// copies every buffer back.
func (r *Runner) launch(ctx context.Context, op string, target solver.Target, opaque []byte, bufs []buffer) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.New()
	log := r.logger.With(zap.String("request_id", id.String()), zap.String("op", op))
	start := time.Now()

	ptrs := make([]gpu.DevicePtr, 0, len(bufs))
	defer func() {
		for _, p := range ptrs {
			if err := r.backend.Free(p); err != nil {
				log.Warn("Failed to free device buffer", zap.Error(err))
			}
		}
	}()
	for i, b := range bufs {
		p, err := r.backend.Malloc(b.size)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: failed to allocate buffer %d", op, i)
		}
		ptrs = append(ptrs, p)
		if b.input != nil {
			if err := r.backend.MemcpyHtoD(p, b.input); err != nil {
				return nil, errors.Wrapf(err, "%s: failed to upload buffer %d", op, i)
			}
		}
	}
	r.observeMemory()

	stream, err := r.backend.CreateStream()
	if err != nil {
		return nil, err
	}
	// Destroying the stream drains it, so no queued work outlives the buffers.
	defer func() {
		if err := r.backend.DestroyStream(stream); err != nil {
			log.Warn("Failed to destroy stream", zap.Error(err))
		}
	}()

	if err := target(stream, ptrs, opaque); err != nil {
		return nil, err
	}
	if err := r.backend.SynchronizeStream(stream); err != nil {
		return nil, err
	}

	out := make([][]byte, len(bufs))
	for i, b := range bufs {
		out[i] = make([]byte, b.size)
		if err := r.backend.MemcpyDtoH(out[i], ptrs[i]); err != nil {
			return nil, errors.Wrapf(err, "%s: failed to download buffer %d", op, i)
		}
	}

	elapsed := time.Since(start)
	metrics.DecomposeDuration.WithLabelValues(op, r.backend.Name()).Observe(float64(elapsed.Microseconds()) / 1000)
	log.Debug("Decomposition finished", zap.Duration("elapsed", elapsed))
	return out, nil
}

func (r *Runner) observeMemory() {
	info := r.backend.GetDeviceInfo()
	metrics.DeviceMemoryUsedBytes.Set(float64(info.TotalMemory - info.AvailableMemory))
}
