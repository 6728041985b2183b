package solver

import (
	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/gpu"
)

// Descriptors carry the shape of one operation from build time to call time.
// They are packed verbatim with the descriptor package, so every field has a
// fixed width.

// GetrfDescriptor describes a batch of LU factorizations.
type GetrfDescriptor struct {
	Type  dtype.ElementType
	Batch int32
	M     int32
	N     int32
}

// SyevdDescriptor describes a batch of QR-algorithm eigendecompositions.
type SyevdDescriptor struct {
	Type  dtype.ElementType
	Uplo  gpu.FillMode
	Batch int32
	N     int32
	Lwork int32
}

// SyevjDescriptor describes a batch of Jacobi eigendecompositions.
type SyevjDescriptor struct {
	Type  dtype.ElementType
	Uplo  gpu.FillMode
	Batch int32
	N     int32
	Lwork int32
}

// GesvdDescriptor describes a batch of singular value decompositions.
type GesvdDescriptor struct {
	Type  dtype.ElementType
	Batch int32
	M     int32
	N     int32
	Lwork int32
	Jobu  gpu.SVDJob
	Jobvt gpu.SVDJob
}

func fillMode(lower bool) gpu.FillMode {
	if lower {
		return gpu.FillModeLower
	}
	return gpu.FillModeUpper
}

// svdJobs returns the job for both U and V^T.
func svdJobs(computeUV, fullMatrices bool) gpu.SVDJob {
	switch {
	case !computeUV:
		return gpu.SVDJobNone
	case fullMatrices:
		return gpu.SVDJobAll
	default:
		return gpu.SVDJobSome
	}
}
