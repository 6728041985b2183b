package gpu

import (
	"github.com/fxnlabs/gpusolver/internal/dtype"
)

// DeviceInfo contains information about the GPU device
type DeviceInfo struct {
	Name              string `json:"name"`
	TotalMemory       int64  `json:"totalMemory"`     // in bytes
	AvailableMemory   int64  `json:"availableMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
	CUDAVersion       string `json:"cudaVersion,omitempty"`
	SolverVersion     string `json:"solverVersion,omitempty"`
}

// DevicePtr is a raw address in device memory.
type DevicePtr uintptr

// Add returns p advanced by the given number of bytes.
func (p DevicePtr) Add(bytes int) DevicePtr {
	return p + DevicePtr(bytes)
}

// Stream is an opaque device execution stream. The zero Stream means "no
// stream" when borrowing a handle and the default stream everywhere else.
type Stream uintptr

// Handle is an opaque solver library execution context.
type Handle uintptr

// SyevjInfo is an opaque parameter object for the Jacobi eigensolver.
type SyevjInfo uintptr

// FillMode selects the triangle of a symmetric matrix the solver reads.
type FillMode int32

const (
	FillModeLower FillMode = 0
	FillModeUpper FillMode = 1
)

func (f FillMode) String() string {
	if f == FillModeLower {
		return "lower"
	}
	return "upper"
}

// EigMode selects whether eigenvectors are computed.
type EigMode int32

const (
	EigModeNoVector EigMode = 0
	EigModeVector   EigMode = 1
)

// SVDJob selects how many singular vectors gesvd computes.
type SVDJob int8

const (
	SVDJobAll       SVDJob = 'A' // all columns of U / rows of V^T
	SVDJobSome      SVDJob = 'S' // the first min(m,n) columns / rows
	SVDJobOverwrite SVDJob = 'O' // written over the input matrix
	SVDJobNone      SVDJob = 'N' // no singular vectors
)

// Backend is a dense linear-algebra device library: a device runtime plus a
// solver library bound to one device.
//
// Implementation notes:
// - Operations that take a Stream are asynchronous with respect to the host;
//   work issued on one stream executes in issue order
// - Host-side failures are returned immediately as errors; per-matrix
//   numerical failures are reported through the info buffers instead
// - Backends must be safe for concurrent use, except that a Handle must not
//   be used by two goroutines at once
// - Automatic fallback to the host backend is handled by the Manager, not the backend
type Backend interface {
	Runtime
	Solver

	// Name returns a short identifier such as "cuda" or "host".
	Name() string

	// GetDeviceInfo returns information about the device
	// This information is used for:
	// - Reporting capabilities
	// - Monitoring and metrics
	// - Debugging and troubleshooting
	GetDeviceInfo() DeviceInfo

	// IsAvailable checks if the backend is available for use
	// This should perform a quick check without heavy initialization
	// Used by the Manager to select appropriate backends
	IsAvailable() bool

	// Initialize prepares the backend for use
	// Should be called once before first use
	Initialize() error

	// Cleanup releases device-wide resources held by the backend
	// Solver handles are deliberately not destroyed: they live for the
	// lifetime of the process
	Cleanup() error
}

// Runtime is the device memory and stream half of a Backend.
type Runtime interface {
	// Malloc allocates size bytes of device memory.
	Malloc(size int) (DevicePtr, error)

	// Free releases memory obtained from Malloc.
	Free(ptr DevicePtr) error

	// MemcpyHtoD synchronously copies len(src) bytes from the host to dst.
	MemcpyHtoD(dst DevicePtr, src []byte) error

	// MemcpyDtoH synchronously copies len(dst) bytes from src to the host.
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// MemcpyDtoDAsync enqueues a device-to-device copy of size bytes on stream.
	MemcpyDtoDAsync(dst, src DevicePtr, size int, stream Stream) error

	// CreateStream creates a new execution stream.
	CreateStream() (Stream, error)

	// SynchronizeStream blocks until all work issued on stream has finished.
	SynchronizeStream(stream Stream) error

	// DestroyStream releases a stream created by CreateStream.
	DestroyStream(stream Stream) error
}

// Solver is the dense solver library half of a Backend.
type Solver interface {
	// CreateHandle creates a new solver execution context.
	CreateHandle() (Handle, error)

	// SetStream binds h to stream; later routine calls on h are issued there.
	SetStream(h Handle, stream Stream) error

	// CreateSyevjInfo creates a Jacobi parameter object with default settings.
	CreateSyevjInfo() (SyevjInfo, error)

	// DestroySyevjInfo releases a Jacobi parameter object.
	DestroySyevjInfo(params SyevjInfo) error

	// Routines returns the routine family for element type t.
	Routines(t dtype.ElementType) (Routines, error)
}

// Routines is one precision family (real single, real double, complex
// single or complex double) of the dense solver routines.
//
// Matrices are column-major with the given leading dimension. Eigenvalue and
// singular value buffers hold real elements of the family's real width.
// Pivot and info buffers hold 32-bit integers; pivots are 1-based.
type Routines interface {
	// GetrfBufferSize returns the workspace, in elements, Getrf needs for an m×n matrix.
	GetrfBufferSize(h Handle, m, n int) (int, error)

	// Getrf computes the LU factorization with partial pivoting of the m×n
	// matrix a in place. info receives the 1-based index of the first zero
	// pivot, or 0.
	Getrf(h Handle, m, n int, a DevicePtr, lda int, work, ipiv, info DevicePtr) error

	// SyevdBufferSize returns the workspace, in elements, Syevd needs.
	SyevdBufferSize(h Handle, jobz EigMode, uplo FillMode, n int) (int, error)

	// Syevd computes the eigendecomposition of the symmetric (Hermitian) n×n
	// matrix a with the QR algorithm. Eigenvalues go to w in ascending order
	// and eigenvectors overwrite a.
	Syevd(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr) error

	// SyevjBufferSize returns the workspace, in elements, Syevj needs.
	SyevjBufferSize(h Handle, jobz EigMode, uplo FillMode, n int, params SyevjInfo) (int, error)

	// Syevj is Syevd computed with the Jacobi algorithm.
	Syevj(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr, params SyevjInfo) error

	// SyevjBatchedBufferSize returns the workspace, in elements, for a whole batch.
	SyevjBatchedBufferSize(h Handle, jobz EigMode, uplo FillMode, n int, params SyevjInfo, batch int) (int, error)

	// SyevjBatched runs Syevj over batch contiguous n×n matrices in one call.
	// w holds n eigenvalues per matrix and info one status per matrix.
	SyevjBatched(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr, params SyevjInfo, batch int) error

	// GesvdBufferSize returns the workspace, in elements, Gesvd needs for an m×n matrix.
	GesvdBufferSize(h Handle, m, n int) (int, error)

	// Gesvd computes the singular value decomposition a = U·diag(s)·V^T of the
	// m×n matrix a, destroying a. s receives min(m,n) singular values in
	// descending order.
	Gesvd(h Handle, jobu, jobvt SVDJob, m, n int, a DevicePtr, lda int, s, u DevicePtr, ldu int, vt DevicePtr, ldvt int, work DevicePtr, lwork int, info DevicePtr) error
}
