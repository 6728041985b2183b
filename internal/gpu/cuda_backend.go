//go:build cuda
// +build cuda

package gpu

/*
#cgo LDFLAGS: -lcudart -lcusolver
#include <cuda_runtime_api.h>
#include <cusolverDn.h>

// Element types, in the order of dtype.ElementType.
enum { GS_F32 = 0, GS_F64 = 1, GS_C64 = 2, GS_C128 = 3 };

static int gs_getrf_buffer_size(cusolverDnHandle_t h, int t, int m, int n, int *lwork) {
	switch (t) {
	case GS_F32: return cusolverDnSgetrf_bufferSize(h, m, n, NULL, m, lwork);
	case GS_F64: return cusolverDnDgetrf_bufferSize(h, m, n, NULL, m, lwork);
	case GS_C64: return cusolverDnCgetrf_bufferSize(h, m, n, NULL, m, lwork);
	case GS_C128: return cusolverDnZgetrf_bufferSize(h, m, n, NULL, m, lwork);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_getrf(cusolverDnHandle_t h, int t, int m, int n, void *a, int lda, void *work, int *ipiv, int *info) {
	switch (t) {
	case GS_F32: return cusolverDnSgetrf(h, m, n, a, lda, work, ipiv, info);
	case GS_F64: return cusolverDnDgetrf(h, m, n, a, lda, work, ipiv, info);
	case GS_C64: return cusolverDnCgetrf(h, m, n, a, lda, work, ipiv, info);
	case GS_C128: return cusolverDnZgetrf(h, m, n, a, lda, work, ipiv, info);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_syevd_buffer_size(cusolverDnHandle_t h, int t, int jobz, int uplo, int n, int *lwork) {
	cusolverEigMode_t j = jobz; cublasFillMode_t u = uplo;
	switch (t) {
	case GS_F32: return cusolverDnSsyevd_bufferSize(h, j, u, n, NULL, n, NULL, lwork);
	case GS_F64: return cusolverDnDsyevd_bufferSize(h, j, u, n, NULL, n, NULL, lwork);
	case GS_C64: return cusolverDnCheevd_bufferSize(h, j, u, n, NULL, n, NULL, lwork);
	case GS_C128: return cusolverDnZheevd_bufferSize(h, j, u, n, NULL, n, NULL, lwork);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_syevd(cusolverDnHandle_t h, int t, int jobz, int uplo, int n, void *a, int lda, void *w, void *work, int lwork, int *info) {
	cusolverEigMode_t j = jobz; cublasFillMode_t u = uplo;
	switch (t) {
	case GS_F32: return cusolverDnSsyevd(h, j, u, n, a, lda, w, work, lwork, info);
	case GS_F64: return cusolverDnDsyevd(h, j, u, n, a, lda, w, work, lwork, info);
	case GS_C64: return cusolverDnCheevd(h, j, u, n, a, lda, w, work, lwork, info);
	case GS_C128: return cusolverDnZheevd(h, j, u, n, a, lda, w, work, lwork, info);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_syevj_buffer_size(cusolverDnHandle_t h, int t, int jobz, int uplo, int n, int *lwork, syevjInfo_t params) {
	cusolverEigMode_t j = jobz; cublasFillMode_t u = uplo;
	switch (t) {
	case GS_F32: return cusolverDnSsyevj_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params);
	case GS_F64: return cusolverDnDsyevj_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params);
	case GS_C64: return cusolverDnCheevj_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params);
	case GS_C128: return cusolverDnZheevj_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_syevj(cusolverDnHandle_t h, int t, int jobz, int uplo, int n, void *a, int lda, void *w, void *work, int lwork, int *info, syevjInfo_t params) {
	cusolverEigMode_t j = jobz; cublasFillMode_t u = uplo;
	switch (t) {
	case GS_F32: return cusolverDnSsyevj(h, j, u, n, a, lda, w, work, lwork, info, params);
	case GS_F64: return cusolverDnDsyevj(h, j, u, n, a, lda, w, work, lwork, info, params);
	case GS_C64: return cusolverDnCheevj(h, j, u, n, a, lda, w, work, lwork, info, params);
	case GS_C128: return cusolverDnZheevj(h, j, u, n, a, lda, w, work, lwork, info, params);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_syevj_batched_buffer_size(cusolverDnHandle_t h, int t, int jobz, int uplo, int n, int *lwork, syevjInfo_t params, int batch) {
	cusolverEigMode_t j = jobz; cublasFillMode_t u = uplo;
	switch (t) {
	case GS_F32: return cusolverDnSsyevjBatched_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params, batch);
	case GS_F64: return cusolverDnDsyevjBatched_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params, batch);
	case GS_C64: return cusolverDnCheevjBatched_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params, batch);
	case GS_C128: return cusolverDnZheevjBatched_bufferSize(h, j, u, n, NULL, n, NULL, lwork, params, batch);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_syevj_batched(cusolverDnHandle_t h, int t, int jobz, int uplo, int n, void *a, int lda, void *w, void *work, int lwork, int *info, syevjInfo_t params, int batch) {
	cusolverEigMode_t j = jobz; cublasFillMode_t u = uplo;
	switch (t) {
	case GS_F32: return cusolverDnSsyevjBatched(h, j, u, n, a, lda, w, work, lwork, info, params, batch);
	case GS_F64: return cusolverDnDsyevjBatched(h, j, u, n, a, lda, w, work, lwork, info, params, batch);
	case GS_C64: return cusolverDnCheevjBatched(h, j, u, n, a, lda, w, work, lwork, info, params, batch);
	case GS_C128: return cusolverDnZheevjBatched(h, j, u, n, a, lda, w, work, lwork, info, params, batch);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_gesvd_buffer_size(cusolverDnHandle_t h, int t, int m, int n, int *lwork) {
	switch (t) {
	case GS_F32: return cusolverDnSgesvd_bufferSize(h, m, n, lwork);
	case GS_F64: return cusolverDnDgesvd_bufferSize(h, m, n, lwork);
	case GS_C64: return cusolverDnCgesvd_bufferSize(h, m, n, lwork);
	case GS_C128: return cusolverDnZgesvd_bufferSize(h, m, n, lwork);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_gesvd(cusolverDnHandle_t h, int t, signed char jobu, signed char jobvt, int m, int n, void *a, int lda, void *s, void *u, int ldu, void *vt, int ldvt, void *work, int lwork, int *info) {
	switch (t) {
	case GS_F32: return cusolverDnSgesvd(h, jobu, jobvt, m, n, a, lda, s, u, ldu, vt, ldvt, work, lwork, NULL, info);
	case GS_F64: return cusolverDnDgesvd(h, jobu, jobvt, m, n, a, lda, s, u, ldu, vt, ldvt, work, lwork, NULL, info);
	case GS_C64: return cusolverDnCgesvd(h, jobu, jobvt, m, n, a, lda, s, u, ldu, vt, ldvt, work, lwork, NULL, info);
	case GS_C128: return cusolverDnZgesvd(h, jobu, jobvt, m, n, a, lda, s, u, ldu, vt, ldvt, work, lwork, NULL, info);
	}
	return CUSOLVER_STATUS_INVALID_VALUE;
}

static int gs_create_handle(cusolverDnHandle_t *h) { return cusolverDnCreate(h); }
static int gs_set_stream(cusolverDnHandle_t h, cudaStream_t s) { return cusolverDnSetStream(h, s); }
static int gs_create_syevj_info(syevjInfo_t *p) { return cusolverDnCreateSyevjInfo(p); }
static int gs_destroy_syevj_info(syevjInfo_t p) { return cusolverDnDestroySyevjInfo(p); }
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// CUDABackend implements Backend using the CUDA runtime and cuSOLVER
type CUDABackend struct {
	logger      *zap.Logger
	initialized bool
	deviceInfo  DeviceInfo
	available   bool
}

// NewCUDABackend creates a new CUDA backend instance
func NewCUDABackend(logger *zap.Logger) *CUDABackend {
	backend := &CUDABackend{
		logger: logger.Named("cuda_backend"),
	}

	// Check if CUDA is available
	if err := backend.checkDevice(); err != nil {
		backend.logger.Warn("CUDA device not available", zap.Error(err))
		backend.available = false
	} else {
		backend.available = true
	}

	return backend
}

// Name returns "cuda".
func (c *CUDABackend) Name() string {
	return "cuda"
}

// Initialize prepares the CUDA backend for use
func (c *CUDABackend) Initialize() error {
	if !c.available {
		return solvererr.Runtimef("CUDA device not available")
	}

	if c.initialized {
		return nil
	}

	c.logger.Debug("Initializing CUDA backend")

	if err := cudaCheck("cudaSetDevice", C.cudaSetDevice(0)); err != nil {
		return err
	}

	var prop C.struct_cudaDeviceProp
	if err := cudaCheck("cudaGetDeviceProperties", C.cudaGetDeviceProperties(&prop, 0)); err != nil {
		return err
	}
	var free, total C.size_t
	if err := cudaCheck("cudaMemGetInfo", C.cudaMemGetInfo(&free, &total)); err != nil {
		return err
	}
	var driver, rt C.int
	C.cudaDriverGetVersion(&driver)
	C.cudaRuntimeGetVersion(&rt)

	c.deviceInfo = DeviceInfo{
		Name:              C.GoString(&prop.name[0]),
		TotalMemory:       int64(total),
		AvailableMemory:   int64(free),
		ComputeCapability: fmt.Sprintf("%d.%d", int(prop.major), int(prop.minor)),
		DriverVersion:     cudaVersionString(int(driver)),
		CUDAVersion:       cudaVersionString(int(rt)),
		SolverVersion:     "cusolverDn",
	}

	c.initialized = true
	c.logger.Info("CUDA backend initialized",
		zap.String("device", c.deviceInfo.Name),
		zap.String("compute_capability", c.deviceInfo.ComputeCapability),
		zap.Float64("total_memory_gb", float64(c.deviceInfo.TotalMemory)/(1<<30)))

	return nil
}

// GetDeviceInfo returns information about the CUDA device
func (c *CUDABackend) GetDeviceInfo() DeviceInfo {
	return c.deviceInfo
}

// IsAvailable checks if CUDA is available
func (c *CUDABackend) IsAvailable() bool {
	return c.available
}

// Cleanup releases CUDA resources. Solver handles are left alive.
func (c *CUDABackend) Cleanup() error {
	if !c.initialized {
		return nil
	}

	c.logger.Debug("Cleaning up CUDA backend")
	if err := cudaCheck("cudaDeviceSynchronize", C.cudaDeviceSynchronize()); err != nil {
		return err
	}

	c.initialized = false
	return nil
}

// checkDevice verifies CUDA device availability
func (c *CUDABackend) checkDevice() error {
	var count C.int
	if err := cudaCheck("cudaGetDeviceCount", C.cudaGetDeviceCount(&count)); err != nil {
		return err
	}
	if count == 0 {
		return solvererr.Runtimef("no CUDA device")
	}
	return nil
}

func (c *CUDABackend) Malloc(size int) (DevicePtr, error) {
	var p unsafe.Pointer
	if err := cudaCheck("cudaMalloc", C.cudaMalloc(&p, C.size_t(size))); err != nil {
		return 0, err
	}
	return DevicePtr(uintptr(p)), nil
}

func (c *CUDABackend) Free(ptr DevicePtr) error {
	return cudaCheck("cudaFree", C.cudaFree(devicePointer(ptr)))
}

func (c *CUDABackend) MemcpyHtoD(dst DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cudaCheck("cudaMemcpy", C.cudaMemcpy(devicePointer(dst), unsafe.Pointer(&src[0]), C.size_t(len(src)), C.cudaMemcpyHostToDevice))
}

func (c *CUDABackend) MemcpyDtoH(dst []byte, src DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaCheck("cudaMemcpy", C.cudaMemcpy(unsafe.Pointer(&dst[0]), devicePointer(src), C.size_t(len(dst)), C.cudaMemcpyDeviceToHost))
}

func (c *CUDABackend) MemcpyDtoDAsync(dst, src DevicePtr, size int, stream Stream) error {
	return cudaCheck("cudaMemcpyAsync", C.cudaMemcpyAsync(devicePointer(dst), devicePointer(src), C.size_t(size), C.cudaMemcpyDeviceToDevice, cudaStream(stream)))
}

func (c *CUDABackend) CreateStream() (Stream, error) {
	var s C.cudaStream_t
	if err := cudaCheck("cudaStreamCreate", C.cudaStreamCreate(&s)); err != nil {
		return 0, err
	}
	return Stream(uintptr(unsafe.Pointer(s))), nil
}

func (c *CUDABackend) SynchronizeStream(stream Stream) error {
	return cudaCheck("cudaStreamSynchronize", C.cudaStreamSynchronize(cudaStream(stream)))
}

func (c *CUDABackend) DestroyStream(stream Stream) error {
	return cudaCheck("cudaStreamDestroy", C.cudaStreamDestroy(cudaStream(stream)))
}

func (c *CUDABackend) CreateHandle() (Handle, error) {
	var h C.cusolverDnHandle_t
	if err := checkStatus("cusolverDnCreate", Status(C.gs_create_handle(&h))); err != nil {
		return 0, err
	}
	return Handle(uintptr(unsafe.Pointer(h))), nil
}

func (c *CUDABackend) SetStream(h Handle, stream Stream) error {
	return checkStatus("cusolverDnSetStream", Status(C.gs_set_stream(solverHandle(h), cudaStream(stream))))
}

func (c *CUDABackend) CreateSyevjInfo() (SyevjInfo, error) {
	var p C.syevjInfo_t
	if err := checkStatus("cusolverDnCreateSyevjInfo", Status(C.gs_create_syevj_info(&p))); err != nil {
		return 0, err
	}
	return SyevjInfo(uintptr(unsafe.Pointer(p))), nil
}

func (c *CUDABackend) DestroySyevjInfo(params SyevjInfo) error {
	return checkStatus("cusolverDnDestroySyevjInfo", Status(C.gs_destroy_syevj_info(syevjParams(params))))
}

func (c *CUDABackend) Routines(t dtype.ElementType) (Routines, error) {
	if !t.Valid() {
		return nil, solvererr.InvalidArgumentf("unsupported element type %s", t)
	}
	return cudaRoutines{t: C.int(t)}, nil
}

// cudaRoutines dispatches to one cusolverDn precision family.
type cudaRoutines struct {
	t C.int
}

func (r cudaRoutines) GetrfBufferSize(h Handle, m, n int) (int, error) {
	var lwork C.int
	s := C.gs_getrf_buffer_size(solverHandle(h), r.t, C.int(m), C.int(n), &lwork)
	return int(lwork), checkStatus("getrf_bufferSize", Status(s))
}

func (r cudaRoutines) Getrf(h Handle, m, n int, a DevicePtr, lda int, work, ipiv, info DevicePtr) error {
	s := C.gs_getrf(solverHandle(h), r.t, C.int(m), C.int(n), devicePointer(a), C.int(lda),
		devicePointer(work), intPointer(ipiv), intPointer(info))
	return checkStatus("getrf", Status(s))
}

func (r cudaRoutines) SyevdBufferSize(h Handle, jobz EigMode, uplo FillMode, n int) (int, error) {
	var lwork C.int
	s := C.gs_syevd_buffer_size(solverHandle(h), r.t, C.int(jobz), C.int(uplo), C.int(n), &lwork)
	return int(lwork), checkStatus("syevd_bufferSize", Status(s))
}

func (r cudaRoutines) Syevd(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr) error {
	s := C.gs_syevd(solverHandle(h), r.t, C.int(jobz), C.int(uplo), C.int(n), devicePointer(a), C.int(lda),
		devicePointer(w), devicePointer(work), C.int(lwork), intPointer(info))
	return checkStatus("syevd", Status(s))
}

func (r cudaRoutines) SyevjBufferSize(h Handle, jobz EigMode, uplo FillMode, n int, params SyevjInfo) (int, error) {
	var lwork C.int
	s := C.gs_syevj_buffer_size(solverHandle(h), r.t, C.int(jobz), C.int(uplo), C.int(n), &lwork, syevjParams(params))
	return int(lwork), checkStatus("syevj_bufferSize", Status(s))
}

func (r cudaRoutines) Syevj(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr, params SyevjInfo) error {
	s := C.gs_syevj(solverHandle(h), r.t, C.int(jobz), C.int(uplo), C.int(n), devicePointer(a), C.int(lda),
		devicePointer(w), devicePointer(work), C.int(lwork), intPointer(info), syevjParams(params))
	return checkStatus("syevj", Status(s))
}

func (r cudaRoutines) SyevjBatchedBufferSize(h Handle, jobz EigMode, uplo FillMode, n int, params SyevjInfo, batch int) (int, error) {
	var lwork C.int
	s := C.gs_syevj_batched_buffer_size(solverHandle(h), r.t, C.int(jobz), C.int(uplo), C.int(n), &lwork, syevjParams(params), C.int(batch))
	return int(lwork), checkStatus("syevjBatched_bufferSize", Status(s))
}

func (r cudaRoutines) SyevjBatched(h Handle, jobz EigMode, uplo FillMode, n int, a DevicePtr, lda int, w, work DevicePtr, lwork int, info DevicePtr, params SyevjInfo, batch int) error {
	s := C.gs_syevj_batched(solverHandle(h), r.t, C.int(jobz), C.int(uplo), C.int(n), devicePointer(a), C.int(lda),
		devicePointer(w), devicePointer(work), C.int(lwork), intPointer(info), syevjParams(params), C.int(batch))
	return checkStatus("syevjBatched", Status(s))
}

func (r cudaRoutines) GesvdBufferSize(h Handle, m, n int) (int, error) {
	var lwork C.int
	s := C.gs_gesvd_buffer_size(solverHandle(h), r.t, C.int(m), C.int(n), &lwork)
	return int(lwork), checkStatus("gesvd_bufferSize", Status(s))
}

func (r cudaRoutines) Gesvd(h Handle, jobu, jobvt SVDJob, m, n int, a DevicePtr, lda int, s, u DevicePtr, ldu int, vt DevicePtr, ldvt int, work DevicePtr, lwork int, info DevicePtr) error {
	st := C.gs_gesvd(solverHandle(h), r.t, C.schar(jobu), C.schar(jobvt), C.int(m), C.int(n),
		devicePointer(a), C.int(lda), devicePointer(s), devicePointer(u), C.int(ldu),
		devicePointer(vt), C.int(ldvt), devicePointer(work), C.int(lwork), intPointer(info))
	return checkStatus("gesvd", Status(st))
}

// Device addresses never point into Go memory, so converting them back to
// unsafe.Pointer is sound.

func devicePointer(p DevicePtr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p))
}

func intPointer(p DevicePtr) *C.int {
	return (*C.int)(devicePointer(p))
}

func cudaStream(s Stream) C.cudaStream_t {
	return C.cudaStream_t(unsafe.Pointer(uintptr(s)))
}

func solverHandle(h Handle) C.cusolverDnHandle_t {
	return C.cusolverDnHandle_t(unsafe.Pointer(uintptr(h)))
}

func syevjParams(p SyevjInfo) C.syevjInfo_t {
	return C.syevjInfo_t(unsafe.Pointer(uintptr(p)))
}

// cudaCheck converts a CUDA runtime error code into a runtime error
func cudaCheck(op string, err C.cudaError_t) error {
	if err == C.cudaSuccess {
		return nil
	}
	return errors.Wrapf(solvererr.ErrRuntime, "%s: %s", op, C.GoString(C.cudaGetErrorString(err)))
}

// cudaVersionString renders a CUDA version number such as 12040 as "12.4".
func cudaVersionString(v int) string {
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10)
}
