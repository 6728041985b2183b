package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/dtype"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// HostBackend implements Backend on the host CPU. Device memory, streams and
// solver handles are emulated; the numerical routines run on gonum.
//
// Stream 0 behaves like a legacy default stream: its work starts after
// everything issued earlier on other streams, and work issued later on other
// streams waits for it. Free and the blocking copies wait for all streams.
type HostBackend struct {
	logger *zap.Logger

	// submitMu orders submissions across streams. It is taken before mu.
	submitMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	memory      *hostMemory
	streams     map[Stream]*hostStream
	nextStream  Stream
	handles     map[Handle]*hostHandle
	nextHandle  Handle
	syevjInfos  map[SyevjInfo]struct{}
	nextInfo    SyevjInfo
}

type hostHandle struct {
	stream Stream
}

// NewHostBackend creates a new host backend instance
func NewHostBackend(logger *zap.Logger) *HostBackend {
	return &HostBackend{
		logger: logger.Named("host_backend"),
	}
}

// Name returns "host".
func (b *HostBackend) Name() string {
	return "host"
}

// Initialize prepares the host backend for use
func (b *HostBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	b.memory = newHostMemory()
	b.streams = make(map[Stream]*hostStream)
	b.handles = make(map[Handle]*hostHandle)
	b.syevjInfos = make(map[SyevjInfo]struct{})
	b.initialized = true
	b.logger.Info("Host backend initialized", zap.Int("cpus", runtime.NumCPU()))
	return nil
}

// Cleanup stops every stream and releases all device memory.
func (b *HostBackend) Cleanup() error {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	for id, s := range b.streams {
		s.close()
		delete(b.streams, id)
	}
	b.memory.releaseAll()
	b.initialized = false
	return nil
}

// IsAvailable checks if the backend is available (always true for the host)
func (b *HostBackend) IsAvailable() bool {
	return true
}

// GetDeviceInfo returns device information for the host
func (b *HostBackend) GetDeviceInfo() DeviceInfo {
	total := getTotalSystemMemory()
	available := total
	b.mu.Lock()
	if b.initialized {
		available -= b.memory.allocated()
	}
	b.mu.Unlock()
	return DeviceInfo{
		Name:              fmt.Sprintf("Host (%s)", runtime.GOARCH),
		TotalMemory:       total,
		AvailableMemory:   available,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
		SolverVersion:     "gonum/lapack",
	}
}

func (b *HostBackend) checkInitialized() (*hostMemory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, StatusNotInitialized.Err()
	}
	return b.memory, nil
}

// Malloc allocates size bytes of emulated device memory.
func (b *HostBackend) Malloc(size int) (DevicePtr, error) {
	mem, err := b.checkInitialized()
	if err != nil {
		return 0, err
	}
	return mem.allocate(size)
}

// Free releases memory obtained from Malloc once all issued work is done.
func (b *HostBackend) Free(ptr DevicePtr) error {
	mem, err := b.checkInitialized()
	if err != nil {
		return err
	}
	b.drain()
	return mem.free(ptr)
}

// MemcpyHtoD copies src into device memory at dst after all issued work.
func (b *HostBackend) MemcpyHtoD(dst DevicePtr, src []byte) error {
	mem, err := b.checkInitialized()
	if err != nil {
		return err
	}
	b.drain()
	view, err := mem.view(dst, len(src))
	if err != nil {
		return err
	}
	copy(view, src)
	return nil
}

// MemcpyDtoH copies device memory at src into dst after all issued work.
func (b *HostBackend) MemcpyDtoH(dst []byte, src DevicePtr) error {
	mem, err := b.checkInitialized()
	if err != nil {
		return err
	}
	b.drain()
	view, err := mem.view(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, view)
	return nil
}

// MemcpyDtoDAsync enqueues a device-to-device copy on stream.
func (b *HostBackend) MemcpyDtoDAsync(dst, src DevicePtr, size int, stream Stream) error {
	mem, err := b.checkInitialized()
	if err != nil {
		return err
	}
	to, err := mem.view(dst, size)
	if err != nil {
		return solvererr.Runtimef("device copy failed: %v", err)
	}
	from, err := mem.view(src, size)
	if err != nil {
		return solvererr.Runtimef("device copy failed: %v", err)
	}
	return b.submit(stream, func() error {
		copy(to, from)
		return nil
	})
}

// submit enqueues run on stream id with the fences the default stream needs.
func (b *HostBackend) submit(id Stream, run func() error) error {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()
	s, err := b.stream(id)
	if err != nil {
		return err
	}
	s.submit(hostTask{run: run, after: b.fences(s)})
	return nil
}

// fences returns the work s must wait for: everything pending on other
// streams for the default stream, and the default stream's pending work for
// any other stream.
func (b *HostBackend) fences(s *hostStream) []fence {
	b.mu.Lock()
	defer b.mu.Unlock()
	var after []fence
	for id, other := range b.streams {
		if other == s || (s.id != 0 && id != 0) || !other.pending() {
			continue
		}
		after = append(after, fence{stream: other, seq: other.tail()})
	}
	return after
}

// drain waits for the work issued so far on every stream.
func (b *HostBackend) drain() {
	b.mu.Lock()
	after := make([]fence, 0, len(b.streams))
	for _, s := range b.streams {
		after = append(after, fence{stream: s, seq: s.tail()})
	}
	b.mu.Unlock()
	for _, f := range after {
		f.stream.wait(f.seq)
	}
}

// CreateStream creates a new ordered work queue.
func (b *HostBackend) CreateStream() (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, StatusNotInitialized.Err()
	}
	b.nextStream++
	id := b.nextStream
	b.streams[id] = newHostStream(id)
	return id, nil
}

// SynchronizeStream waits for all work issued on stream.
func (b *HostBackend) SynchronizeStream(stream Stream) error {
	s, err := b.stream(stream)
	if err != nil {
		return err
	}
	if err := s.synchronize(); err != nil {
		return solvererr.Runtimef("stream %d: %v", stream, err)
	}
	return nil
}

// DestroyStream drains and removes stream. Handles still bound to it fall
// back to the default stream. The default stream cannot be destroyed.
func (b *HostBackend) DestroyStream(stream Stream) error {
	if stream == 0 {
		return solvererr.Runtimef("cannot destroy the default stream")
	}
	b.submitMu.Lock()
	b.mu.Lock()
	s, ok := b.streams[stream]
	delete(b.streams, stream)
	for _, hh := range b.handles {
		if hh.stream == stream {
			hh.stream = 0
		}
	}
	b.mu.Unlock()
	b.submitMu.Unlock()
	if !ok {
		return solvererr.Runtimef("unknown stream %d", stream)
	}
	s.close()
	return nil
}

// stream looks up id, creating the default stream on first use.
func (b *HostBackend) stream(id Stream) (*hostStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, StatusNotInitialized.Err()
	}
	s, ok := b.streams[id]
	if !ok {
		if id != 0 {
			return nil, solvererr.Runtimef("unknown stream %d", id)
		}
		s = newHostStream(0)
		b.streams[0] = s
	}
	return s, nil
}

// CreateHandle creates a solver context bound to the default stream.
func (b *HostBackend) CreateHandle() (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, StatusNotInitialized.Err()
	}
	b.nextHandle++
	b.handles[b.nextHandle] = &hostHandle{}
	return b.nextHandle, nil
}

// SetStream binds h to stream.
func (b *HostBackend) SetStream(h Handle, stream Stream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return StatusNotInitialized.Err()
	}
	hh, ok := b.handles[h]
	if !ok {
		return checkStatus("SetStream", StatusInvalidValue)
	}
	if _, ok := b.streams[stream]; !ok && stream != 0 {
		return checkStatus("SetStream", StatusInvalidValue)
	}
	hh.stream = stream
	return nil
}

// handleStream returns the stream h is bound to.
func (b *HostBackend) handleStream(h Handle) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, StatusNotInitialized.Err()
	}
	hh, ok := b.handles[h]
	if !ok {
		return 0, StatusInvalidValue.Err()
	}
	if _, ok := b.streams[hh.stream]; !ok && hh.stream != 0 {
		return 0, solvererr.Runtimef("unknown stream %d", hh.stream)
	}
	return hh.stream, nil
}

// CreateSyevjInfo creates a Jacobi parameter object.
func (b *HostBackend) CreateSyevjInfo() (SyevjInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return 0, StatusNotInitialized.Err()
	}
	b.nextInfo++
	b.syevjInfos[b.nextInfo] = struct{}{}
	return b.nextInfo, nil
}

// DestroySyevjInfo releases a Jacobi parameter object.
func (b *HostBackend) DestroySyevjInfo(params SyevjInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.syevjInfos[params]; !ok {
		return checkStatus("DestroySyevjInfo", StatusInvalidValue)
	}
	delete(b.syevjInfos, params)
	return nil
}

func (b *HostBackend) checkSyevjInfo(params SyevjInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.syevjInfos[params]; !ok {
		return StatusInvalidValue.Err()
	}
	return nil
}

// Routines returns the host routine family for t.
func (b *HostBackend) Routines(t dtype.ElementType) (Routines, error) {
	if !t.Valid() {
		return nil, solvererr.InvalidArgumentf("unsupported element type %s", t)
	}
	if _, err := b.checkInitialized(); err != nil {
		return nil, err
	}
	return &hostRoutines{backend: b, t: t}, nil
}

// getTotalSystemMemory returns the memory the host backend reports as device memory.
func getTotalSystemMemory() int64 {
	return 8 * 1024 * 1024 * 1024 // 8GB
}
