package gpu

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// hostMemory hands out "device" memory for the host backend. Regions are
// anonymous mappings outside the Go heap, so their addresses can travel as
// plain DevicePtr values.
type hostMemory struct {
	mu          sync.RWMutex
	allocations map[DevicePtr][]byte
	bases       []DevicePtr // sorted
	totalBytes  int64
}

func newHostMemory() *hostMemory {
	return &hostMemory{
		allocations: make(map[DevicePtr][]byte),
	}
}

func (m *hostMemory) allocate(size int) (DevicePtr, error) {
	if size < 0 {
		return 0, StatusInvalidValue.Err()
	}
	// Zero-byte requests still get a distinct address.
	region, err := unix.Mmap(-1, 0, max(size, 1), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.Wrapf(solvererr.ErrRuntime, "device allocation of %d bytes failed: %v", size, err)
	}
	ptr := DevicePtr(uintptr(unsafe.Pointer(unsafe.SliceData(region))))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[ptr] = region[:size]
	i := sort.Search(len(m.bases), func(i int) bool { return m.bases[i] >= ptr })
	m.bases = append(m.bases, 0)
	copy(m.bases[i+1:], m.bases[i:])
	m.bases[i] = ptr
	m.totalBytes += int64(size)
	return ptr, nil
}

func (m *hostMemory) free(ptr DevicePtr) error {
	if ptr == 0 {
		return nil
	}
	m.mu.Lock()
	region, ok := m.allocations[ptr]
	if !ok {
		m.mu.Unlock()
		return solvererr.Runtimef("free of unknown device pointer %#x", uintptr(ptr))
	}
	delete(m.allocations, ptr)
	i := sort.Search(len(m.bases), func(i int) bool { return m.bases[i] >= ptr })
	m.bases = append(m.bases[:i], m.bases[i+1:]...)
	m.totalBytes -= int64(len(region))
	m.mu.Unlock()

	if err := unix.Munmap(region[:cap(region)]); err != nil {
		return errors.Wrapf(solvererr.ErrRuntime, "device free failed: %v", err)
	}
	return nil
}

// view returns the size bytes starting at ptr. The range must lie inside a
// single live allocation.
func (m *hostMemory) view(ptr DevicePtr, size int) ([]byte, error) {
	if size < 0 {
		return nil, StatusInvalidValue.Err()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.bases), func(i int) bool { return m.bases[i] > ptr })
	if i == 0 {
		return nil, errors.Wrapf(StatusInvalidValue.Err(), "device pointer %#x is not allocated", uintptr(ptr))
	}
	base := m.bases[i-1]
	region := m.allocations[base]
	offset := int(ptr - base)
	if offset+size > len(region) {
		return nil, errors.Wrapf(StatusInvalidValue.Err(), "device range %#x+%d exceeds its allocation", uintptr(ptr), size)
	}
	return region[offset : offset+size : offset+size], nil
}

func (m *hostMemory) allocated() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalBytes
}

func (m *hostMemory) releaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ptr, region := range m.allocations {
		_ = unix.Munmap(region[:cap(region)])
		delete(m.allocations, ptr)
	}
	m.bases = nil
	m.totalBytes = 0
}
