// Package descriptor moves fixed-layout operation descriptors across the
// boundary between build time and call time as opaque byte strings.
//
// The encoding is the raw in-memory representation of the descriptor value,
// padding included. It is not portable: both sides must be the same binary on
// the same architecture. Descriptor types must be plain values without
// pointers, slices, maps, strings or interfaces.
package descriptor

import (
	"unsafe"

	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// Pack copies the raw memory of *d into a new byte slice of exactly
// unsafe.Sizeof(*d) bytes.
func Pack[T any](d *T) []byte {
	size := unsafe.Sizeof(*d)
	out := make([]byte, size)
	if size > 0 {
		copy(out, unsafe.Slice((*byte)(unsafe.Pointer(d)), size))
	}
	return out
}

// Size returns the length in bytes of an encoded T.
func Size[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Unpack returns a read-only view of opaque as a *T. The result aliases
// opaque unless opaque is misaligned for T, in which case it is copied.
func Unpack[T any](opaque []byte) (*T, error) {
	var zero T
	size := unsafe.Sizeof(zero)
	if uintptr(len(opaque)) != size {
		return nil, solvererr.Runtimef("invalid size for linalg operation descriptor: got %d bytes, want %d", len(opaque), size)
	}
	if size == 0 {
		return new(T), nil
	}
	p := unsafe.Pointer(unsafe.SliceData(opaque))
	if uintptr(p)%unsafe.Alignof(zero) != 0 {
		d := new(T)
		copy(unsafe.Slice((*byte)(unsafe.Pointer(d)), size), opaque)
		return d, nil
	}
	return (*T)(p), nil
}
