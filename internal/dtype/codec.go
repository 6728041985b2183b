package dtype

import (
	"encoding/binary"
	"math"
)

// Load decodes one element of type t from the front of b. Real types load
// into the real part.
func (t ElementType) Load(b []byte) complex128 {
	switch t {
	case F32:
		return complex(float64(math.Float32frombits(binary.NativeEndian.Uint32(b))), 0)
	case F64:
		return complex(math.Float64frombits(binary.NativeEndian.Uint64(b)), 0)
	case C64:
		re := math.Float32frombits(binary.NativeEndian.Uint32(b))
		im := math.Float32frombits(binary.NativeEndian.Uint32(b[4:]))
		return complex(float64(re), float64(im))
	default:
		re := math.Float64frombits(binary.NativeEndian.Uint64(b))
		im := math.Float64frombits(binary.NativeEndian.Uint64(b[8:]))
		return complex(re, im)
	}
}

// Store encodes v as type t at the front of b. Real types drop the
// imaginary part.
func (t ElementType) Store(b []byte, v complex128) {
	switch t {
	case F32:
		binary.NativeEndian.PutUint32(b, math.Float32bits(float32(real(v))))
	case F64:
		binary.NativeEndian.PutUint64(b, math.Float64bits(real(v)))
	case C64:
		binary.NativeEndian.PutUint32(b, math.Float32bits(float32(real(v))))
		binary.NativeEndian.PutUint32(b[4:], math.Float32bits(float32(imag(v))))
	default:
		binary.NativeEndian.PutUint64(b, math.Float64bits(real(v)))
		binary.NativeEndian.PutUint64(b[8:], math.Float64bits(imag(v)))
	}
}
