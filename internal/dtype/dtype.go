// Package dtype maps structural element dtypes onto the element types the
// dense solver library understands.
package dtype

import (
	"fmt"
	"strings"

	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// ElementType is the set of element types known to the solver library.
// It is stored verbatim inside operation descriptors, so it has a fixed
// 32-bit width.
type ElementType int32

const (
	F32 ElementType = iota
	F64
	C64
	C128
)

// Size returns the width of one element in bytes.
func (t ElementType) Size() int {
	switch t {
	case F32:
		return 4
	case F64:
		return 8
	case C64:
		return 8
	case C128:
		return 16
	}
	return 0
}

// RealSize returns the width of the real component in bytes. Eigenvalues and
// singular values are real even for complex inputs and use this width.
func (t ElementType) RealSize() int {
	switch t {
	case F32, C64:
		return 4
	case F64, C128:
		return 8
	}
	return 0
}

// IsComplex reports whether t is a complex type.
func (t ElementType) IsComplex() bool {
	return t == C64 || t == C128
}

// Valid reports whether t is one of the known element types.
func (t ElementType) Valid() bool {
	return t >= F32 && t <= C128
}

func (t ElementType) String() string {
	switch t {
	case F32:
		return "F32"
	case F64:
		return "F64"
	case C64:
		return "C64"
	case C128:
		return "C128"
	}
	return fmt.Sprintf("ElementType(%d)", int32(t))
}

// Dtype is a structural dtype: an element kind character ('f' float,
// 'c' complex, 'i' signed integer, 'u' unsigned integer, 'b' boolean) and
// the element width in bytes.
type Dtype struct {
	Kind     byte
	ItemSize int
}

var (
	Float16    = Dtype{Kind: 'f', ItemSize: 2}
	Float32    = Dtype{Kind: 'f', ItemSize: 4}
	Float64    = Dtype{Kind: 'f', ItemSize: 8}
	Complex64  = Dtype{Kind: 'c', ItemSize: 8}
	Complex128 = Dtype{Kind: 'c', ItemSize: 16}
)

var kindNames = map[byte]string{
	'f': "float",
	'c': "complex",
	'i': "int",
	'u': "uint",
	'b': "bool",
}

// String renders d the way numpy names it, e.g. "float32" or "complex64".
func (d Dtype) String() string {
	name, ok := kindNames[d.Kind]
	if !ok {
		return fmt.Sprintf("dtype(kind=%q, itemsize=%d)", d.Kind, d.ItemSize)
	}
	if d.Kind == 'b' {
		return name
	}
	return fmt.Sprintf("%s%d", name, d.ItemSize*8)
}

// Parse reads a dtype name such as "float32", "complex128" or "int8".
func Parse(name string) (Dtype, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "bool" {
		return Dtype{Kind: 'b', ItemSize: 1}, nil
	}
	for kind, prefix := range kindNames {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var bits int
		if _, err := fmt.Sscanf(name[len(prefix):], "%d", &bits); err != nil || bits <= 0 || bits%8 != 0 {
			break
		}
		if fmt.Sprintf("%s%d", prefix, bits) != name {
			break
		}
		return Dtype{Kind: kind, ItemSize: bits / 8}, nil
	}
	return Dtype{}, solvererr.InvalidArgumentf("unknown dtype name %q", name)
}

type key struct {
	kind     byte
	itemSize int
}

var types = map[key]ElementType{
	{'f', 4}:  F32,
	{'f', 8}:  F64,
	{'c', 8}:  C64,
	{'c', 16}: C128,
}

// ToElementType maps d onto an ElementType. Only exact matches are accepted.
func ToElementType(d Dtype) (ElementType, error) {
	t, ok := types[key{d.Kind, d.ItemSize}]
	if !ok {
		return 0, solvererr.InvalidArgumentf("unsupported dtype %s", d)
	}
	return t, nil
}

// FromElementType returns the dtype that maps onto t.
func FromElementType(t ElementType) Dtype {
	for k, v := range types {
		if v == t {
			return Dtype{Kind: k.kind, ItemSize: k.itemSize}
		}
	}
	return Dtype{}
}
