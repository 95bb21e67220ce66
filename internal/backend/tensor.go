package backend

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// DType is the element type of a tensor.
type DType int

const (
	DTypeUnknown DType = iota
	BF16
	F16
	F32
	U8
	I32
	U32
	I64
)

func (d DType) String() string {
	switch d {
	case BF16:
		return "bf16"
	case F16:
		return "f16"
	case F32:
		return "f32"
	case U8:
		return "u8"
	case I32:
		return "i32"
	case U32:
		return "u32"
	case I64:
		return "i64"
	default:
		return "unknown"
	}
}

// Size returns the byte width of one element.
func (d DType) Size() int {
	switch d {
	case U8:
		return 1
	case BF16, F16:
		return 2
	case F32, I32, U32:
		return 4
	case I64:
		return 8
	default:
		return 0
	}
}

// Tensor is a named, typed buffer owned by an executor. Data is little-endian.
type Tensor struct {
	Name  string
	Shape []int64
	DType DType
	Data  []byte
}

// NewTensor allocates a zeroed tensor.
func NewTensor(name string, dtype DType, shape ...int64) *Tensor {
	t := &Tensor{Name: name, Shape: slices.Clone(shape), DType: dtype}
	t.Data = make([]byte, t.Elements()*dtype.Size())
	return t
}

// Elements returns the product of the shape.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Dim returns dimension i counted from the end (Dim(0) is the innermost), or 0.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return int(t.Shape[len(t.Shape)-1-i])
}

// PutU32 writes element i of a u32 tensor.
func (t *Tensor) PutU32(i int, v uint32) {
	binary.LittleEndian.PutUint32(t.Data[i*4:], v)
}

// U32 reads element i of a u32 tensor.
func (t *Tensor) U32(i int) uint32 {
	return binary.LittleEndian.Uint32(t.Data[i*4:])
}

// Expect checks dtype and element count.
func (t *Tensor) Expect(dtype DType, elements int) error {
	if t.DType != dtype {
		return fmt.Errorf("tensor %s: dtype %s want %s", t.Name, t.DType, dtype)
	}
	if t.Elements() != elements {
		return fmt.Errorf("tensor %s: %d elements %v want %d", t.Name, t.Elements(), t.Shape, elements)
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s %s%v", t.Name, t.DType, t.Shape)
}
