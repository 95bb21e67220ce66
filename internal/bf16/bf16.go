// Package bf16 converts between float32 and bfloat16 using the exact bit
// layout the layer executors exchange: the upper 16 bits of an IEEE-754 float32.
//
// Conversion truncates. It does not round to nearest even, so values written by
// FromFloat32 match what the executors produce and expect bit for bit.
package bf16

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Size is the width of one bf16 element in bytes.
const Size = 2

// FromFloat32 truncates f to bf16.
func FromFloat32(f float32) uint16 {
	return uint16(math.Float32bits(f) >> 16)
}

// ToFloat32 widens a bf16 value by zero-filling the low 16 mantissa bits.
func ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// Get reads element i from a little-endian bf16 buffer.
func Get(buf []byte, i int) uint16 {
	return binary.LittleEndian.Uint16(buf[i*Size:])
}

// Put writes element i of a little-endian bf16 buffer.
func Put(buf []byte, i int, v uint16) {
	binary.LittleEndian.PutUint16(buf[i*Size:], v)
}

// Fill sets every element of buf to v.
func Fill(buf []byte, v uint16) {
	if len(buf) < Size {
		return
	}
	Put(buf, 0, v)
	for n := Size; n < len(buf); n *= 2 {
		copy(buf[n:], buf[:n])
	}
}

// Decode expands a little-endian bf16 buffer into dst, which must hold len(src)/2 values.
// It returns dst[:n].
func Decode(dst []float32, src []byte) ([]float32, error) {
	if len(src)%Size != 0 {
		return nil, fmt.Errorf("bf16: odd buffer length %d", len(src))
	}
	n := len(src) / Size
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = ToFloat32(binary.LittleEndian.Uint16(src[i*Size:]))
	}
	return dst, nil
}

// Encode truncates src into a little-endian bf16 buffer. dst is reused when large enough.
func Encode(dst []byte, src []float32) []byte {
	n := len(src) * Size
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, f := range src {
		binary.LittleEndian.PutUint16(dst[i*Size:], FromFloat32(f))
	}
	return dst
}

// Words reinterprets a little-endian bf16 buffer as a fresh []uint16.
func Words(src []byte) []uint16 {
	out := make([]uint16, len(src)/Size)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(src[i*Size:])
	}
	return out
}

// Bytes serializes words as a little-endian bf16 buffer.
func Bytes(words []uint16) []byte {
	out := make([]byte, len(words)*Size)
	for i, w := range words {
		binary.LittleEndian.PutUint16(out[i*Size:], w)
	}
	return out
}
