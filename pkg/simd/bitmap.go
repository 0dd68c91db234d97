package simd

import (
	"encoding/binary"
	"math/bits"
)

// Packed-bitmap operators. All binary operators require
// equal-length byte slices; the word-at-a-time core is the "vector"
// path and the byte tail is the scalar remainder.

// BitmapAnd writes a AND b into a new slice.
func BitmapAnd(a, b []byte) []byte {
	if len(a) != len(b) {
		panic("simd: bitmap length mismatch")
	}
	out := make([]byte, len(a))
	i := 0
	for ; i+8 <= len(a); i += 8 {
		w := binary.LittleEndian.Uint64(a[i:]) & binary.LittleEndian.Uint64(b[i:])
		binary.LittleEndian.PutUint64(out[i:], w)
	}
	for ; i < len(a); i++ {
		out[i] = a[i] & b[i]
	}
	return out
}

// BitmapOr writes a OR b into a new slice.
func BitmapOr(a, b []byte) []byte {
	if len(a) != len(b) {
		panic("simd: bitmap length mismatch")
	}
	out := make([]byte, len(a))
	i := 0
	for ; i+8 <= len(a); i += 8 {
		w := binary.LittleEndian.Uint64(a[i:]) | binary.LittleEndian.Uint64(b[i:])
		binary.LittleEndian.PutUint64(out[i:], w)
	}
	for ; i < len(a); i++ {
		out[i] = a[i] | b[i]
	}
	return out
}

// BitmapNot writes NOT a into a new slice. Callers working with a
// bitmap whose last byte is partial are responsible for masking the
// surplus bits.
func BitmapNot(a []byte) []byte {
	out := make([]byte, len(a))
	i := 0
	for ; i+8 <= len(a); i += 8 {
		binary.LittleEndian.PutUint64(out[i:], ^binary.LittleEndian.Uint64(a[i:]))
	}
	for ; i < len(a); i++ {
		out[i] = ^a[i]
	}
	return out
}

// PopCount returns the number of set bits, using the hardware popcount
// instruction where the platform has one (math/bits lowers to it).
func PopCount(a []byte) int64 {
	var total int64
	i := 0
	for ; i+8 <= len(a); i += 8 {
		total += int64(bits.OnesCount64(binary.LittleEndian.Uint64(a[i:])))
	}
	for ; i < len(a); i++ {
		total += int64(bits.OnesCount8(a[i]))
	}
	return total
}
