// Package simd implements the vectorized execution kernels: NULL-aware
// aggregates (COUNT/SUM/AVG/MIN/MAX), relational filters producing
// selection vectors, and packed-bitmap operations.
//
// "Vector" here means wide, unrolled pure-Go loops whose unroll factor
// is chosen from the CPU features detected at runtime; there is no
// assembly. Inputs shorter than the scalar threshold skip the wide path
// entirely. Only SUM, MIN and MAX over int64 and SUM over float64 (and
// AVG through them) have a wide path; the filters and the float64
// MIN/MAX always run a scalar loop, and the bitmap operators work a
// 64-bit word at a time whatever the detected width.
package simd

import (
	"golang.org/x/sys/cpu"
)

// VectorWidth is the lane width, in bits, the kernels assume for their
// unrolled path.
type VectorWidth int

const (
	WidthScalar VectorWidth = 0
	Width128    VectorWidth = 128
	Width256    VectorWidth = 256
	Width512    VectorWidth = 512
)

// scalarThreshold is the input length below which the kernels always
// run the scalar loop; unrolling buys nothing on tiny inputs.
const scalarThreshold = 128

// detectWidth inspects CPU feature bits once at startup and returns the
// widest lane width the unrolled loops should model.
func detectWidth() VectorWidth {
	switch {
	case cpu.X86.HasAVX512F:
		return Width512
	case cpu.X86.HasAVX2:
		return Width256
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		return Width128
	default:
		return WidthScalar
	}
}

var activeWidth = detectWidth()

// ActiveWidth reports the lane width the kernels are currently using.
func ActiveWidth() VectorWidth { return activeWidth }

// SetWidth overrides the detected width. It exists so tests can force
// every path, including the scalar fallback, on any machine.
func SetWidth(w VectorWidth) { activeWidth = w }

// lanes64 is the unroll factor for 64-bit element loops under the
// active width.
func lanes64() int {
	switch activeWidth {
	case Width512:
		return 8
	case Width256:
		return 4
	case Width128:
		return 2
	default:
		return 1
	}
}

// useWide reports whether a kernel over n elements should take the
// unrolled path.
func useWide(n int) bool {
	return n >= scalarThreshold && lanes64() > 1
}

// isNull tests bit i of a packed NULL bitmap (bit=1 means NULL); a nil
// bitmap means no NULLs at all.
func isNull(bitmap []byte, i int) bool {
	if bitmap == nil {
		return false
	}
	return bitmap[i/8]&(1<<(i%8)) != 0
}
