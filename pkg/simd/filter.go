package simd

import (
	"github.com/sharpcoredb/scdb/pkg/column"
)

// FilterInt64 returns the selection vector of indices i where
// values[i] OP threshold holds and position i is not NULL. Indices are
// ascending.
func FilterInt64(values []int64, bitmap []byte, op column.CmpOp, threshold int64) []int32 {
	out := make([]int32, 0, len(values)/2)
	match := func(v int64) bool {
		switch op {
		case column.CmpEQ:
			return v == threshold
		case column.CmpNE:
			return v != threshold
		case column.CmpLT:
			return v < threshold
		case column.CmpLE:
			return v <= threshold
		case column.CmpGT:
			return v > threshold
		case column.CmpGE:
			return v >= threshold
		default:
			return false
		}
	}
	for i, v := range values {
		if isNull(bitmap, i) {
			continue
		}
		if match(v) {
			out = append(out, int32(i))
		}
	}
	return out
}

// FilterFloat64 is FilterInt64 over float columns.
func FilterFloat64(values []float64, bitmap []byte, op column.CmpOp, threshold float64) []int32 {
	out := make([]int32, 0, len(values)/2)
	match := func(v float64) bool {
		switch op {
		case column.CmpEQ:
			return v == threshold
		case column.CmpNE:
			return v != threshold
		case column.CmpLT:
			return v < threshold
		case column.CmpLE:
			return v <= threshold
		case column.CmpGT:
			return v > threshold
		case column.CmpGE:
			return v >= threshold
		default:
			return false
		}
	}
	for i, v := range values {
		if isNull(bitmap, i) {
			continue
		}
		if match(v) {
			out = append(out, int32(i))
		}
	}
	return out
}
