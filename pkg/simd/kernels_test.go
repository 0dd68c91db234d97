package simd

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sharpcoredb/scdb/pkg/column"
)

// allWidths exercises every dispatch tier, including the scalar
// fallback.
var allWidths = []VectorWidth{WidthScalar, Width128, Width256, Width512}

func withWidth(t *testing.T, w VectorWidth, fn func(t *testing.T)) {
	t.Helper()
	prev := ActiveWidth()
	SetWidth(w)
	defer SetWidth(prev)
	fn(t)
}

func randomInput(rng *rand.Rand, n int, nullPct float64) ([]int64, []byte) {
	values := make([]int64, n)
	var bitmap []byte
	if nullPct > 0 {
		bitmap = make([]byte, (n+7)/8)
	}
	for i := range values {
		values[i] = int64(rng.UintN(2_000_000)) - 1_000_000
		if bitmap != nil && rng.Float64() < nullPct {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	return values, bitmap
}

// Scalar references the kernels must agree with bit-for-bit.
func refSum(values []int64, bitmap []byte) int64 {
	var sum int64
	for i, v := range values {
		if !isNull(bitmap, i) {
			sum += v
		}
	}
	return sum
}

func refMinMax(values []int64, bitmap []byte) (int64, int64, bool) {
	min, max := int64(math.MaxInt64), int64(math.MinInt64)
	any := false
	for i, v := range values {
		if isNull(bitmap, i) {
			continue
		}
		any = true
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, any
}

func Test_Int64_Kernels_Match_Scalar_Reference_At_Every_Width(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 1))

	for _, n := range []int{0, 1, 7, 127, 128, 129, 1000, 100_000} {
		for _, nullPct := range []float64{0, 0.05, 0.5, 1} {
			values, bitmap := randomInput(rng, n, nullPct)
			wantSum := refSum(values, bitmap)
			wantMin, wantMax, wantAny := refMinMax(values, bitmap)
			wantCount := int64(0)
			for i := range values {
				if !isNull(bitmap, i) {
					wantCount++
				}
			}

			for _, w := range allWidths {
				withWidth(t, w, func(t *testing.T) {
					require.Equal(t, wantSum, SumInt64(values, bitmap), "sum n=%d null=%v width=%d", n, nullPct, w)
					require.Equal(t, wantCount, CountNonNull(len(values), bitmap))

					min, ok := MinInt64(values, bitmap)
					require.Equal(t, wantAny, ok)
					if ok {
						require.Equal(t, wantMin, min)
					}
					max, ok := MaxInt64(values, bitmap)
					require.Equal(t, wantAny, ok)
					if ok {
						require.Equal(t, wantMax, max)
					}

					avg := AvgInt64(values, bitmap)
					if wantCount == 0 {
						require.Zero(t, avg, "AVG of an all-NULL column is 0")
					} else {
						require.InDelta(t, float64(wantSum)/float64(wantCount), avg, 1e-9)
					}
				})
			}
		}
	}
}

func Test_Float64_Kernels_Match_Scalar_Reference(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 2))
	const n = 50_000

	values := make([]float64, n)
	bitmap := make([]byte, (n+7)/8)
	for i := range values {
		values[i] = rng.NormFloat64() * 1e3
		if rng.Float64() < 0.1 {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}

	var wantSum float64
	var count int64
	wantMin, wantMax := math.Inf(1), math.Inf(-1)
	for i, v := range values {
		if isNull(bitmap, i) {
			continue
		}
		wantSum += v
		count++
		if v < wantMin {
			wantMin = v
		}
		if v > wantMax {
			wantMax = v
		}
	}

	for _, w := range allWidths {
		withWidth(t, w, func(t *testing.T) {
			require.InDelta(t, wantSum, SumFloat64(values, bitmap), math.Abs(wantSum)*1e-9+1e-6)
			require.InDelta(t, wantSum/float64(count), AvgFloat64(values, bitmap), 1e-6)

			min, ok := MinFloat64(values, bitmap)
			require.True(t, ok)
			require.Equal(t, wantMin, min)
			max, ok := MaxFloat64(values, bitmap)
			require.True(t, ok)
			require.Equal(t, wantMax, max)
		})
	}
}

func Test_Filter_Returns_Exactly_Matching_NonNull_Indices(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 3))
	const n = 20_000
	values, bitmap := randomInput(rng, n, 0.07)

	ops := []column.CmpOp{column.CmpEQ, column.CmpNE, column.CmpLT, column.CmpLE, column.CmpGT, column.CmpGE}
	for _, op := range ops {
		threshold := int64(rng.UintN(1_000_000)) - 500_000
		got := FilterInt64(values, bitmap, op, threshold)

		want := make([]int32, 0, n)
		for i, v := range values {
			if isNull(bitmap, i) {
				continue
			}
			match := false
			switch op {
			case column.CmpEQ:
				match = v == threshold
			case column.CmpNE:
				match = v != threshold
			case column.CmpLT:
				match = v < threshold
			case column.CmpLE:
				match = v <= threshold
			case column.CmpGT:
				match = v > threshold
			case column.CmpGE:
				match = v >= threshold
			}
			if match {
				want = append(want, int32(i))
			}
		}
		require.Equal(t, want, got, "op %s", op)
	}
}

func Test_Bitmap_Ops_Match_BitByBit_Reference(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 4))
	for _, n := range []int{1, 7, 8, 9, 63, 64, 65, 4096} {
		a := make([]byte, n)
		b := make([]byte, n)
		for i := range a {
			a[i] = byte(rng.UintN(256))
			b[i] = byte(rng.UintN(256))
		}

		and := BitmapAnd(a, b)
		or := BitmapOr(a, b)
		not := BitmapNot(a)
		for i := range a {
			require.Equal(t, a[i]&b[i], and[i])
			require.Equal(t, a[i]|b[i], or[i])
			require.Equal(t, ^a[i], not[i])
		}

		var wantPop int64
		for _, x := range a {
			for bit := 0; bit < 8; bit++ {
				if x&(1<<bit) != 0 {
					wantPop++
				}
			}
		}
		require.Equal(t, wantPop, PopCount(a))
	}
}

func Test_Bitmap_Binary_Ops_Panic_On_Length_Mismatch(t *testing.T) {
	require.Panics(t, func() { BitmapAnd(make([]byte, 3), make([]byte, 4)) })
	require.Panics(t, func() { BitmapOr(make([]byte, 1), make([]byte, 2)) })
}
