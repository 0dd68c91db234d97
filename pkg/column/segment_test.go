package column_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sharpcoredb/scdb/pkg/column"
	"github.com/sharpcoredb/scdb/pkg/simd"
)

func testMask(rng *rand.Rand, n int, nullPct float64) *column.NullMask {
	if nullPct <= 0 {
		return nil
	}
	m := column.NewNullMask(n)
	for i := 0; i < n; i++ {
		if rng.Float64() < nullPct {
			m.SetNull(i)
		}
	}
	return m
}

// Columnar round-trip plus SIMD over an Int32 "age" column
// with 100 000 values, 5% NULL, 80 distinct, unsorted. The encoder
// must pick Dictionary; the stats must reflect the data; and the
// kernels must agree with a scalar walk.
func Test_Scenario_Age_Column_Dictionary_Stats_And_Kernels(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 1))
	const n = 100_000
	const distinct = 80

	values := make([]int64, n)
	nulls := column.NewNullMask(n)
	nullCount := 0
	for i := range values {
		if nullCount < n/20 && rng.Float64() < 0.05 {
			nulls.SetNull(i)
			nullCount++
			continue
		}
		values[i] = int64(rng.UintN(distinct))
	}
	// Top up to exactly 5% NULLs for the scenario's stated counts.
	for i := 0; nullCount < n/20; i++ {
		if !nulls.IsNull(i) {
			nulls.SetNull(i)
			values[i] = 0
			nullCount++
		}
	}

	v := column.Vector{Type: column.TypeInt32, Ints: values, Nulls: nulls}
	encoded, err := column.EncodeColumn("age", v)
	require.NoError(t, err)

	metas, err := column.ReadStats(encoded)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	meta := metas[0]

	require.Equal(t, column.EncodingDictionary, meta.Encoding)
	require.Equal(t, uint64(n/20), meta.NullCount)
	require.LessOrEqual(t, meta.DistinctCount, uint64(distinct))

	var wantMin, wantMax int64
	first := true
	for i, x := range values {
		if nulls.IsNull(i) {
			continue
		}
		if first || x < wantMin {
			wantMin = x
		}
		if first || x > wantMax {
			wantMax = x
		}
		first = false
	}
	require.Equal(t, wantMin, meta.Stats.Min.I)
	require.Equal(t, wantMax, meta.Stats.Max.I)

	decoded, _, err := column.DecodeColumn(encoded)
	require.NoError(t, err)

	bitmap := decoded.Nulls.Packed()
	var wantSum int64
	for i, x := range values {
		if !nulls.IsNull(i) {
			wantSum += x
		}
	}
	require.Equal(t, wantSum, simd.SumInt64(decoded.Ints, bitmap))
	require.Equal(t, int64(n-n/20), simd.CountNonNull(n, bitmap))

	indices := simd.FilterInt64(decoded.Ints, bitmap, column.CmpGT, 50)
	want := make([]int32, 0, n)
	for i, x := range values {
		if !nulls.IsNull(i) && x > 50 {
			want = append(want, int32(i))
		}
	}
	require.Equal(t, want, indices)
}

func Test_Segment_MultiColumn_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 2))
	const n = 3000

	ids := column.Vector{Type: column.TypeInt64, Ints: make([]int64, n)}
	for i := range ids.Ints {
		ids.Ints[i] = int64(i)
	}
	amounts := column.Vector{Type: column.TypeFloat64, Floats: make([]float64, n), Nulls: testMask(rng, n, 0.02)}
	for i := range amounts.Floats {
		if !amounts.IsNull(i) {
			amounts.Floats[i] = rng.Float64() * 100
		}
	}
	status := column.Vector{Type: column.TypeString, Strings: make([]string, n)}
	for i := range status.Strings {
		status.Strings[i] = []string{"open", "closed", "pending"}[rng.UintN(3)]
	}

	encoded, err := column.EncodeSegment(7, []column.Named{
		{Name: "id", Vec: ids},
		{Name: "amount", Vec: amounts},
		{Name: "status", Vec: status},
	})
	require.NoError(t, err)

	seg, err := column.DecodeSegment(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(7), seg.ID)
	require.Equal(t, uint64(n), seg.RowCount)
	require.Len(t, seg.Columns, 3)

	require.Equal(t, column.EncodingDelta, seg.Columns[0].Meta.Encoding, "sorted ids take delta")
	require.Equal(t, column.EncodingDictionary, seg.Columns[2].Meta.Encoding, "three statuses take dictionary")
	require.Equal(t, ids.Ints, seg.Columns[0].Vec.Ints)
	require.Equal(t, status.Strings, seg.Columns[2].Vec.Strings)
	for i := 0; i < n; i++ {
		require.Equal(t, amounts.IsNull(i), seg.Columns[1].Vec.IsNull(i))
	}
}

func Test_Segment_Rejects_Mismatched_Column_Lengths(t *testing.T) {
	_, err := column.EncodeSegment(1, []column.Named{
		{Name: "a", Vec: column.Vector{Type: column.TypeInt64, Ints: make([]int64, 10)}},
		{Name: "b", Vec: column.Vector{Type: column.TypeInt64, Ints: make([]int64, 11)}},
	})
	require.Error(t, err)
}

func Test_Segment_Compresses_Large_Repetitive_Strings(t *testing.T) {
	const n = 4000
	v := column.Vector{Type: column.TypeString, Strings: make([]string, n)}
	for i := range v.Strings {
		// High-cardinality (defeats dictionary) but highly compressible.
		v.Strings[i] = fmt.Sprintf("https://example.com/api/v2/resources/%08d/details", i)
	}

	encoded, err := column.EncodeColumn("url", v)
	require.NoError(t, err)

	metas, err := column.ReadStats(encoded)
	require.NoError(t, err)
	require.Equal(t, column.CompressionZstd, metas[0].Compression)
	require.Less(t, metas[0].EncodedSize, metas[0].UncompressedSize)

	decoded, _, err := column.DecodeColumn(encoded)
	require.NoError(t, err)
	require.Equal(t, v.Strings, decoded.Strings)
}

func Test_Stats_Validity_Invariant(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 3))
	for trial := 0; trial < 20; trial++ {
		n := int(rng.UintN(500)) + 1
		v := column.Vector{Type: column.TypeInt64, Ints: make([]int64, n), Nulls: testMask(rng, n, rng.Float64()*0.5)}
		for i := range v.Ints {
			if !v.IsNull(i) {
				v.Ints[i] = int64(rng.UintN(50))
			}
		}
		encoded, err := column.EncodeColumn("x", v)
		require.NoError(t, err)
		metas, err := column.ReadStats(encoded)
		require.NoError(t, err)
		m := metas[0]
		require.LessOrEqual(t, m.NullCount, m.ValueCount)
		require.LessOrEqual(t, m.DistinctCount, m.ValueCount-m.NullCount)
	}
}

// Selectivity monotonicity: widening a
// less-than predicate never shrinks the estimate.
func Test_Histogram_Selectivity_Is_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	const n = 10_000
	v := column.Vector{Type: column.TypeInt64, Ints: make([]int64, n)}
	for i := range v.Ints {
		v.Ints[i] = int64(rng.UintN(1000))
	}
	encoded, err := column.EncodeColumn("x", v)
	require.NoError(t, err)
	metas, err := column.ReadStats(encoded)
	require.NoError(t, err)
	stats := metas[0].Stats

	prev := -1.0
	for c := float64(0); c <= 1000; c += 25 {
		sel, ok := stats.Selectivity(column.CmpLT, c)
		require.True(t, ok)
		require.GreaterOrEqual(t, sel, prev, "sel(col < %v) must not shrink as the literal grows", c)
		prev = sel
	}
	require.InDelta(t, 1.0, prev, 0.02, "col < max+ should select nearly everything")
}
