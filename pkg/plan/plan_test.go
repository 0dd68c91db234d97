package plan

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sharpcoredb/scdb/pkg/column"
)

// statsFor builds a provider backed by a real encoded column, so the
// estimates the planner sees are the ones the codec actually produces.
func statsFor(t *testing.T, values []int64) StatsProvider {
	t.Helper()
	encoded, err := column.EncodeColumn("x", column.Vector{Type: column.TypeInt64, Ints: values})
	require.NoError(t, err)
	metas, err := column.ReadStats(encoded)
	require.NoError(t, err)
	return func(table, col string) (column.Meta, bool) {
		if col == "x" {
			return metas[0], true
		}
		return column.Meta{}, false
	}
}

func uniformValues(n int, limit uint64) []int64 {
	rng := rand.New(rand.NewPCG(11, 1))
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(rng.UintN(uint(limit)))
	}
	return out
}

func Test_Selectivity_Uses_Histogram_For_Range_Predicates(t *testing.T) {
	p := NewPlanner(DefaultCostModel(), statsFor(t, uniformValues(10_000, 1000)))

	low := p.Selectivity("t", Predicate{Column: "x", Op: column.CmpLT, Literal: 100})
	high := p.Selectivity("t", Predicate{Column: "x", Op: column.CmpLT, Literal: 900})

	require.InDelta(t, 0.1, low, 0.05)
	require.InDelta(t, 0.9, high, 0.05)
	require.Less(t, low, high)
}

func Test_Selectivity_Equality_On_Dictionary_Column_Is_One_Over_Distinct(t *testing.T) {
	// 10 distinct values over 10k rows: the codec picks dictionary.
	p := NewPlanner(DefaultCostModel(), statsFor(t, uniformValues(10_000, 10)))
	sel := p.Selectivity("t", Predicate{Column: "x", Op: column.CmpEQ, Literal: 3})
	require.InDelta(t, 0.1, sel, 1e-9)
}

func Test_Selectivity_Defaults_Without_Statistics(t *testing.T) {
	p := NewPlanner(DefaultCostModel(), func(string, string) (column.Meta, bool) { return column.Meta{}, false })
	sel := p.Selectivity("t", Predicate{Column: "unknown", Op: column.CmpGT, Literal: 5})
	require.Equal(t, 0.1, sel)
}

func Test_Plan_Prefers_Simd_Scan_For_Selective_Columnar_Predicate(t *testing.T) {
	p := NewPlanner(DefaultCostModel(), statsFor(t, uniformValues(10_000, 1000)))
	spec := QuerySpec{
		Table:            "t",
		Predicates:       []Predicate{{Column: "x", Op: column.CmpLT, Literal: 100}},
		RowCountEstimate: 10_000,
		Columnar:         true,
	}
	plan := p.Plan(spec, Fingerprint([]byte("q1")))
	require.Equal(t, SimdScan, plan.Kind)
	require.True(t, plan.SimdPushdown)
}

func Test_Plan_Falls_Back_To_Table_Scan_For_Unselective_Predicate(t *testing.T) {
	p := NewPlanner(DefaultCostModel(), statsFor(t, uniformValues(10_000, 1000)))
	spec := QuerySpec{
		Table:            "t",
		Predicates:       []Predicate{{Column: "x", Op: column.CmpGT, Literal: 100}}, // ~0.9 selective
		RowCountEstimate: 10_000,
		Columnar:         true,
	}
	plan := p.Plan(spec, Fingerprint([]byte("q2")))
	require.Equal(t, TableScan, plan.Kind)
	require.False(t, plan.SimdPushdown)
}

func Test_Plan_Prefers_Index_For_Highly_Selective_Indexed_Predicate(t *testing.T) {
	p := NewPlanner(DefaultCostModel(), statsFor(t, uniformValues(10_000, 1000)))
	spec := QuerySpec{
		Table:            "t",
		Predicates:       []Predicate{{Column: "x", Op: column.CmpLT, Literal: 10}},
		RowCountEstimate: 10_000,
		IndexedColumns:   []string{"x"},
	}
	plan := p.Plan(spec, Fingerprint([]byte("q3")))
	require.Equal(t, IndexScan, plan.Kind)
	require.Less(t, plan.EstimatedRows, int64(1000))
}

func Test_Plan_Orders_Predicates_Most_Selective_First(t *testing.T) {
	p := NewPlanner(DefaultCostModel(), statsFor(t, uniformValues(10_000, 1000)))
	spec := QuerySpec{
		Table: "t",
		Predicates: []Predicate{
			{Column: "x", Op: column.CmpGT, Literal: 100}, // ~0.9
			{Column: "x", Op: column.CmpLT, Literal: 50},  // ~0.05
		},
		RowCountEstimate: 10_000,
	}
	plan := p.Plan(spec, Fingerprint([]byte("q4")))
	require.Equal(t, []int{1, 0}, plan.PredicateOrder)
}

func Test_Plan_Cache_Hits_On_Same_Fingerprint(t *testing.T) {
	calls := 0
	p := NewPlanner(DefaultCostModel(), func(string, string) (column.Meta, bool) {
		calls++
		return column.Meta{}, false
	})
	spec := QuerySpec{
		Table:            "t",
		Predicates:       []Predicate{{Column: "x", Op: column.CmpEQ, Literal: 1}},
		RowCountEstimate: 100,
	}

	fp := Fingerprint([]byte("same-query"))
	first := p.Plan(spec, fp)
	callsAfterFirst := calls
	second := p.Plan(spec, fp)

	require.Equal(t, first, second)
	require.Equal(t, callsAfterFirst, calls, "a cache hit must not re-estimate")
}

func Test_Fingerprint_Is_Stable_And_Discriminating(t *testing.T) {
	require.Equal(t, Fingerprint([]byte("q")), Fingerprint([]byte("q")))
	require.NotEqual(t, Fingerprint([]byte("q")), Fingerprint([]byte("q'")))
}
