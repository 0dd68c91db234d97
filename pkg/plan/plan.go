// Package plan implements the miniature cost-based optimizer:
// cardinality estimation from columnar statistics, a three-way plan
// choice (table scan, index scan, SIMD scan), and a fingerprint-keyed
// plan cache.
package plan

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sharpcoredb/scdb/pkg/column"
)

// defaultSelectivity is assumed for predicates the statistics cannot
// estimate.
const defaultSelectivity = 0.1

// simdPushdownSelectivity is the ceiling below which a predicate over a
// columnar segment is pushed into the filter kernels; above it, a plain
// scan-and-filter wins.
const simdPushdownSelectivity = 0.5

// Kind is the plan shape chosen by the optimizer.
type Kind uint8

const (
	TableScan Kind = iota
	IndexScan
	SimdScan
)

func (k Kind) String() string {
	switch k {
	case TableScan:
		return "TableScan"
	case IndexScan:
		return "IndexScan"
	case SimdScan:
		return "SimdScan"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Predicate is one "column OP literal" term.
type Predicate struct {
	Column  string
	Op      column.CmpOp
	Literal float64
}

// QuerySpec is the caller-supplied query shape. Columnar marks the
// table as backed by columnar segments (SIMD pushdown candidate);
// IndexedColumns lists columns the caller maintains an index over.
type QuerySpec struct {
	Table            string
	Projection       []string
	Predicates       []Predicate
	RowCountEstimate int64
	Columnar         bool
	IndexedColumns   []string
}

// Plan is the optimizer's output.
type Plan struct {
	Kind           Kind
	PredicateOrder []int // indices into QuerySpec.Predicates, most selective first
	EstimatedRows  int64
	EstimatedCost  float64
	SimdPushdown   bool
}

// CostModel holds the weights of the linear cost function
// cost = α·rows_scanned + β·rows_emitted + γ·cpu_per_predicate.
type CostModel struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

// DefaultCostModel weights a scanned row as the unit, an emitted row at
// a quarter (copy-out), and a predicate evaluation cheap.
func DefaultCostModel() CostModel {
	return CostModel{Alpha: 1.0, Beta: 0.25, Gamma: 0.05}
}

// StatsProvider resolves column statistics for cardinality estimation;
// ok=false means no statistics exist for that column.
type StatsProvider func(table, col string) (column.Meta, bool)

// Planner chooses plans and caches them by caller-supplied fingerprint.
// The caller owns the mapping from its query language to fingerprints;
// the planner never sees SQL text.
type Planner struct {
	costs CostModel
	stats StatsProvider

	mu       sync.Mutex
	cacheCap int
	cache    map[uint64]*list.Element
	order    *list.List // front = most recent
}

type cacheEntry struct {
	fp   uint64
	plan Plan
}

// NewPlanner builds a planner over the given statistics source.
func NewPlanner(costs CostModel, stats StatsProvider) *Planner {
	return &Planner{
		costs:    costs,
		stats:    stats,
		cacheCap: 128,
		cache:    make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

// Fingerprint derives a stable cache key from the caller's canonical
// query representation.
func Fingerprint(canonical []byte) uint64 { return xxhash.Sum64(canonical) }

// Plan returns the cached or freshly-chosen plan for spec under fp.
func (p *Planner) Plan(spec QuerySpec, fp uint64) Plan {
	p.mu.Lock()
	if el, ok := p.cache[fp]; ok {
		p.order.MoveToFront(el)
		plan := el.Value.(*cacheEntry).plan
		p.mu.Unlock()
		return plan
	}
	p.mu.Unlock()

	plan := p.choose(spec)

	p.mu.Lock()
	if el, ok := p.cache[fp]; ok {
		p.order.MoveToFront(el)
	} else {
		p.cache[fp] = p.order.PushFront(&cacheEntry{fp: fp, plan: plan})
		for p.order.Len() > p.cacheCap {
			oldest := p.order.Back()
			p.order.Remove(oldest)
			delete(p.cache, oldest.Value.(*cacheEntry).fp)
		}
	}
	p.mu.Unlock()
	return plan
}

// Selectivity estimates the fraction of rows satisfying pred against
// table: histogram walk when available, 1/distinct for
// equality over dictionary-encoded columns, defaultSelectivity
// otherwise.
func (p *Planner) Selectivity(table string, pred Predicate) float64 {
	meta, ok := p.stats(table, pred.Column)
	if !ok {
		return defaultSelectivity
	}

	if pred.Op == column.CmpEQ && meta.Encoding == column.EncodingDictionary && meta.DistinctCount > 0 {
		return clampSel(1 / float64(meta.DistinctCount))
	}

	if sel, ok := meta.Stats.Selectivity(pred.Op, pred.Literal); ok {
		return clampSel(sel)
	}
	return defaultSelectivity
}

func clampSel(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// choose evaluates the three plan shapes and picks the cheapest.
func (p *Planner) choose(spec QuerySpec) Plan {
	rows := float64(spec.RowCountEstimate)
	if rows <= 0 {
		rows = 1
	}

	sels := make([]float64, len(spec.Predicates))
	for i, pred := range spec.Predicates {
		sels[i] = p.Selectivity(spec.Table, pred)
	}

	order := make([]int, len(spec.Predicates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sels[order[a]] < sels[order[b]] })

	combined := 1.0
	for _, s := range sels {
		combined *= s
	}
	emitted := rows * combined

	preds := float64(len(spec.Predicates))
	costScan := p.costs.Alpha*rows + p.costs.Beta*emitted + p.costs.Gamma*rows*preds

	best := Plan{
		Kind:           TableScan,
		PredicateOrder: order,
		EstimatedRows:  int64(emitted),
		EstimatedCost:  costScan,
	}

	// An index serves when the most selective predicate's column is
	// indexed: scan shrinks to the index's matching fraction.
	if len(order) > 0 && isIndexed(spec, spec.Predicates[order[0]].Column) {
		lead := sels[order[0]]
		scanned := rows * lead
		costIdx := p.costs.Alpha*scanned + p.costs.Beta*emitted + p.costs.Gamma*scanned*(preds-1)
		if costIdx < best.EstimatedCost {
			best = Plan{
				Kind:           IndexScan,
				PredicateOrder: order,
				EstimatedRows:  int64(emitted),
				EstimatedCost:  costIdx,
			}
		}
	}

	// SIMD pushdown over columnar segments: the whole column is still
	// scanned, but predicate evaluation vectorizes, modeled as a steep
	// discount on the per-predicate CPU term.
	if spec.Columnar && len(order) > 0 && sels[order[0]] < simdPushdownSelectivity {
		costSimd := p.costs.Alpha*rows + p.costs.Beta*emitted + p.costs.Gamma*rows*preds/8
		if costSimd < best.EstimatedCost {
			best = Plan{
				Kind:           SimdScan,
				PredicateOrder: order,
				EstimatedRows:  int64(emitted),
				EstimatedCost:  costSimd,
				SimdPushdown:   true,
			}
		}
	}

	return best
}

func isIndexed(spec QuerySpec, col string) bool {
	for _, c := range spec.IndexedColumns {
		if c == col {
			return true
		}
	}
	return false
}
