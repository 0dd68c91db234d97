package column

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// minRunLength gates run-length encoding.
const minRunLength = 4

// dictionaryRatio is the distinct/total ceiling for dictionary
// encoding.
const dictionaryRatio = 0.1

// selectEncoding picks the encoding for v, evaluated in a fixed order
// (dictionary, delta, run-length, raw) so the decision is
// deterministic: cardinality first, then sortedness, then run shape.
func selectEncoding(v *Vector, distinct uint64) Encoding {
	n := v.Len()
	nonNull := n - v.Nulls.NullCount()
	if nonNull == 0 {
		return EncodingRaw
	}

	dictable := v.Type.isInteger() || v.Type == TypeString
	if dictable && float64(distinct)/float64(nonNull) <= dictionaryRatio {
		return EncodingDictionary
	}

	if v.Type.isInteger() && nonNull >= 2 && intsSortedWithNarrowDeltas(v) {
		return EncodingDelta
	}

	if runnable(v.Type) {
		runs := countRuns(v)
		if runs > 0 && runs < n/minRunLength {
			return EncodingRunLength
		}
	}

	return EncodingRaw
}

func runnable(t Type) bool {
	return t.isInteger() || t.isFloat() || t == TypeBool
}

// intsSortedWithNarrowDeltas reports whether the non-null values are
// non-decreasing and every neighbor delta fits int32; delta overflow
// falls back to raw.
func intsSortedWithNarrowDeltas(v *Vector) bool {
	prev := int64(math.MinInt64)
	seen := false
	for i, val := range v.Ints {
		if v.IsNull(i) {
			continue
		}
		if seen {
			if val < prev {
				return false
			}
			if d := val - prev; d > math.MaxInt32 {
				return false
			}
		}
		prev = val
		seen = true
	}
	return seen
}

// countRuns counts maximal runs of equal adjacent values, NULLs forming
// their own runs.
func countRuns(v *Vector) int {
	n := v.Len()
	if n == 0 {
		return 0
	}
	runs := 1
	for i := 1; i < n; i++ {
		if !sameValue(v, i-1, i) {
			runs++
		}
	}
	return runs
}

func sameValue(v *Vector, i, j int) bool {
	ni, nj := v.IsNull(i), v.IsNull(j)
	if ni || nj {
		return ni == nj
	}
	switch {
	case v.Type.isInteger():
		return v.Ints[i] == v.Ints[j]
	case v.Type.isFloat():
		return v.Floats[i] == v.Floats[j]
	case v.Type == TypeBool:
		return v.Bools[i] == v.Bools[j]
	default:
		return false
	}
}

// buildStats computes Stats and the distinct count for v.
func buildStats(v *Vector) (Stats, uint64) {
	switch {
	case v.Type.isInteger():
		return buildIntStats(v.Ints, v.Nulls)
	case v.Type.isFloat():
		return buildFloatStats(v.Floats, v.Nulls)
	case v.Type == TypeString:
		return buildStringStats(v.Strings, v.Nulls)
	case v.Type == TypeBool:
		distinct := make(map[bool]struct{})
		for i, b := range v.Bools {
			if !v.IsNull(i) {
				distinct[b] = struct{}{}
			}
		}
		return Stats{}, uint64(len(distinct))
	case v.Type == TypeGuid:
		distinct := make(map[uuid.UUID]struct{})
		for i, g := range v.Guids {
			if !v.IsNull(i) {
				distinct[g] = struct{}{}
			}
		}
		return Stats{}, uint64(len(distinct))
	case v.Type == TypeBinary:
		distinct := make(map[string]struct{})
		for i, b := range v.Bytes {
			if !v.IsNull(i) {
				distinct[string(b)] = struct{}{}
			}
		}
		return Stats{}, uint64(len(distinct))
	default:
		return Stats{}, 0
	}
}

// encodeValues serializes v's values under enc, excluding the NULL
// bitmap (which the segment layer frames separately). NULL positions
// carry zero values in every encoding.
func encodeValues(v *Vector, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		return encodeRaw(v)
	case EncodingDictionary:
		return encodeDictionary(v)
	case EncodingDelta:
		return encodeDelta(v)
	case EncodingRunLength:
		return encodeRunLength(v)
	default:
		return nil, fmt.Errorf("column: encoding %s not supported by the encoder", enc)
	}
}

func encodeRaw(v *Vector) ([]byte, error) {
	switch {
	case v.Type.isInteger():
		w := v.Type.intWidth()
		out := make([]byte, 0, len(v.Ints)*w)
		for _, val := range v.Ints {
			out = appendInt(out, val, w)
		}
		return out, nil

	case v.Type == TypeFloat32:
		out := make([]byte, 0, len(v.Floats)*4)
		for _, f := range v.Floats {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f)))
		}
		return out, nil

	case v.Type == TypeFloat64:
		out := make([]byte, 0, len(v.Floats)*8)
		for _, f := range v.Floats {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(f))
		}
		return out, nil

	case v.Type == TypeBool:
		out := make([]byte, len(v.Bools))
		for i, b := range v.Bools {
			if b {
				out[i] = 1
			}
		}
		return out, nil

	case v.Type == TypeString:
		var out []byte
		for _, s := range v.Strings {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
			out = append(out, s...)
		}
		return out, nil

	case v.Type == TypeBinary:
		var out []byte
		for _, b := range v.Bytes {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
			out = append(out, b...)
		}
		return out, nil

	case v.Type == TypeGuid:
		out := make([]byte, 0, len(v.Guids)*16)
		for _, g := range v.Guids {
			out = append(out, g[:]...)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("column: raw encoding for %s", v.Type)
	}
}

// encodeDictionary lays out [distinct-count:u32 | entries... |
// int32-indices[]]. Entries are sorted so equal inputs always produce
// identical bytes. NULL positions write index 0; the decoder consults
// the bitmap before dereferencing, so the placeholder is never read.
func encodeDictionary(v *Vector) ([]byte, error) {
	n := v.Len()

	switch {
	case v.Type.isInteger():
		set := make(map[int64]struct{})
		for i, val := range v.Ints {
			if !v.IsNull(i) {
				set[val] = struct{}{}
			}
		}
		entries := make([]int64, 0, len(set))
		for val := range set {
			entries = append(entries, val)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })
		index := make(map[int64]int32, len(entries))
		for i, val := range entries {
			index[val] = int32(i)
		}

		w := v.Type.intWidth()
		out := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
		for _, val := range entries {
			out = appendInt(out, val, w)
		}
		for i := 0; i < n; i++ {
			var idx int32
			if !v.IsNull(i) {
				idx = index[v.Ints[i]]
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(idx))
		}
		return out, nil

	case v.Type == TypeString:
		set := make(map[string]struct{})
		for i, s := range v.Strings {
			if !v.IsNull(i) {
				set[s] = struct{}{}
			}
		}
		entries := make([]string, 0, len(set))
		for s := range set {
			entries = append(entries, s)
		}
		sort.Strings(entries)
		index := make(map[string]int32, len(entries))
		for i, s := range entries {
			index[s] = int32(i)
		}

		out := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
		for _, s := range entries {
			out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
			out = append(out, s...)
		}
		for i := 0; i < n; i++ {
			var idx int32
			if !v.IsNull(i) {
				idx = index[v.Strings[i]]
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(idx))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("column: dictionary encoding for %s", v.Type)
	}
}

// encodeDelta lays out [base:int64 | delta:int32[]]. NULL positions
// repeat the running value (delta 0) so decoding stays positional.
func encodeDelta(v *Vector) ([]byte, error) {
	if !v.Type.isInteger() {
		return nil, fmt.Errorf("column: delta encoding for %s", v.Type)
	}
	out := make([]byte, 0, 8+4*len(v.Ints))

	var base int64
	for i := range v.Ints {
		if !v.IsNull(i) {
			base = v.Ints[i]
			break
		}
	}
	out = binary.LittleEndian.AppendUint64(out, uint64(base))

	prev := base
	for i, val := range v.Ints {
		if v.IsNull(i) {
			out = binary.LittleEndian.AppendUint32(out, 0)
			continue
		}
		d := val - prev
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(d)))
		prev = val
	}
	return out, nil
}

// encodeRunLength lays out [value | count:u32]... with values at the
// type family's widest width.
func encodeRunLength(v *Vector) ([]byte, error) {
	n := v.Len()
	var out []byte

	flush := func(value []byte, count uint32) {
		out = append(out, value...)
		out = binary.LittleEndian.AppendUint32(out, count)
	}

	valueAt := func(i int) []byte {
		var buf [8]byte
		if v.IsNull(i) {
			return buf[:valueWidth(v.Type)]
		}
		switch {
		case v.Type.isInteger():
			binary.LittleEndian.PutUint64(buf[:], uint64(v.Ints[i]))
		case v.Type.isFloat():
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Floats[i]))
		case v.Type == TypeBool:
			if v.Bools[i] {
				buf[0] = 1
			}
		}
		return buf[:valueWidth(v.Type)]
	}

	i := 0
	for i < n {
		j := i + 1
		for j < n && sameValue(v, i, j) {
			j++
		}
		flush(valueAt(i), uint32(j-i))
		i = j
	}
	return out, nil
}

// valueWidth is the serialized width of one run-length value.
func valueWidth(t Type) int {
	if t == TypeBool {
		return 1
	}
	return 8
}

func appendInt(buf []byte, v int64, width int) []byte {
	switch width {
	case 1:
		return append(buf, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
}
