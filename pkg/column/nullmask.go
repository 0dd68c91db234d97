package column

import (
	"github.com/bits-and-blooms/bitset"
)

// NullMask records which positions of a column are NULL. The in-memory
// representation is a bitset; the serialized form is packed: one bit
// per value, bit=1 meaning NULL, LSB-first within each byte,
// ⌈value-count/8⌉ bytes total.
type NullMask struct {
	bits *bitset.BitSet
	n    int
}

// NewNullMask returns an all-valid mask over n positions.
func NewNullMask(n int) *NullMask {
	return &NullMask{bits: bitset.New(uint(n)), n: n}
}

// SetNull marks position i NULL.
func (m *NullMask) SetNull(i int) { m.bits.Set(uint(i)) }

// IsNull reports whether position i is NULL.
func (m *NullMask) IsNull(i int) bool {
	if m == nil {
		return false
	}
	return m.bits.Test(uint(i))
}

// NullCount returns the number of NULL positions.
func (m *NullMask) NullCount() int {
	if m == nil {
		return 0
	}
	return int(m.bits.Count())
}

// Len returns the number of positions the mask covers.
func (m *NullMask) Len() int {
	if m == nil {
		return 0
	}
	return m.n
}

// Packed serializes the mask into the on-disk byte layout.
func (m *NullMask) Packed() []byte {
	out := make([]byte, (m.n+7)/8)
	for i, e := m.bits.NextSet(0); e && int(i) < m.n; i, e = m.bits.NextSet(i + 1) {
		out[i/8] |= 1 << (i % 8)
	}
	return out
}

// MaskFromPacked rebuilds a mask over n positions from its packed form.
// Extra trailing bits in buf are ignored.
func MaskFromPacked(buf []byte, n int) *NullMask {
	m := NewNullMask(n)
	for i := 0; i < n; i++ {
		if buf[i/8]&(1<<(i%8)) != 0 {
			m.SetNull(i)
		}
	}
	return m
}

// AnyNull reports whether the mask has at least one NULL, used to drop
// all-valid masks at encode time.
func (m *NullMask) AnyNull() bool {
	return m != nil && m.bits.Any()
}
