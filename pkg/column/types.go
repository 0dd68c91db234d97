// Package column implements the columnar segment format: a
// self-describing, column-oriented binary layout with NULL bitmaps,
// automatic encoding selection (raw, dictionary, delta, run-length),
// and per-column statistics built at encode time.
package column

import (
	"fmt"

	"github.com/google/uuid"
)

// Type enumerates the supported column value types. The codec
// dispatches on this statically; there is no reflection on the hot
// path.
type Type uint8

const (
	TypeInt8 Type = iota + 1
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeString
	TypeBinary
	TypeDateTime // ticks, stored like Int64
	TypeGuid
)

func (t Type) String() string {
	switch t {
	case TypeInt8:
		return "Int8"
	case TypeInt16:
		return "Int16"
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeFloat32:
		return "Float32"
	case TypeFloat64:
		return "Float64"
	case TypeBool:
		return "Bool"
	case TypeString:
		return "String"
	case TypeBinary:
		return "Binary"
	case TypeDateTime:
		return "DateTime"
	case TypeGuid:
		return "Guid"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// isInteger reports whether values of t travel in Vector.Ints.
func (t Type) isInteger() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeDateTime:
		return true
	}
	return false
}

func (t Type) isFloat() bool { return t == TypeFloat32 || t == TypeFloat64 }

// intWidth is the serialized byte width for integer types.
func (t Type) intWidth() int {
	switch t {
	case TypeInt8:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32:
		return 4
	default:
		return 8
	}
}

// Encoding enumerates the per-column encodings.
type Encoding uint8

const (
	EncodingRaw Encoding = iota
	EncodingDictionary
	EncodingDelta
	EncodingRunLength
	// EncodingFrameOfReference is a reserved id; the encoder never
	// selects it and the decoder rejects it.
	EncodingFrameOfReference
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "Raw"
	case EncodingDictionary:
		return "Dictionary"
	case EncodingDelta:
		return "Delta"
	case EncodingRunLength:
		return "RunLength"
	case EncodingFrameOfReference:
		return "FrameOfReference"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// Compression is an optional transparent pass over the encoded column
// payload, layered under the encoding, never replacing it.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// Vector is the in-memory form of one column: exactly one value slice
// is populated, matching Type's family. NULL positions keep a zero
// value in the slice; Nulls is authoritative.
type Vector struct {
	Type Type

	Ints    []int64 // Int8/16/32/64, DateTime ticks
	Floats  []float64
	Bools   []bool
	Strings []string
	Bytes   [][]byte
	Guids   []uuid.UUID

	Nulls *NullMask // nil means no NULLs
}

// Len returns the value count.
func (v *Vector) Len() int {
	switch {
	case v.Type.isInteger():
		return len(v.Ints)
	case v.Type.isFloat():
		return len(v.Floats)
	case v.Type == TypeBool:
		return len(v.Bools)
	case v.Type == TypeString:
		return len(v.Strings)
	case v.Type == TypeBinary:
		return len(v.Bytes)
	case v.Type == TypeGuid:
		return len(v.Guids)
	default:
		return 0
	}
}

// IsNull reports whether position i is NULL.
func (v *Vector) IsNull(i int) bool {
	return v.Nulls != nil && v.Nulls.IsNull(i)
}

// Meta is the persisted per-column metadata.
type Meta struct {
	Name             string
	Ordinal          uint32
	Type             Type
	Encoding         Encoding
	Compression      Compression
	NullCount        uint64
	ValueCount       uint64
	DistinctCount    uint64
	EncodedSize      uint64
	UncompressedSize uint64
	Stats            Stats
}

// Segment is a decoded columnar container.
type Segment struct {
	ID       uint64
	RowCount uint64
	Columns  []Column
}

// Column pairs decoded values with their metadata.
type Column struct {
	Meta Meta
	Vec  Vector
}

// Named is one encoder input: a column name and its values.
type Named struct {
	Name string
	Vec  Vector
}
