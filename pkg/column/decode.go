package column

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// decodeValues rebuilds a Vector of n values of type t from data
// encoded under enc. nulls may be nil. The round-trip guarantee
// is decode(encode(xs)) == xs including NULL positions.
func decodeValues(t Type, enc Encoding, n int, nulls *NullMask, data []byte) (Vector, error) {
	v := Vector{Type: t, Nulls: nulls}
	var err error
	switch enc {
	case EncodingRaw:
		err = decodeRaw(&v, n, data)
	case EncodingDictionary:
		err = decodeDictionary(&v, n, data)
	case EncodingDelta:
		err = decodeDelta(&v, n, data)
	case EncodingRunLength:
		err = decodeRunLength(&v, n, data)
	default:
		err = fmt.Errorf("column: encoding %s not supported by the decoder", enc)
	}
	if err != nil {
		return Vector{}, err
	}
	zeroNullPositions(&v)
	return v, nil
}

// zeroNullPositions normalizes NULL slots to the zero value so equal
// logical columns always compare equal after decode, whatever bytes an
// encoding used as its placeholder.
func zeroNullPositions(v *Vector) {
	if v.Nulls == nil {
		return
	}
	for i := 0; i < v.Len(); i++ {
		if !v.Nulls.IsNull(i) {
			continue
		}
		switch {
		case v.Type.isInteger():
			v.Ints[i] = 0
		case v.Type.isFloat():
			v.Floats[i] = 0
		case v.Type == TypeBool:
			v.Bools[i] = false
		case v.Type == TypeString:
			v.Strings[i] = ""
		case v.Type == TypeBinary:
			v.Bytes[i] = nil
		case v.Type == TypeGuid:
			v.Guids[i] = uuid.UUID{}
		}
	}
}

func decodeRaw(v *Vector, n int, data []byte) error {
	switch {
	case v.Type.isInteger():
		w := v.Type.intWidth()
		if len(data) < n*w {
			return fmt.Errorf("column: raw int payload too short")
		}
		v.Ints = make([]int64, n)
		for i := 0; i < n; i++ {
			v.Ints[i] = readInt(data[i*w:], w)
		}
		return nil

	case v.Type == TypeFloat32:
		if len(data) < n*4 {
			return fmt.Errorf("column: raw float32 payload too short")
		}
		v.Floats = make([]float64, n)
		for i := 0; i < n; i++ {
			v.Floats[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
		return nil

	case v.Type == TypeFloat64:
		if len(data) < n*8 {
			return fmt.Errorf("column: raw float64 payload too short")
		}
		v.Floats = make([]float64, n)
		for i := 0; i < n; i++ {
			v.Floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return nil

	case v.Type == TypeBool:
		if len(data) < n {
			return fmt.Errorf("column: raw bool payload too short")
		}
		v.Bools = make([]bool, n)
		for i := 0; i < n; i++ {
			v.Bools[i] = data[i] != 0
		}
		return nil

	case v.Type == TypeString:
		v.Strings = make([]string, n)
		pos := 0
		for i := 0; i < n; i++ {
			if pos+4 > len(data) {
				return fmt.Errorf("column: raw string payload too short")
			}
			l := int(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
			if pos+l > len(data) {
				return fmt.Errorf("column: raw string value overruns payload")
			}
			v.Strings[i] = string(data[pos : pos+l])
			pos += l
		}
		return nil

	case v.Type == TypeBinary:
		v.Bytes = make([][]byte, n)
		pos := 0
		for i := 0; i < n; i++ {
			if pos+4 > len(data) {
				return fmt.Errorf("column: raw binary payload too short")
			}
			l := int(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
			if pos+l > len(data) {
				return fmt.Errorf("column: raw binary value overruns payload")
			}
			b := make([]byte, l)
			copy(b, data[pos:pos+l])
			v.Bytes[i] = b
			pos += l
		}
		return nil

	case v.Type == TypeGuid:
		if len(data) < n*16 {
			return fmt.Errorf("column: raw guid payload too short")
		}
		v.Guids = make([]uuid.UUID, n)
		for i := 0; i < n; i++ {
			copy(v.Guids[i][:], data[i*16:])
		}
		return nil

	default:
		return fmt.Errorf("column: raw decoding for %s", v.Type)
	}
}

func decodeDictionary(v *Vector, n int, data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("column: dictionary payload too short")
	}
	distinct := int(binary.LittleEndian.Uint32(data))
	pos := 4

	switch {
	case v.Type.isInteger():
		w := v.Type.intWidth()
		if pos+distinct*w > len(data) {
			return fmt.Errorf("column: dictionary entries overrun payload")
		}
		entries := make([]int64, distinct)
		for i := 0; i < distinct; i++ {
			entries[i] = readInt(data[pos:], w)
			pos += w
		}
		if pos+n*4 > len(data) {
			return fmt.Errorf("column: dictionary indices overrun payload")
		}
		v.Ints = make([]int64, n)
		for i := 0; i < n; i++ {
			if v.IsNull(i) {
				pos += 4
				continue
			}
			idx := int(int32(binary.LittleEndian.Uint32(data[pos:])))
			pos += 4
			if idx < 0 || idx >= distinct {
				return fmt.Errorf("column: dictionary index %d out of range", idx)
			}
			v.Ints[i] = entries[idx]
		}
		return nil

	case v.Type == TypeString:
		entries := make([]string, distinct)
		for i := 0; i < distinct; i++ {
			if pos+4 > len(data) {
				return fmt.Errorf("column: dictionary entries overrun payload")
			}
			l := int(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
			if pos+l > len(data) {
				return fmt.Errorf("column: dictionary entry overruns payload")
			}
			entries[i] = string(data[pos : pos+l])
			pos += l
		}
		if pos+n*4 > len(data) {
			return fmt.Errorf("column: dictionary indices overrun payload")
		}
		v.Strings = make([]string, n)
		for i := 0; i < n; i++ {
			if v.IsNull(i) {
				pos += 4
				continue
			}
			idx := int(int32(binary.LittleEndian.Uint32(data[pos:])))
			pos += 4
			if idx < 0 || idx >= distinct {
				return fmt.Errorf("column: dictionary index %d out of range", idx)
			}
			v.Strings[i] = entries[idx]
		}
		return nil

	default:
		return fmt.Errorf("column: dictionary decoding for %s", v.Type)
	}
}

func decodeDelta(v *Vector, n int, data []byte) error {
	if !v.Type.isInteger() {
		return fmt.Errorf("column: delta decoding for %s", v.Type)
	}
	if len(data) < 8+n*4 {
		return fmt.Errorf("column: delta payload too short")
	}
	base := int64(binary.LittleEndian.Uint64(data))
	v.Ints = make([]int64, n)
	prev := base
	first := true
	for i := 0; i < n; i++ {
		d := int64(int32(binary.LittleEndian.Uint32(data[8+i*4:])))
		if v.IsNull(i) {
			continue
		}
		if first {
			// The first non-null value is the base itself.
			v.Ints[i] = base
			prev = base
			first = false
			continue
		}
		prev += d
		v.Ints[i] = prev
	}
	return nil
}

func decodeRunLength(v *Vector, n int, data []byte) error {
	w := valueWidth(v.Type)

	switch {
	case v.Type.isInteger():
		v.Ints = make([]int64, 0, n)
	case v.Type.isFloat():
		v.Floats = make([]float64, 0, n)
	case v.Type == TypeBool:
		v.Bools = make([]bool, 0, n)
	default:
		return fmt.Errorf("column: run-length decoding for %s", v.Type)
	}

	pos := 0
	total := 0
	for total < n {
		if pos+w+4 > len(data) {
			return fmt.Errorf("column: run-length payload too short")
		}
		valueBytes := data[pos : pos+w]
		pos += w
		count := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if count == 0 || total+count > n {
			return fmt.Errorf("column: run-length counts do not sum to the value count")
		}
		for k := 0; k < count; k++ {
			switch {
			case v.Type.isInteger():
				v.Ints = append(v.Ints, int64(binary.LittleEndian.Uint64(valueBytes)))
			case v.Type.isFloat():
				v.Floats = append(v.Floats, math.Float64frombits(binary.LittleEndian.Uint64(valueBytes)))
			case v.Type == TypeBool:
				v.Bools = append(v.Bools, valueBytes[0] != 0)
			}
		}
		total += count
	}
	return nil
}

func readInt(buf []byte, width int) int64 {
	switch width {
	case 1:
		return int64(int8(buf[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	default:
		return int64(binary.LittleEndian.Uint64(buf))
	}
}
