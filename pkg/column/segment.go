package column

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Segment framing: [preamble | Meta[] | per-column
// (NullBitmap, encoded-data)]. Columns are self-describing: the bytes
// alone are enough to decode, no side metadata.
const (
	segmentMagic   = 0x4C4F4353 // "SCOL"
	segmentVersion = 1
)

// zstdMinPayload gates the optional compression pass: payloads smaller
// than this never shrink enough to pay for the frame.
const zstdMinPayload = 512

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeSegment serializes cols into one self-describing segment.
// Every column must have the same value count, which becomes the
// segment's row count.
func EncodeSegment(segmentID uint64, cols []Named) ([]byte, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("column: segment needs at least one column")
	}
	rowCount := cols[0].Vec.Len()
	for _, c := range cols[1:] {
		if c.Vec.Len() != rowCount {
			return nil, fmt.Errorf("column: column %q has %d values, want %d", c.Name, c.Vec.Len(), rowCount)
		}
	}

	type encoded struct {
		meta Meta
		body []byte // nullbitmap followed by encoded values, possibly compressed
	}
	parts := make([]encoded, 0, len(cols))

	for ord, c := range cols {
		v := c.Vec
		stats, distinct := buildStats(&v)
		enc := selectEncoding(&v, distinct)
		values, err := encodeValues(&v, enc)
		if err != nil {
			return nil, err
		}

		bitmap := make([]byte, (rowCount+7)/8)
		if v.Nulls.AnyNull() {
			bitmap = v.Nulls.Packed()
		}

		body := make([]byte, 0, len(bitmap)+len(values))
		body = append(body, bitmap...)
		body = append(body, values...)
		uncompressed := uint64(len(body))

		compression := CompressionNone
		if len(body) >= zstdMinPayload {
			if z := zstdEncoder.EncodeAll(body, nil); len(z) < len(body) {
				body = z
				compression = CompressionZstd
			}
		}

		parts = append(parts, encoded{
			meta: Meta{
				Name:             c.Name,
				Ordinal:          uint32(ord),
				Type:             v.Type,
				Encoding:         enc,
				Compression:      compression,
				NullCount:        uint64(v.Nulls.NullCount()),
				ValueCount:       uint64(rowCount),
				DistinctCount:    distinct,
				EncodedSize:      uint64(len(body)),
				UncompressedSize: uncompressed,
				Stats:            stats,
			},
			body: body,
		})
	}

	out := make([]byte, 0, 64)
	out = binary.LittleEndian.AppendUint32(out, segmentMagic)
	out = binary.LittleEndian.AppendUint16(out, segmentVersion)
	out = binary.LittleEndian.AppendUint64(out, segmentID)
	out = binary.LittleEndian.AppendUint64(out, uint64(rowCount))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(parts)))

	for _, p := range parts {
		out = appendMeta(out, &p.meta)
	}
	for _, p := range parts {
		out = binary.LittleEndian.AppendUint64(out, uint64(len(p.body)))
		out = append(out, p.body...)
	}
	return out, nil
}

// EncodeColumn is the single-column convenience over EncodeSegment.
func EncodeColumn(name string, v Vector) ([]byte, error) {
	return EncodeSegment(0, []Named{{Name: name, Vec: v}})
}

// DecodeSegment parses and fully decodes a segment produced by
// EncodeSegment.
func DecodeSegment(data []byte) (*Segment, error) {
	metas, bodies, seg, err := parseSegment(data)
	if err != nil {
		return nil, err
	}
	for i, meta := range metas {
		body := bodies[i]
		if meta.Compression == CompressionZstd {
			body, err = zstdDecoder.DecodeAll(body, nil)
			if err != nil {
				return nil, fmt.Errorf("column: decompress column %q: %w", meta.Name, err)
			}
		}
		bitmapLen := (int(meta.ValueCount) + 7) / 8
		if len(body) < bitmapLen {
			return nil, fmt.Errorf("column: column %q body shorter than its bitmap", meta.Name)
		}
		var nulls *NullMask
		if meta.NullCount > 0 {
			nulls = MaskFromPacked(body[:bitmapLen], int(meta.ValueCount))
		}
		vec, err := decodeValues(meta.Type, meta.Encoding, int(meta.ValueCount), nulls, body[bitmapLen:])
		if err != nil {
			return nil, fmt.Errorf("column: decode column %q: %w", meta.Name, err)
		}
		seg.Columns = append(seg.Columns, Column{Meta: meta, Vec: vec})
	}
	return seg, nil
}

// DecodeColumn decodes a single-column segment.
func DecodeColumn(data []byte) (Vector, Meta, error) {
	seg, err := DecodeSegment(data)
	if err != nil {
		return Vector{}, Meta{}, err
	}
	if len(seg.Columns) != 1 {
		return Vector{}, Meta{}, fmt.Errorf("column: expected one column, segment has %d", len(seg.Columns))
	}
	return seg.Columns[0].Vec, seg.Columns[0].Meta, nil
}

// ReadStats parses only the metadata section, skipping value decoding
// entirely.
func ReadStats(data []byte) ([]Meta, error) {
	metas, _, _, err := parseSegment(data)
	return metas, err
}

func parseSegment(data []byte) ([]Meta, [][]byte, *Segment, error) {
	if len(data) < 4+2+8+8+4 {
		return nil, nil, nil, fmt.Errorf("column: segment preamble too short")
	}
	if binary.LittleEndian.Uint32(data) != segmentMagic {
		return nil, nil, nil, fmt.Errorf("column: bad segment magic")
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != segmentVersion {
		return nil, nil, nil, fmt.Errorf("column: unsupported segment version %d", v)
	}
	seg := &Segment{
		ID:       binary.LittleEndian.Uint64(data[6:]),
		RowCount: binary.LittleEndian.Uint64(data[14:]),
	}
	colCount := int(binary.LittleEndian.Uint32(data[22:]))
	pos := 26

	metas := make([]Meta, 0, colCount)
	for i := 0; i < colCount; i++ {
		meta, n, err := parseMeta(data[pos:])
		if err != nil {
			return nil, nil, nil, err
		}
		if meta.ValueCount != seg.RowCount {
			return nil, nil, nil, fmt.Errorf("column: column %q value count %d != row count %d",
				meta.Name, meta.ValueCount, seg.RowCount)
		}
		metas = append(metas, meta)
		pos += n
	}

	bodies := make([][]byte, 0, colCount)
	for i := 0; i < colCount; i++ {
		if pos+8 > len(data) {
			return nil, nil, nil, fmt.Errorf("column: segment truncated before column %d body", i)
		}
		l := int(binary.LittleEndian.Uint64(data[pos:]))
		pos += 8
		if pos+l > len(data) {
			return nil, nil, nil, fmt.Errorf("column: column %d body overruns segment", i)
		}
		bodies = append(bodies, data[pos:pos+l])
		pos += l
	}
	return metas, bodies, seg, nil
}

func appendMeta(buf []byte, m *Meta) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Name)))
	buf = append(buf, m.Name...)
	buf = binary.LittleEndian.AppendUint32(buf, m.Ordinal)
	buf = append(buf, byte(m.Type), byte(m.Encoding), byte(m.Compression))
	buf = binary.LittleEndian.AppendUint64(buf, m.NullCount)
	buf = binary.LittleEndian.AppendUint64(buf, m.ValueCount)
	buf = binary.LittleEndian.AppendUint64(buf, m.DistinctCount)
	buf = binary.LittleEndian.AppendUint64(buf, m.EncodedSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.UncompressedSize)

	var flags byte
	if m.Stats.HasMinMax {
		flags |= 1
	}
	buf = append(buf, flags)
	if m.Stats.HasMinMax {
		buf = appendDatum(buf, m.Type, m.Stats.Min)
		buf = appendDatum(buf, m.Type, m.Stats.Max)
	}
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(m.Stats.HistLower))
	buf = append(buf, byte(len(m.Stats.Histogram)))
	for _, b := range m.Stats.Histogram {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(b.UpperBound))
		buf = binary.LittleEndian.AppendUint64(buf, b.Count)
	}
	return buf
}

func parseMeta(data []byte) (Meta, int, error) {
	var m Meta
	if len(data) < 2 {
		return m, 0, fmt.Errorf("column: meta truncated")
	}
	nameLen := int(binary.LittleEndian.Uint16(data))
	pos := 2
	if pos+nameLen+4+3+8*5+1 > len(data) {
		return m, 0, fmt.Errorf("column: meta truncated")
	}
	m.Name = string(data[pos : pos+nameLen])
	pos += nameLen
	m.Ordinal = binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	m.Type = Type(data[pos])
	m.Encoding = Encoding(data[pos+1])
	m.Compression = Compression(data[pos+2])
	pos += 3
	m.NullCount = binary.LittleEndian.Uint64(data[pos:])
	m.ValueCount = binary.LittleEndian.Uint64(data[pos+8:])
	m.DistinctCount = binary.LittleEndian.Uint64(data[pos+16:])
	m.EncodedSize = binary.LittleEndian.Uint64(data[pos+24:])
	m.UncompressedSize = binary.LittleEndian.Uint64(data[pos+32:])
	pos += 40

	flags := data[pos]
	pos++
	if flags&1 != 0 {
		var err error
		m.Stats.HasMinMax = true
		m.Stats.Min, pos, err = parseDatum(data, pos, m.Type)
		if err != nil {
			return m, 0, err
		}
		m.Stats.Max, pos, err = parseDatum(data, pos, m.Type)
		if err != nil {
			return m, 0, err
		}
	}
	if pos+9 > len(data) {
		return m, 0, fmt.Errorf("column: meta histogram truncated")
	}
	m.Stats.HistLower = math.Float64frombits(binary.LittleEndian.Uint64(data[pos:]))
	pos += 8
	buckets := int(data[pos])
	pos++
	if pos+buckets*16 > len(data) {
		return m, 0, fmt.Errorf("column: meta histogram truncated")
	}
	for i := 0; i < buckets; i++ {
		m.Stats.Histogram = append(m.Stats.Histogram, HistogramBucket{
			UpperBound: math.Float64frombits(binary.LittleEndian.Uint64(data[pos:])),
			Count:      binary.LittleEndian.Uint64(data[pos+8:]),
		})
		pos += 16
	}

	// Stats validity: reject metadata that could
	// not have been produced by the encoder.
	if m.NullCount > m.ValueCount || m.DistinctCount > m.ValueCount-m.NullCount {
		return m, 0, fmt.Errorf("column: column %q statistics are inconsistent", m.Name)
	}
	return m, pos, nil
}

func appendDatum(buf []byte, t Type, d Datum) []byte {
	switch {
	case t.isInteger():
		return binary.LittleEndian.AppendUint64(buf, uint64(d.I))
	case t.isFloat():
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(d.F))
	case t == TypeString:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.S)))
		return append(buf, d.S...)
	default:
		return binary.LittleEndian.AppendUint64(buf, 0)
	}
}

func parseDatum(data []byte, pos int, t Type) (Datum, int, error) {
	switch {
	case t == TypeString:
		if pos+4 > len(data) {
			return Datum{}, 0, fmt.Errorf("column: datum truncated")
		}
		l := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+l > len(data) {
			return Datum{}, 0, fmt.Errorf("column: datum truncated")
		}
		return Datum{S: string(data[pos : pos+l])}, pos + l, nil
	default:
		if pos+8 > len(data) {
			return Datum{}, 0, fmt.Errorf("column: datum truncated")
		}
		raw := binary.LittleEndian.Uint64(data[pos:])
		pos += 8
		if t.isFloat() {
			return Datum{F: math.Float64frombits(raw)}, pos, nil
		}
		return Datum{I: int64(raw)}, pos, nil
	}
}
