package scdb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

// frameLengthSize and frameCRCSize bound the per-frame overhead around a
// payload: [length:u32 | payload | crc32c:u32]. Length and checksum are
// verified on read before any decryption, so a torn write never reaches
// the crypto layer.
const (
	frameLengthSize = 4
	frameCRCSize    = 4
	frameOverhead   = frameLengthSize + frameCRCSize
)

// maxFrameBytes bounds a single frame to keep a corrupt length field
// from causing an unbounded allocation on read.
const maxFrameBytes = 1 << 30

// BlockStore performs framed, checksummed reads and writes against
// absolute byte offsets in one backing file.
//
// All I/O on the single backing file handle is serialized through one
// mutex.
type BlockStore struct {
	mu   sync.Mutex
	file scfs.File
}

// NewBlockStore wraps an already-open file handle.
func NewBlockStore(file scfs.File) *BlockStore {
	return &BlockStore{file: file}
}

// FrameSize returns the total on-disk size of a frame wrapping a
// payload of payloadLen bytes.
func FrameSize(payloadLen int) int64 {
	return int64(frameOverhead + payloadLen)
}

// WriteFrame writes payload (already encrypted, if applicable) framed
// with a length prefix and CRC32-Castagnoli suffix at offset.
func (bs *BlockStore) WriteFrame(offset int64, payload []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	frame := make([]byte, frameLengthSize+len(payload)+frameCRCSize)
	binary.LittleEndian.PutUint32(frame[:frameLengthSize], uint32(len(payload)))
	copy(frame[frameLengthSize:], payload)

	crc := crc32.Checksum(frame[:frameLengthSize+len(payload)], castagnoliTable)
	binary.LittleEndian.PutUint32(frame[frameLengthSize+len(payload):], crc)

	if _, err := bs.file.Seek(offset, io.SeekStart); err != nil {
		return wrap(ErrIO, withOffset(offset))
	}
	if _, err := bs.file.Write(frame); err != nil {
		return wrap(ErrIO, withOffset(offset))
	}
	return nil
}

// ReadFrame reads and validates the frame at offset, returning the
// decoded payload. A length mismatch or CRC mismatch returns
// [ErrFrameTorn]; callers decide whether that means "log ends here"
// (WAL context) or real corruption (data-block context).
func (bs *BlockStore) ReadFrame(offset int64) ([]byte, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	lenBuf := make([]byte, frameLengthSize)
	if _, err := bs.file.Seek(offset, io.SeekStart); err != nil {
		return nil, wrap(ErrIO, withOffset(offset))
	}
	if _, err := io.ReadFull(bs.file, lenBuf); err != nil {
		return nil, fmt.Errorf("%w: read length at %d: %v", ErrFrameTorn, offset, err)
	}

	payloadLen := binary.LittleEndian.Uint32(lenBuf)
	if payloadLen > maxFrameBytes {
		return nil, fmt.Errorf("%w: implausible length %d at %d", ErrFrameTorn, payloadLen, offset)
	}

	rest := make([]byte, int(payloadLen)+frameCRCSize)
	if _, err := io.ReadFull(bs.file, rest); err != nil {
		return nil, fmt.Errorf("%w: read payload at %d: %v", ErrFrameTorn, offset, err)
	}

	payload := rest[:payloadLen]
	storedCRC := binary.LittleEndian.Uint32(rest[payloadLen:])

	full := make([]byte, frameLengthSize+len(payload))
	copy(full, lenBuf)
	copy(full[frameLengthSize:], payload)
	computedCRC := crc32.Checksum(full, castagnoliTable)

	if storedCRC != computedCRC {
		return nil, fmt.Errorf("%w: crc mismatch at %d", ErrFrameTorn, offset)
	}

	return payload, nil
}

// WriteRaw writes bytes at offset with no framing. Used only for the
// fixed-size file header, which carries its own CRC.
func (bs *BlockStore) WriteRaw(offset int64, data []byte) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if _, err := bs.file.Seek(offset, io.SeekStart); err != nil {
		return wrap(ErrIO, withOffset(offset))
	}
	if _, err := bs.file.Write(data); err != nil {
		return wrap(ErrIO, withOffset(offset))
	}
	return nil
}

// Sync commits the backing file to stable storage.
func (bs *BlockStore) Sync() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.file.Sync(); err != nil {
		return wrap(ErrIO)
	}
	return nil
}

// Truncate shrinks the backing file to size bytes, when the underlying
// file supports it; file implementations without truncation (some test
// doubles) are a silent no-op, matching how the fault-injection layer
// treats them.
func (bs *BlockStore) Truncate(size int64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	type truncater interface{ Truncate(int64) error }
	if t, ok := bs.file.(truncater); ok {
		if err := t.Truncate(size); err != nil {
			return wrap(ErrIO, withOffset(size))
		}
	}
	return nil
}

// Size reports the current backing file size.
func (bs *BlockStore) Size() (int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	info, err := bs.file.Stat()
	if err != nil {
		return 0, wrap(ErrIO)
	}
	return info.Size(), nil
}

// ErrFrameTorn is wrapped by ReadFrame on any framing failure: short
// read, implausible length, or CRC mismatch.
var ErrFrameTorn = fmt.Errorf("blockstore: frame torn or corrupt")
