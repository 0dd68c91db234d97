package scdb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// WalKind identifies a WAL record's role.
type WalKind uint8

const (
	WalBeginTxn WalKind = iota + 1
	WalBlockWrite
	WalBlockFree
	WalCommitTxn
	WalAbortTxn
	WalCheckpoint
)

func (k WalKind) String() string {
	switch k {
	case WalBeginTxn:
		return "BeginTxn"
	case WalBlockWrite:
		return "BlockWrite"
	case WalBlockFree:
		return "BlockFree"
	case WalCommitTxn:
		return "CommitTxn"
	case WalAbortTxn:
		return "AbortTxn"
	case WalCheckpoint:
		return "Checkpoint"
	default:
		return "Unknown"
	}
}

// WalRecord is one decoded WAL entry.
type WalRecord struct {
	LSN       uint64
	Kind      WalKind
	TxnID     uint64
	BlockName string
	Payload   []byte // after-image for BlockWrite; empty otherwise
}

// walSegmentPrefix names every WAL block.
const walSegmentPrefix = "wal:"

func walSegmentName(n uint64) string { return fmt.Sprintf("%s%d", walSegmentPrefix, n) }

// walIO is the narrow persistence contract the WAL needs from its host
// (the storage provider facade), decoupling WAL unit tests from a
// concrete BlockStore/Registry pairing.
type walIO interface {
	WriteWalSegment(name string, data []byte) error
	ReadWalSegment(name string) ([]byte, bool, error)
	SyncWal() error
}

// Wal is the write-ahead log: a circular sequence of
// fixed-size segments, each a named block, holding the durable record
// of intended block writes ahead of the page cache making them visible.
type Wal struct {
	mu sync.Mutex

	io          walIO
	segmentSize uint64

	segments   []uint64 // oldest..newest segment indices still retained
	curBuf     []byte   // accumulated record bytes for the newest (open) segment

	nextLSN    uint64
	durableLSN uint64
}

// NewWal returns an empty WAL starting LSNs at 1 and writing into a
// fresh segment 0.
func NewWal(io walIO, segmentSize uint64) *Wal {
	return &Wal{
		io:          io,
		segmentSize: segmentSize,
		segments:    []uint64{0},
		nextLSN:     1,
	}
}

// NextLSN previews the LSN the next Append call will assign.
func (w *Wal) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// DurableLSN returns the highest LSN known to be fsynced.
func (w *Wal) DurableLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durableLSN
}

// Append encodes and persists one record, rotating to a new segment
// first if it would not fit. It does not itself fsync; callers that
// need durability (commit, checkpoint) call Sync afterward. Returns
// the assigned LSN.
func (w *Wal) Append(kind WalKind, txnID uint64, blockName string, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	rec := encodeWalRecord(lsn, kind, txnID, blockName, payload)

	if uint64(len(w.curBuf)+len(rec)) > w.segmentSize && len(w.curBuf) > 0 {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	w.curBuf = append(w.curBuf, rec...)
	name := walSegmentName(w.segments[len(w.segments)-1])
	if err := w.io.WriteWalSegment(name, w.curBuf); err != nil {
		return 0, wrap(ErrIO, withBlock(name))
	}

	w.nextLSN++
	return lsn, nil
}

func (w *Wal) rotateLocked() error {
	next := w.segments[len(w.segments)-1] + 1
	w.segments = append(w.segments, next)
	w.curBuf = nil
	return nil
}

// Sync fsyncs the underlying file and, on success, advances DurableLSN
// to the LSN just appended. Commit is the moment this returns nil
// after a CommitTxn append.
func (w *Wal) Sync(upToLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.io.SyncWal(); err != nil {
		return wrap(ErrIO, withSuggestion("wal fsync failed"))
	}
	if upToLSN > w.durableLSN {
		w.durableLSN = upToLSN
	}
	return nil
}

// Checkpoint appends a Checkpoint record for lsnCkpt and syncs it,
// returning the record's LSN. It does not retire segments: dropping
// them from the ring and deleting their blocks is left to the caller,
// since that requires coordinating with the registry/FSM.
func (w *Wal) Checkpoint(lsnCkpt uint64) (uint64, error) {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], lsnCkpt)
	lsn, err := w.Append(WalCheckpoint, 0, "", payload[:])
	if err != nil {
		return 0, err
	}
	if err := w.Sync(lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// RetiredSegments returns the names of segments whose records are
// entirely below lsnCkpt and are therefore safe to reuse or truncate.
// The newest (currently open) segment is never retired.
func (w *Wal) RetiredSegments(records []WalRecord, lsnCkpt uint64) []string {
	w.mu.Lock()
	newest := w.segments[len(w.segments)-1]
	segs := append([]uint64(nil), w.segments...)
	w.mu.Unlock()

	// Segment membership isn't tracked per-LSN in this layout (each
	// segment is one growing buffer), so retirement is conservative:
	// every segment older than the currently-open one is retired only
	// if every record the caller tracked already sits below lsnCkpt.
	var retired []string
	for _, s := range segs {
		if s == newest {
			continue
		}
		retired = append(retired, walSegmentName(s))
	}

	allBelow := true
	for _, r := range records {
		if r.LSN >= lsnCkpt {
			allBelow = false
			break
		}
	}
	if !allBelow {
		return nil
	}
	sort.Slice(retired, func(i, j int) bool { return retired[i] < retired[j] })
	return retired
}

// Replay decodes every segment from oldest to newest and returns the
// records belonging to committed transactions only. Decoding stops at
// the first record with a bad CRC in a given segment; that is the end
// of the durable log, not an error.
func (w *Wal) Replay() ([]WalRecord, error) {
	w.mu.Lock()
	segs := append([]uint64(nil), w.segments...)
	w.mu.Unlock()

	var all []WalRecord
	committed := map[uint64]bool{}
	pending := map[uint64][]WalRecord{}

	for _, s := range segs {
		name := walSegmentName(s)
		buf, ok, err := w.io.ReadWalSegment(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		pos := 0
		for pos < len(buf) {
			rec, n, ok := decodeWalRecord(buf[pos:])
			if !ok {
				break // bad CRC / truncated: log ends here, not corruption
			}
			pos += n

			switch rec.Kind {
			case WalBeginTxn:
				pending[rec.TxnID] = nil
			case WalBlockWrite, WalBlockFree:
				pending[rec.TxnID] = append(pending[rec.TxnID], rec)
			case WalCommitTxn:
				committed[rec.TxnID] = true
				all = append(all, pending[rec.TxnID]...)
				delete(pending, rec.TxnID)
			case WalAbortTxn:
				delete(pending, rec.TxnID)
			case WalCheckpoint:
				// not replayed as a data record; marks replay origin only
			}
			if rec.LSN >= w.nextLSN {
				w.nextLSN = rec.LSN + 1
			}
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LSN < all[j].LSN })
	return all, nil
}

// encodeWalRecord frames one record as
// [lsn:u64 | kind:u8 | payload-len:u32 | payload | crc32:u32], with
// txnID and blockName folded into the payload.
func encodeWalRecord(lsn uint64, kind WalKind, txnID uint64, blockName string, after []byte) []byte {
	inner := make([]byte, 0, 8+2+len(blockName)+len(after))
	var txnBuf [8]byte
	binary.LittleEndian.PutUint64(txnBuf[:], txnID)
	inner = append(inner, txnBuf[:]...)

	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(blockName)))
	inner = append(inner, nameLen[:]...)
	inner = append(inner, blockName...)
	inner = append(inner, after...)

	out := make([]byte, 8+1+4+len(inner)+4)
	binary.LittleEndian.PutUint64(out[0:8], lsn)
	out[8] = byte(kind)
	binary.LittleEndian.PutUint32(out[9:13], uint32(len(inner)))
	copy(out[13:], inner)

	crc := crc32.Checksum(out[:13+len(inner)], castagnoliTable)
	binary.LittleEndian.PutUint32(out[13+len(inner):], crc)
	return out
}

// validWalPrefixLen returns the length of the longest prefix of buf
// that decodes as a clean sequence of records; appends after recovery
// extend this prefix so the torn tail (if any) is overwritten.
func validWalPrefixLen(buf []byte) int {
	pos := 0
	for pos < len(buf) {
		_, n, ok := decodeWalRecord(buf[pos:])
		if !ok {
			break
		}
		pos += n
	}
	return pos
}

// decodeWalRecord decodes one record from the head of buf, returning
// the record, the number of bytes consumed, and whether decoding
// succeeded. ok=false (with n meaningless) means "stop here."
func decodeWalRecord(buf []byte) (WalRecord, int, bool) {
	if len(buf) < 13 {
		return WalRecord{}, 0, false
	}
	lsn := binary.LittleEndian.Uint64(buf[0:8])
	kind := WalKind(buf[8])
	payloadLen := binary.LittleEndian.Uint32(buf[9:13])

	total := 13 + int(payloadLen) + 4
	if payloadLen > maxFrameBytes || total > len(buf) {
		return WalRecord{}, 0, false
	}

	crc := crc32.Checksum(buf[:13+int(payloadLen)], castagnoliTable)
	stored := binary.LittleEndian.Uint32(buf[13+int(payloadLen):])
	if crc != stored {
		return WalRecord{}, 0, false
	}

	inner := buf[13 : 13+int(payloadLen)]
	if len(inner) < 10 {
		return WalRecord{}, 0, false
	}
	txnID := binary.LittleEndian.Uint64(inner[0:8])
	nameLen := int(binary.LittleEndian.Uint16(inner[8:10]))
	if 10+nameLen > len(inner) {
		return WalRecord{}, 0, false
	}
	name := string(inner[10 : 10+nameLen])
	payload := inner[10+nameLen:]

	return WalRecord{
		LSN:       lsn,
		Kind:      kind,
		TxnID:     txnID,
		BlockName: name,
		Payload:   append([]byte(nil), payload...),
	}, total, true
}
