package scdb

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/bits"
	"strconv"
	"strings"

	"github.com/sharpcoredb/scdb/pkg/crypto"
)

// aeadOverhead is the Poly1305 tag appended to every sealed payload.
const aeadOverhead = 16

// envelopeSize is the on-disk payload size for a sealed block: a
// plaintext prefix [nameLen:u16 | name | version:u64] followed by the
// ciphertext and tag. The prefix makes a frame self-describing, which
// is what lets repair rebuild the registry by scanning frames alone.
func envelopeSize(name string, plaintextLen int) int {
	return 2 + len(name) + 8 + plaintextLen + aeadOverhead
}

// sealEnvelope encrypts plaintext bound to (offset, version) and
// prefixes the block name and version in the clear so a scan can
// recover the nonce inputs without the registry.
func sealEnvelope(key []byte, name string, offset, version uint64, plaintext []byte) ([]byte, error) {
	ct, err := crypto.Seal(key, offset, version, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(name)+8+len(ct))
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(name)))
	out = append(out, nameLen[:]...)
	out = append(out, name...)
	var ver [8]byte
	binary.LittleEndian.PutUint64(ver[:], version)
	out = append(out, ver[:]...)
	out = append(out, ct...)
	return out, nil
}

// openEnvelope parses and decrypts a payload produced by sealEnvelope.
// The returned name and version come from the plaintext prefix; callers
// that resolved the block through the registry must verify the name
// matches what they asked for.
func openEnvelope(key []byte, offset uint64, payload []byte) (name string, version uint64, plaintext []byte, err error) {
	if len(payload) < 2+8+aeadOverhead {
		return "", 0, nil, crypto.ErrAuth
	}
	nameLen := int(binary.LittleEndian.Uint16(payload[0:2]))
	if 2+nameLen+8+aeadOverhead > len(payload) {
		return "", 0, nil, crypto.ErrAuth
	}
	name = string(payload[2 : 2+nameLen])
	version = binary.LittleEndian.Uint64(payload[2+nameLen : 2+nameLen+8])
	ct := payload[2+nameLen+8:]

	plaintext, err = crypto.Open(key, offset, version, ct)
	if err != nil {
		return "", 0, nil, err
	}
	return name, version, plaintext, nil
}

// allocSizeFor rounds a frame wrapping payloadLen payload bytes up to
// the next power of two. The minimum granule keeps every offset
// 8-aligned, which the repair scanner relies on.
func allocSizeFor(payloadLen int) uint64 {
	need := uint64(frameOverhead + payloadLen)
	if need < 32 {
		return 32
	}
	if bits.OnesCount64(need) == 1 {
		return need
	}
	return 1 << bits.Len64(need)
}

func readFull(r io.Reader, buf []byte) (int, error) { return io.ReadFull(r, buf) }

// nextVersion hands out the next global write version. Callers hold
// writerMu (or are single-threaded in Create/Open).
func (db *Db) nextVersion() uint64 {
	db.ver++
	return db.ver
}

// bumpVersionFloor raises the counter to at least seen, used while
// loading persisted state at open.
func (db *Db) bumpVersionFloor(seen uint64) {
	if seen > db.ver {
		db.ver = seen
	}
}

// allocate returns the offset of a free region of exactly size bytes,
// growing the file's high-water mark when the FSM has nothing large
// enough. Callers hold writerMu.
func (db *Db) allocate(size uint64) uint64 {
	off, err := db.fsm.Allocate(size)
	if err == nil {
		return off
	}
	off = db.fileEnd
	db.fileEnd += size
	return off
}

// writeHeader serializes and writes the 128-byte file header at offset
// zero. The generation counter is bumped through a full odd/even
// seqlock cycle so in-memory observers never see a half-updated header
// as stable.
func (db *Db) writeHeader() error {
	db.header.beginGenerationUpdate()
	db.header.endGenerationUpdate()
	buf := db.header.encode()
	if err := db.bs.WriteRaw(0, buf); err != nil {
		return wrap(ErrIO, withBlock("header"), withOffset(0))
	}
	return nil
}

// flushMetaLocked persists the registry and FSM directory blocks and
// rewrites the header to point at the new copies: write new copy,
// update the header pointer, free the old copy. Callers hold writerMu.
//
// The old registry/FSM regions are released in memory before the new
// FSM block is marshaled, so the persisted free list already reflects
// them. If the process dies before the header write lands, the header
// still points at the previous copies and the new regions merely leak
// until the next repair or full vacuum.
func (db *Db) flushMetaLocked() error {
	regPayload := db.registry.Marshal()
	regVersion := db.nextVersion()
	regAlloc := allocSizeFor(envelopeSize(registryBlockName, len(regPayload)))
	regOffset := db.allocate(regAlloc)

	// The FSM region is sized with slack for the extents the frees below
	// add, then the payload is zero-padded to the allocated capacity so
	// the frame length never outgrows the reservation.
	fsmVersion := db.nextVersion()
	fsmCapacity := 8 + 16*uint64(len(db.fsm.Extents())+8)
	fsmAlloc := allocSizeFor(envelopeSize(fsmBlockName, int(fsmCapacity)))
	fsmOffset := db.allocate(fsmAlloc)

	if db.header.RegistrySize > 0 {
		db.fsm.Release(db.header.RegistryOffset, allocSizeFor(envelopeSize(registryBlockName, int(db.header.RegistrySize))))
	}
	if db.header.FSMSize > 0 {
		db.fsm.Release(db.header.FSMOffset, allocSizeFor(envelopeSize(fsmBlockName, int(db.header.FSMSize))))
	}

	fsmPayload := db.fsm.Marshal()
	if uint64(len(fsmPayload)) < fsmCapacity {
		fsmPayload = append(fsmPayload, make([]byte, fsmCapacity-uint64(len(fsmPayload)))...)
	}

	regSealed, err := sealEnvelope(db.key, registryBlockName, regOffset, regVersion, regPayload)
	if err != nil {
		return wrap(ErrIO, withBlock(registryBlockName))
	}
	if err := db.bs.WriteFrame(int64(regOffset), regSealed); err != nil {
		return err
	}

	fsmSealed, err := sealEnvelope(db.key, fsmBlockName, fsmOffset, fsmVersion, fsmPayload)
	if err != nil {
		return wrap(ErrIO, withBlock(fsmBlockName))
	}
	if err := db.bs.WriteFrame(int64(fsmOffset), fsmSealed); err != nil {
		return err
	}

	db.header.RegistryOffset = regOffset
	db.header.RegistrySize = uint32(len(regPayload))
	db.header.RegistryVersion = regVersion
	db.header.FSMOffset = fsmOffset
	db.header.FSMSize = uint32(len(fsmPayload))
	db.header.FSMVersion = fsmVersion

	if err := db.writeHeader(); err != nil {
		return err
	}

	db.registry.clearDirty()
	db.fsm.clearDirty()
	return nil
}

// loadMeta reads the registry and FSM blocks the header points at and
// rebuilds the in-memory copies. A torn frame here is structural
// corruption of the directory itself; a frame that reads back intact
// but fails authentication means the derived key is wrong.
func (db *Db) loadMeta() error {
	if db.header.RegistrySize == 0 {
		return nil
	}

	sz, err := db.bs.Size()
	if err != nil {
		return err
	}
	db.fileEnd = uint64(sz)

	regPayload, err := db.bs.ReadFrame(int64(db.header.RegistryOffset))
	if err != nil {
		return wrap(ErrCorruption, withSeverity(SeverityFatal), withBlock(registryBlockName),
			withOffset(int64(db.header.RegistryOffset)),
			withSuggestion("registry frame is torn; run repair(Conservative) to rebuild it by scanning"))
	}
	name, _, regPlain, err := openEnvelope(db.key, db.header.RegistryOffset, regPayload)
	if err != nil {
		return wrap(ErrAuth, withBlock(registryBlockName),
			withSuggestion("wrong password, or the registry block has been tampered with"))
	}
	if name != registryBlockName {
		return newCorruption(SeverityFatal, registryBlockName, "registry frame names a different block; run repair(Conservative)")
	}
	reg, err := UnmarshalRegistry(regPlain)
	if err != nil {
		return newCorruption(SeverityFatal, registryBlockName, "registry payload is malformed; run repair(Conservative)")
	}
	db.registry = reg

	if db.header.FSMSize > 0 {
		fsmPayload, err := db.bs.ReadFrame(int64(db.header.FSMOffset))
		if err != nil {
			return wrap(ErrCorruption, withSeverity(SeverityFatal), withBlock(fsmBlockName),
				withOffset(int64(db.header.FSMOffset)),
				withSuggestion("free-space frame is torn; run repair(Conservative)"))
		}
		name, _, fsmPlain, err := openEnvelope(db.key, db.header.FSMOffset, fsmPayload)
		if err != nil {
			return wrap(ErrAuth, withBlock(fsmBlockName))
		}
		if name != fsmBlockName {
			return newCorruption(SeverityFatal, fsmBlockName, "free-space frame names a different block; run repair(Conservative)")
		}
		fsm, err := UnmarshalFSM(fsmPlain, uint64(db.header.PageSize))
		if err != nil {
			return newCorruption(SeverityFatal, fsmBlockName, "free-space payload is malformed; run repair(Conservative)")
		}
		db.fsm = fsm
	}

	return nil
}

// walSlotCapacity is the fixed allocation for one WAL segment block:
// room for the envelope around segmentSize bytes of records, rounded
// like any other allocation so the ring reuses extents cleanly.
func walSlotCapacity(segmentSize uint64) uint64 {
	return allocSizeFor(envelopeSize("wal:999999999", int(segmentSize)))
}

// WriteWalSegment persists one whole WAL segment buffer under its
// reserved block name. New segments are allocated and registered
// immediately, and the meta blocks are flushed so a crash can still
// find the segment during recovery; the fsync that makes it durable is
// the commit-path SyncWal.
func (db *Db) WriteWalSegment(name string, data []byte) error {
	capacity := walSlotCapacity(db.opts.WalSegmentSize)
	entry, ok := db.registry.Get(name)

	needed := uint64(frameOverhead + envelopeSize(name, len(data)))
	if ok && needed > allocSizeFor(int(entry.Size)) {
		// A single oversized record outgrew the slot; move the segment
		// to a larger region.
		db.fsm.Release(entry.Offset, allocSizeFor(int(entry.Size)))
		ok = false
	}
	if !ok {
		for capacity < needed {
			capacity *= 2
		}
		offset := db.allocate(capacity)
		entry = RegistryEntry{
			Name:    name,
			Offset:  offset,
			Size:    uint32(capacity - frameOverhead),
			Version: 1,
		}
		db.registry.Put(entry)
		if err := db.flushMetaLocked(); err != nil {
			return err
		}
	}

	sealed, err := sealEnvelope(db.key, name, entry.Offset, db.nextVersion(), data)
	if err != nil {
		return wrap(ErrIO, withBlock(name))
	}
	return db.bs.WriteFrame(int64(entry.Offset), sealed)
}

// ReadWalSegment reads one WAL segment back. Any failure to produce the
// plaintext — missing entry, torn frame, bad AEAD tag — is "the log ends
// here", never corruption.
func (db *Db) ReadWalSegment(name string) ([]byte, bool, error) {
	entry, ok := db.registry.Get(name)
	if !ok {
		return nil, false, nil
	}
	payload, err := db.bs.ReadFrame(int64(entry.Offset))
	if err != nil {
		return nil, false, nil
	}
	gotName, seq, plaintext, err := openEnvelope(db.key, entry.Offset, payload)
	if err != nil || gotName != name {
		return nil, false, nil
	}
	db.bumpVersionFloor(seq)
	return plaintext, true, nil
}

// SyncWal fsyncs the backing file, making every frame written so far
// durable in one barrier.
func (db *Db) SyncWal() error { return db.bs.Sync() }

// walSegmentIndices extracts the sorted indices of every registered
// "wal:<n>" block, used at open to rediscover the segment ring.
func (db *Db) walSegmentIndices() []uint64 {
	var indices []uint64
	db.registry.Iterate(func(e RegistryEntry) bool {
		if strings.HasPrefix(e.Name, walSegmentPrefix) {
			if n, err := strconv.ParseUint(e.Name[len(walSegmentPrefix):], 10, 64); err == nil {
				indices = append(indices, n)
			}
		}
		return true
	})
	return indices
}

// applyWrite makes a committed block write visible: allocate a region,
// seal the payload, write the frame, update the registry, release the
// previous copy. Callers hold writerMu.
func (db *Db) applyWrite(name string, data []byte) error {
	old, hadOld := db.registry.Get(name)
	version := db.nextVersion()

	alloc := allocSizeFor(envelopeSize(name, len(data)))
	offset := db.allocate(alloc)

	sealed, err := sealEnvelope(db.key, name, offset, version, data)
	if err != nil {
		return wrap(ErrIO, withBlock(name))
	}
	if err := db.bs.WriteFrame(int64(offset), sealed); err != nil {
		return err
	}

	db.registry.Put(RegistryEntry{
		Name:     name,
		Offset:   offset,
		Size:     uint32(len(sealed)),
		Checksum: sha256.Sum256(data),
		Version:  version,
	})
	if hadOld {
		db.fsm.Release(old.Offset, allocSizeFor(int(old.Size)))
	}
	db.cache.Invalidate(name)
	return nil
}

// applyDelete makes a committed block free visible. Callers hold
// writerMu.
func (db *Db) applyDelete(name string) {
	old, ok := db.registry.Get(name)
	if !ok {
		return
	}
	db.registry.Delete(name)
	db.fsm.Release(old.Offset, allocSizeFor(int(old.Size)))
	db.cache.Invalidate(name)
}

// checkpointLocked flushes all dirty state, appends a Checkpoint record
// at the current log head, and retires every fully-covered WAL
// segment. Callers hold writerMu.
func (db *Db) checkpointLocked() error {
	lsnCkpt := db.wal.NextLSN() - 1

	if err := db.cache.FlushDirty(db.wal.DurableLSN(), func(name string, buf []byte) error {
		return db.applyWrite(name, buf)
	}); err != nil {
		return err
	}

	db.header.LastCheckpointLSN = lsnCkpt
	if err := db.flushMetaLocked(); err != nil {
		return err
	}
	if _, err := db.wal.Checkpoint(lsnCkpt); err != nil {
		return err
	}
	if err := db.bs.Sync(); err != nil {
		return err
	}

	// Every record at or below lsnCkpt is durably reflected in the meta
	// blocks just written, so all segments except the open one can be
	// reclaimed. Their registry removal persists at the next flush;
	// recovery ignores their stale records via the checkpoint LSN.
	db.wal.mu.Lock()
	newest := db.wal.segments[len(db.wal.segments)-1]
	retired := db.wal.segments[:len(db.wal.segments)-1]
	db.wal.segments = []uint64{newest}
	db.wal.mu.Unlock()
	for _, s := range retired {
		db.applyDelete(walSegmentName(s))
	}

	db.walBytesSinceCkpt.Store(0)

	db.log.Debug().Uint64("lsn", lsnCkpt).Msg("checkpoint complete")
	return nil
}

// maybeCheckpointLocked runs a checkpoint when the WAL has grown past
// the configured byte budget since the previous one.
func (db *Db) maybeCheckpointLocked() error {
	if db.opts.CheckpointIntervalBytes == 0 {
		return nil
	}
	if db.walBytesSinceCkpt.Load() < db.opts.CheckpointIntervalBytes {
		return nil
	}
	return db.checkpointLocked()
}
