package scdb

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// StorageTier identifies where a row's bytes live.
type StorageTier uint8

const (
	TierInline StorageTier = iota
	TierOverflow
	TierExternal
)

func (t StorageTier) String() string {
	switch t {
	case TierInline:
		return "Inline"
	case TierOverflow:
		return "Overflow"
	case TierExternal:
		return "External"
	default:
		return "Unknown"
	}
}

// FilePointer locates an externalized row payload by file id, path
// relative to the database directory, size, and SHA-256.
type FilePointer struct {
	FileID       uuid.UUID
	RelativePath string
	Size         uint64
	Checksum     [32]byte
}

// StorageRef is the caller-held handle to a stored row. Every row,
// whatever its tier, owns a stable (table, page, slot) anchor; the page
// slot holds either the row itself, an overflow-chain pointer, or the
// FilePointer, stored inline where the row would have lived.
type StorageRef struct {
	Table  string
	PageID uint64
	Slot   uint32
	Tier   StorageTier
	Chain  string      // overflow tier only
	File   FilePointer // external tier only
}

func (r StorageRef) String() string {
	return fmt.Sprintf("%s/page:%d/slot:%d (%s)", r.Table, r.PageID, r.Slot, r.Tier)
}

// selectTier picks a storage tier from the payload size alone.
func (db *Db) selectTier(size int) StorageTier {
	switch {
	case uint32(size) <= db.opts.InlineThreshold:
		return TierInline
	case uint32(size) <= db.opts.OverflowThreshold:
		return TierOverflow
	default:
		return TierExternal
	}
}

func pageBlockName(table string, id uint64) string {
	return fmt.Sprintf("page:%s:%d", table, id)
}

// tablePageIDs returns the sorted page ids currently registered for
// table.
func (db *Db) tablePageIDs(table string) []uint64 {
	prefix := "page:" + table + ":"
	var ids []uint64
	db.registry.Iterate(func(e RegistryEntry) bool {
		if strings.HasPrefix(e.Name, prefix) {
			if n, err := strconv.ParseUint(e.Name[len(prefix):], 10, 64); err == nil {
				ids = append(ids, n)
			}
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// placeRowPayload finds (or creates) a page with room for payload and
// stores it, returning the page id and slot. payload already carries
// its row-kind byte.
func (db *Db) placeRowPayload(txn *Txn, table string, payload []byte) (uint64, uint32, error) {
	ids := db.tablePageIDs(table)
	for _, id := range ids {
		raw, err := txn.ReadBlock(pageBlockName(table, id))
		if err != nil {
			continue
		}
		p, err := parsePage(raw)
		if err != nil {
			return 0, 0, newCorruption(SeveritySevere, pageBlockName(table, id), "page is malformed; run validate(Standard)")
		}
		slot, ok := p.insert(payload)
		if !ok {
			continue
		}
		if err := txn.WriteBlock(pageBlockName(table, id), p.serialize()); err != nil {
			return 0, 0, err
		}
		return id, slot, nil
	}

	var nextID uint64
	if len(ids) > 0 {
		nextID = ids[len(ids)-1] + 1
	}
	p := newPage(db.header.PageSize)
	slot, ok := p.insert(payload)
	if !ok {
		return 0, 0, wrap(ErrCapacityExceeded, withSuggestion("row payload exceeds page capacity; lower inline_threshold"))
	}
	if err := txn.WriteBlock(pageBlockName(table, nextID), p.serialize()); err != nil {
		return 0, 0, err
	}
	return nextID, slot, nil
}

// RowPut stores row under table, picking the tier by size,
// and returns the reference the caller must retain to read it back.
func (db *Db) RowPut(table string, row []byte) (StorageRef, error) {
	if db.closed.Load() {
		return StorageRef{}, wrap(ErrClosed)
	}

	tier := db.selectTier(len(row))
	txn, err := db.Begin()
	if err != nil {
		return StorageRef{}, err
	}
	defer txn.Rollback()

	ref := StorageRef{Table: table, Tier: tier}

	var payload []byte
	switch tier {
	case TierInline:
		payload = append([]byte{rowKindInline}, row...)

	case TierOverflow:
		chainID, err := db.writeOverflowChain(txn, table, row)
		if err != nil {
			return StorageRef{}, err
		}
		ref.Chain = chainID
		payload = encodeOverflowPointer(chainID, uint64(len(row)))

	case TierExternal:
		fp, err := db.writeBlob(row)
		if err != nil {
			return StorageRef{}, err
		}
		ref.File = fp
		payload = encodeFilePointer(fp)
	}

	pageID, slot, err := db.placeRowPayload(txn, table, payload)
	if err != nil {
		if tier == TierExternal {
			db.removeBlob(ref.File) // do not leave an orphan behind a failed put
		}
		return StorageRef{}, err
	}
	ref.PageID = pageID
	ref.Slot = slot

	if err := txn.Commit(); err != nil {
		if tier == TierExternal {
			db.removeBlob(ref.File)
		}
		return StorageRef{}, err
	}
	return ref, nil
}

// RowGet reads a row back through its reference, whatever tier it
// landed in.
func (db *Db) RowGet(ref StorageRef) ([]byte, error) {
	if db.closed.Load() {
		return nil, wrap(ErrClosed)
	}

	raw, err := db.ReadBlock(pageBlockName(ref.Table, ref.PageID))
	if err != nil {
		return nil, err
	}
	p, err := parsePage(raw)
	if err != nil {
		return nil, newCorruption(SeveritySevere, pageBlockName(ref.Table, ref.PageID), "page is malformed; run validate(Standard)")
	}
	payload, ok := p.get(ref.Slot)
	if !ok || len(payload) == 0 {
		return nil, wrap(ErrNotFound, withSuggestion(ref.String()))
	}

	switch payload[0] {
	case rowKindInline:
		out := make([]byte, len(payload)-1)
		copy(out, payload[1:])
		return out, nil

	case rowKindOverflow:
		chainID, _, err := decodeOverflowPointer(payload)
		if err != nil {
			return nil, newCorruption(SeveritySevere, pageBlockName(ref.Table, ref.PageID), "overflow pointer is malformed")
		}
		return db.readOverflowChain(ref.Table, chainID)

	case rowKindExternal:
		fp, err := decodeFilePointer(payload)
		if err != nil {
			return nil, newCorruption(SeveritySevere, pageBlockName(ref.Table, ref.PageID), "file pointer is malformed")
		}
		return db.readBlob(fp)

	default:
		return nil, newCorruption(SeveritySevere, pageBlockName(ref.Table, ref.PageID), "unknown row kind")
	}
}

// RowUpdate replaces a row's bytes, re-tiering as the new size demands,
// and returns the new reference.
func (db *Db) RowUpdate(ref StorageRef, row []byte) (StorageRef, error) {
	if err := db.RowDelete(ref); err != nil {
		return StorageRef{}, err
	}
	return db.RowPut(ref.Table, row)
}

// RowDelete removes a row and every byte it owns in any tier. External
// blob files are removed eagerly, so a deleted row never lingers as an
// orphan.
func (db *Db) RowDelete(ref StorageRef) error {
	if db.closed.Load() {
		return wrap(ErrClosed)
	}

	txn, err := db.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	name := pageBlockName(ref.Table, ref.PageID)
	raw, err := txn.ReadBlock(name)
	if err != nil {
		return err
	}
	p, err := parsePage(raw)
	if err != nil {
		return newCorruption(SeveritySevere, name, "page is malformed; run validate(Standard)")
	}
	payload, ok := p.get(ref.Slot)
	if !ok {
		return wrap(ErrNotFound, withSuggestion(ref.String()))
	}

	var blob *FilePointer
	switch payload[0] {
	case rowKindOverflow:
		chainID, _, err := decodeOverflowPointer(payload)
		if err == nil {
			if err := db.deleteOverflowChain(txn, ref.Table, chainID); err != nil {
				return err
			}
		}
	case rowKindExternal:
		if fp, err := decodeFilePointer(payload); err == nil {
			blob = &fp
		}
	}

	p.delete(ref.Slot)
	if p.liveRows() == 0 {
		if err := txn.DeleteBlock(name); err != nil {
			return err
		}
	} else {
		if err := txn.WriteBlock(name, p.serialize()); err != nil {
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	if blob != nil {
		db.removeBlob(*blob)
	}
	return nil
}

// encodeFilePointer serializes fp behind a rowKindExternal tag.
func encodeFilePointer(fp FilePointer) []byte {
	buf := make([]byte, 0, 1+16+2+len(fp.RelativePath)+8+32)
	buf = append(buf, rowKindExternal)
	buf = append(buf, fp.FileID[:]...)
	var pathLen [2]byte
	binary.LittleEndian.PutUint16(pathLen[:], uint16(len(fp.RelativePath)))
	buf = append(buf, pathLen[:]...)
	buf = append(buf, fp.RelativePath...)
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], fp.Size)
	buf = append(buf, size[:]...)
	buf = append(buf, fp.Checksum[:]...)
	return buf
}

func decodeFilePointer(payload []byte) (FilePointer, error) {
	if len(payload) < 1+16+2 || payload[0] != rowKindExternal {
		return FilePointer{}, fmt.Errorf("row: not a file pointer")
	}
	var fp FilePointer
	copy(fp.FileID[:], payload[1:17])
	pathLen := int(binary.LittleEndian.Uint16(payload[17:19]))
	if 19+pathLen+8+32 > len(payload) {
		return FilePointer{}, fmt.Errorf("row: truncated file pointer")
	}
	fp.RelativePath = string(payload[19 : 19+pathLen])
	fp.Size = binary.LittleEndian.Uint64(payload[19+pathLen:])
	copy(fp.Checksum[:], payload[19+pathLen+8:])
	return fp, nil
}

// encodeOverflowPointer serializes a chain reference behind a
// rowKindOverflow tag.
func encodeOverflowPointer(chainID string, total uint64) []byte {
	buf := make([]byte, 0, 1+2+len(chainID)+8)
	buf = append(buf, rowKindOverflow)
	var idLen [2]byte
	binary.LittleEndian.PutUint16(idLen[:], uint16(len(chainID)))
	buf = append(buf, idLen[:]...)
	buf = append(buf, chainID...)
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], total)
	buf = append(buf, sz[:]...)
	return buf
}

func decodeOverflowPointer(payload []byte) (string, uint64, error) {
	if len(payload) < 1+2 || payload[0] != rowKindOverflow {
		return "", 0, fmt.Errorf("row: not an overflow pointer")
	}
	idLen := int(binary.LittleEndian.Uint16(payload[1:3]))
	if 3+idLen+8 > len(payload) {
		return "", 0, fmt.Errorf("row: truncated overflow pointer")
	}
	chainID := string(payload[3 : 3+idLen])
	total := binary.LittleEndian.Uint64(payload[3+idLen:])
	return chainID, total, nil
}

// rowChecksum is the integrity hash stored alongside overflow chains
// and external blobs.
func rowChecksum(row []byte) [32]byte { return sha256.Sum256(row) }
