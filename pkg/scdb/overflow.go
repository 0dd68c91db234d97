package scdb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Overflow chains hold medium rows (between the inline and external
// thresholds) as a linked list of dedicated blocks. The
// first page stores {total-size, checksum, next-page} plus a payload
// prefix; subsequent pages store {next-page, payload-slice}.
const (
	// overflowChunkPayload bounds how much row payload one chain block
	// carries. 64 KiB keeps each block's allocation a single extent
	// while spanning the 256 KiB default threshold in a handful of
	// links.
	overflowChunkPayload = 64 << 10

	// overflowNoNext is the next-page sentinel for the last link.
	overflowNoNext = ^uint32(0)

	overflowFirstHeaderSize = 8 + 32 + 4
	overflowLinkHeaderSize  = 4
)

func overflowBlockName(table, chainID string, seq uint32) string {
	return fmt.Sprintf("overflow:%s:%s:%d", table, chainID, seq)
}

// writeOverflowChain stages a whole chain for row inside txn and
// returns the fresh chain id.
func (db *Db) writeOverflowChain(txn *Txn, table string, row []byte) (string, error) {
	id := uuid.New()
	chainID := hex.EncodeToString(id[:])
	checksum := rowChecksum(row)

	remaining := row
	seq := uint32(0)
	for first := true; first || len(remaining) > 0; first = false {
		take := len(remaining)
		if take > overflowChunkPayload {
			take = overflowChunkPayload
		}
		slice := remaining[:take]
		remaining = remaining[take:]

		next := overflowNoNext
		if len(remaining) > 0 {
			next = seq + 1
		}

		var block []byte
		if seq == 0 {
			block = make([]byte, overflowFirstHeaderSize+len(slice))
			binary.LittleEndian.PutUint64(block[0:8], uint64(len(row)))
			copy(block[8:40], checksum[:])
			binary.LittleEndian.PutUint32(block[40:44], next)
			copy(block[44:], slice)
		} else {
			block = make([]byte, overflowLinkHeaderSize+len(slice))
			binary.LittleEndian.PutUint32(block[0:4], next)
			copy(block[4:], slice)
		}

		if err := txn.WriteBlock(overflowBlockName(table, chainID, seq), block); err != nil {
			return "", err
		}
		seq++
	}
	return chainID, nil
}

// readOverflowChain walks the chain and reconstructs the row, verifying
// the head's stored SHA-256 over the reassembled payload.
func (db *Db) readOverflowChain(table, chainID string) ([]byte, error) {
	firstName := overflowBlockName(table, chainID, 0)
	first, err := db.ReadBlock(firstName)
	if err != nil {
		return nil, err
	}
	if len(first) < overflowFirstHeaderSize {
		return nil, newCorruption(SeveritySevere, firstName, "overflow head is truncated")
	}

	total := binary.LittleEndian.Uint64(first[0:8])
	var stored [32]byte
	copy(stored[:], first[8:40])
	next := binary.LittleEndian.Uint32(first[40:44])

	out := make([]byte, 0, total)
	out = append(out, first[overflowFirstHeaderSize:]...)

	for next != overflowNoNext {
		name := overflowBlockName(table, chainID, next)
		link, err := db.ReadBlock(name)
		if err != nil {
			return nil, err
		}
		if len(link) < overflowLinkHeaderSize {
			return nil, newCorruption(SeveritySevere, name, "overflow link is truncated")
		}
		next = binary.LittleEndian.Uint32(link[0:4])
		out = append(out, link[overflowLinkHeaderSize:]...)
		if uint64(len(out)) > total {
			return nil, newCorruption(SeveritySevere, name, "overflow chain is longer than its header claims")
		}
	}

	if uint64(len(out)) != total {
		return nil, newCorruption(SeveritySevere, firstName, "overflow chain is shorter than its header claims")
	}
	if got := rowChecksum(out); !bytes.Equal(got[:], stored[:]) {
		return nil, newCorruption(SeverityFatal, firstName,
			"overflow payload checksum mismatch; run validate(Deep) then repair(Conservative)")
	}
	return out, nil
}

// deleteOverflowChain stages removal of every link in txn.
func (db *Db) deleteOverflowChain(txn *Txn, table, chainID string) error {
	firstName := overflowBlockName(table, chainID, 0)
	first, err := txn.ReadBlock(firstName)
	if err != nil {
		return err
	}
	if len(first) < overflowFirstHeaderSize {
		return newCorruption(SeveritySevere, firstName, "overflow head is truncated")
	}
	next := binary.LittleEndian.Uint32(first[40:44])
	if err := txn.DeleteBlock(firstName); err != nil {
		return err
	}
	for next != overflowNoNext {
		name := overflowBlockName(table, chainID, next)
		link, err := txn.ReadBlock(name)
		if err != nil {
			return err
		}
		if len(link) < overflowLinkHeaderSize {
			return newCorruption(SeveritySevere, name, "overflow link is truncated")
		}
		next = binary.LittleEndian.Uint32(link[0:4])
		if err := txn.DeleteBlock(name); err != nil {
			return err
		}
	}
	return nil
}
