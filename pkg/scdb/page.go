package scdb

import (
	"encoding/binary"
	"fmt"
)

// Row-oriented page layout inside a block:
// [header | slot-directory | free-space | row-heap]. Slots grow from
// low offsets, the row heap grows down from the page end, and they meet
// at the free-space frontier. A slot index is stable for the life of
// its row; deleting a row zeroes the slot but never renumbers others.
const (
	pageMagic      = 0x31474250 // "PBG1" little-endian
	pageHeaderSize = 4 + 4 + 4 + 8
	pageSlotSize   = 8 // offset:u32 | length:u32
)

// rowKind tags the first byte of every stored row payload so a page is
// self-describing about which tier the row actually lives in.
const (
	rowKindInline   byte = 0
	rowKindExternal byte = 1
	rowKindOverflow byte = 2
)

type pageSlot struct {
	offset uint32 // 0 = free slot
	length uint32
}

type page struct {
	size         uint32
	slots        []pageSlot
	overflowNext uint64
	rows         map[uint32][]byte // live slot -> payload (kind byte included)
}

func newPage(size uint32) *page {
	return &page{size: size, rows: make(map[uint32][]byte)}
}

// freeBytes reports how much payload the page can still take for one
// more row, accounting for the slot-directory entry it would need.
func (p *page) freeBytes() uint32 {
	used := uint32(pageHeaderSize) + uint32(len(p.slots))*pageSlotSize
	for _, data := range p.rows {
		used += uint32(len(data))
	}
	if used+pageSlotSize >= p.size {
		return 0
	}
	return p.size - used - pageSlotSize
}

// insert places data into the first free slot (or a new one) and
// returns its stable slot index. ok=false means the page cannot fit it.
func (p *page) insert(data []byte) (uint32, bool) {
	if uint32(len(data)) > p.freeBytes() {
		return 0, false
	}
	for i := range p.slots {
		if p.slots[i].offset == 0 {
			p.rows[uint32(i)] = data
			p.slots[i] = pageSlot{offset: 1, length: uint32(len(data))} // offsets assigned at serialize
			return uint32(i), true
		}
	}
	p.slots = append(p.slots, pageSlot{offset: 1, length: uint32(len(data))})
	slot := uint32(len(p.slots) - 1)
	p.rows[slot] = data
	return slot, true
}

func (p *page) get(slot uint32) ([]byte, bool) {
	data, ok := p.rows[slot]
	return data, ok
}

func (p *page) delete(slot uint32) bool {
	if _, ok := p.rows[slot]; !ok {
		return false
	}
	delete(p.rows, slot)
	p.slots[slot] = pageSlot{}
	return true
}

func (p *page) liveRows() int { return len(p.rows) }

// serialize lays the page out with the heap repacked from the high end;
// slot offsets are recomputed but slot indices never move.
func (p *page) serialize() []byte {
	buf := make([]byte, p.size)
	binary.LittleEndian.PutUint32(buf[0:4], pageMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.slots)))
	binary.LittleEndian.PutUint64(buf[12:20], p.overflowNext)

	heap := p.size
	for i := range p.slots {
		data, ok := p.rows[uint32(i)]
		if !ok {
			continue
		}
		heap -= uint32(len(data))
		copy(buf[heap:], data)
		p.slots[i].offset = heap
		p.slots[i].length = uint32(len(data))
	}
	binary.LittleEndian.PutUint32(buf[8:12], heap) // free-space frontier

	for i, s := range p.slots {
		base := pageHeaderSize + i*pageSlotSize
		binary.LittleEndian.PutUint32(buf[base:], s.offset)
		binary.LittleEndian.PutUint32(buf[base+4:], s.length)
	}
	return buf
}

func parsePage(buf []byte) (*page, error) {
	if len(buf) < pageHeaderSize {
		return nil, fmt.Errorf("page: truncated header")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != pageMagic {
		return nil, fmt.Errorf("page: bad magic")
	}
	slotCount := binary.LittleEndian.Uint32(buf[4:8])
	p := newPage(uint32(len(buf)))
	p.overflowNext = binary.LittleEndian.Uint64(buf[12:20])

	if uint64(pageHeaderSize)+uint64(slotCount)*pageSlotSize > uint64(len(buf)) {
		return nil, fmt.Errorf("page: slot directory overruns page")
	}
	p.slots = make([]pageSlot, slotCount)
	for i := uint32(0); i < slotCount; i++ {
		base := pageHeaderSize + int(i)*pageSlotSize
		s := pageSlot{
			offset: binary.LittleEndian.Uint32(buf[base:]),
			length: binary.LittleEndian.Uint32(buf[base+4:]),
		}
		p.slots[i] = s
		if s.offset == 0 {
			continue
		}
		if uint64(s.offset)+uint64(s.length) > uint64(len(buf)) {
			return nil, fmt.Errorf("page: slot %d overruns page", i)
		}
		data := make([]byte, s.length)
		copy(data, buf[s.offset:s.offset+s.length])
		p.rows[i] = data
	}
	return p, nil
}
