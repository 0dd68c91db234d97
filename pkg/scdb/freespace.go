package scdb

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// extentBulkThresholdPages is the minimum request size, in pages, that
// is treated as a bulk allocation (columnar segments, overflow chains)
// and served from the largest extents.
const extentBulkThresholdPages = 64

// Extent is a free byte range [Offset, Offset+Size).
type Extent struct {
	Offset uint64
	Size   uint64
}

func (e Extent) end() uint64 { return e.Offset + e.Size }

// FSM is the free-space manager. It tracks
// non-overlapping free byte extents and allocates/frees regions using a
// first-fit policy for small requests and best-fit for large ones, while
// bulk allocations (columnar segments, overflow chains) take the largest
// free extent. No extents are held back for bulk use: smaller requests
// may split any extent.
//
// Persisted as its own block, flushed on checkpoint, matching the
// registry's own persistence discipline (pkg/scdb/registry.go).
type FSM struct {
	mu       sync.Mutex
	extents  []Extent // sorted by Offset, pairwise non-overlapping, coalesced
	pageSize uint64
	dirty    bool
}

// NewFSM returns an FSM with no free space tracked yet.
func NewFSM(pageSize uint64) *FSM {
	return &FSM{pageSize: pageSize}
}

// Release marks [offset, offset+size) as free, merging with adjacent
// extents opportunistically.
func (f *FSM) Release(offset, size uint64) {
	if size == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertLocked(Extent{Offset: offset, Size: size})
	f.dirty = true
}

func (f *FSM) insertLocked(e Extent) {
	i := sort.Search(len(f.extents), func(i int) bool { return f.extents[i].Offset >= e.Offset })
	f.extents = append(f.extents, Extent{})
	copy(f.extents[i+1:], f.extents[i:])
	f.extents[i] = e
	f.coalesceAroundLocked(i)
}

// coalesceAroundLocked merges the extent at index i with its immediate
// neighbors if they are adjacent.
func (f *FSM) coalesceAroundLocked(i int) {
	if i+1 < len(f.extents) && f.extents[i].end() == f.extents[i+1].Offset {
		f.extents[i].Size += f.extents[i+1].Size
		f.extents = append(f.extents[:i+1], f.extents[i+2:]...)
	}
	if i > 0 && f.extents[i-1].end() == f.extents[i].Offset {
		f.extents[i-1].Size += f.extents[i].Size
		f.extents = append(f.extents[:i], f.extents[i+1:]...)
	}
}

// errNoSpace signals the caller must grow the file and retry.
var errNoSpace = fmt.Errorf("fsm: no sufficiently large free extent")

// Allocate finds and removes a free extent of at least size bytes,
// returning its offset. Policy: first-fit for requests
// <= 2*pageSize, best-fit otherwise; requests spanning >=
// extentBulkThresholdPages pages take the largest available extent.
func (f *FSM) Allocate(size uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bulk := size >= extentBulkThresholdPages*f.pageSize
	small := size <= 2*f.pageSize

	var chosen = -1
	if small && !bulk {
		for i, e := range f.extents {
			if e.Size >= size {
				chosen = i
				break
			}
		}
	} else if bulk {
		var largest uint64
		for i, e := range f.extents {
			if e.Size >= size && e.Size > largest {
				chosen = i
				largest = e.Size
			}
		}
	} else {
		bestSize := ^uint64(0)
		for i, e := range f.extents {
			if e.Size >= size && e.Size < bestSize {
				chosen = i
				bestSize = e.Size
			}
		}
	}

	if chosen < 0 {
		return 0, errNoSpace
	}

	e := f.extents[chosen]
	offset := e.Offset
	if e.Size == size {
		f.extents = append(f.extents[:chosen], f.extents[chosen+1:]...)
	} else {
		f.extents[chosen] = Extent{Offset: e.Offset + size, Size: e.Size - size}
	}
	f.dirty = true
	return offset, nil
}

// TotalFree returns the sum of all free extent sizes.
func (f *FSM) TotalFree() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total uint64
	for _, e := range f.extents {
		total += e.Size
	}
	return total
}

// FragmentationRatio is 1 - largest_free/total_free, or 0 when there
// is no free space at all.
func (f *FSM) FragmentationRatio() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total, largest uint64
	for _, e := range f.extents {
		total += e.Size
		if e.Size > largest {
			largest = e.Size
		}
	}
	if total == 0 {
		return 0
	}
	return 1 - float64(largest)/float64(total)
}

// FragmentationHistogram buckets free extents by size, a supplemented
// diagnostic beyond the bare fragmentation_ratio.
// Buckets double starting at pageSize: [0,pageSize), [pageSize,2*pageSize), ...
func (f *FSM) FragmentationHistogram() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	hist := make(map[int]int)
	for _, e := range f.extents {
		bucket := 0
		threshold := f.pageSize
		for e.Size >= threshold && threshold != 0 {
			bucket++
			threshold *= 2
		}
		hist[bucket]++
	}
	return hist
}

// Extents returns a sorted snapshot of all free extents.
func (f *FSM) Extents() []Extent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Extent, len(f.extents))
	copy(out, f.extents)
	return out
}

// Dirty reports whether the free list changed since the last clearDirty.
func (f *FSM) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

func (f *FSM) clearDirty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty = false
}

// Marshal serializes the free extent list for persistence as its own
// registry-named block.
func (f *FSM) Marshal() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, 8, 8+16*len(f.extents))
	binary.LittleEndian.PutUint64(buf, uint64(len(f.extents)))
	for _, e := range f.extents {
		var rec [16]byte
		binary.LittleEndian.PutUint64(rec[0:8], e.Offset)
		binary.LittleEndian.PutUint64(rec[8:16], e.Size)
		buf = append(buf, rec[:]...)
	}
	return buf
}

// UnmarshalFSM decodes a free-extent list produced by Marshal.
func UnmarshalFSM(buf []byte, pageSize uint64) (*FSM, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("fsm: truncated payload")
	}
	count := binary.LittleEndian.Uint64(buf[:8])
	f := NewFSM(pageSize)
	pos := 8
	for i := uint64(0); i < count; i++ {
		if pos+16 > len(buf) {
			return nil, fmt.Errorf("fsm: truncated extent")
		}
		e := Extent{
			Offset: binary.LittleEndian.Uint64(buf[pos:]),
			Size:   binary.LittleEndian.Uint64(buf[pos+8:]),
		}
		f.extents = append(f.extents, e)
		pos += 16
	}
	return f, nil
}
