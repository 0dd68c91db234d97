package scdb

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// frame is one page-cache slot: buffer, pin count, dirty flag, and the
// CLOCK reference bit. The pin count and reference bit are atomics so
// the hot get/unpin path never takes the index lock.
type frame struct {
	name     string
	buf      []byte
	pinCount int32
	refBit   int32
	dirty    int32
	newestLSN uint64
}

// PageCache is a bounded, CLOCK-evicted cache of decrypted blocks.
// Misses are resolved by the caller-supplied loader
// (read from the block store and decrypt via the crypto envelope);
// PageCache itself only manages membership and eviction.
//
// Concurrency: striped locks over the name->frame index; the CLOCK
// hand advances under its own lock. Statistics are plain atomics and
// only eventually consistent.
type PageCache struct {
	capacity int

	stripes   []*stripe
	stripeMask uint32

	mu     sync.Mutex // guards frames slice + clock hand
	frames []*frame
	hand   int

	hits      int64
	misses    int64
	evictions int64
}

type stripe struct {
	mu    sync.RWMutex
	index map[string]int // name -> index into PageCache.frames
}

const pageCacheStripeCount = 16 // power of two

// NewPageCache returns a PageCache holding at most capacity frames.
func NewPageCache(capacity int) *PageCache {
	if capacity < 1 {
		capacity = 1
	}
	stripes := make([]*stripe, pageCacheStripeCount)
	for i := range stripes {
		stripes[i] = &stripe{index: make(map[string]int)}
	}
	return &PageCache{
		capacity:   capacity,
		stripes:    stripes,
		stripeMask: pageCacheStripeCount - 1,
	}
}

func (c *PageCache) stripeFor(name string) *stripe {
	return c.stripes[uint32(xxhash.Sum64String(name))&c.stripeMask]
}

// Loader resolves a cache miss: read the block from durable storage and
// decrypt it.
type Loader func(name string) ([]byte, error)

// PageHandle pins a frame in the cache for the duration the caller
// holds it. Callers must call Unpin when done.
type PageHandle struct {
	fr   *frame
	Name string
	Buf  []byte
}

// Get pins and returns the page named name, loading it via load on a
// miss. The returned handle must be released with Unpin.
func (c *PageCache) Get(name string, load Loader) (*PageHandle, error) {
	if h := c.pinLive(name); h != nil {
		atomic.AddInt64(&c.hits, 1)
		return h, nil
	}

	atomic.AddInt64(&c.misses, 1)
	buf, err := load(name)
	if err != nil {
		return nil, err
	}

	return c.insert(name, buf)
}

// pinLive pins name's frame if it is currently cached, or returns nil
// on a miss. The stripe index is only a hint: between the unlocked
// lookup and the pin, eviction may have reassigned the slot to another
// block, so the pin happens under c.mu (which every reassignment also
// holds) and is confirmed against the frame's name before the handle is
// handed out.
func (c *PageCache) pinLive(name string) *PageHandle {
	st := c.stripeFor(name)

	st.mu.RLock()
	idx, ok := st.index[name]
	st.mu.RUnlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	if idx >= len(c.frames) {
		c.mu.Unlock()
		return nil
	}
	fr := c.frames[idx]
	if fr.name != name {
		// The slot was evicted and reassigned after the index lookup;
		// treat it as a miss rather than pinning a stranger's buffer.
		c.mu.Unlock()
		return nil
	}
	atomic.AddInt32(&fr.pinCount, 1)
	c.mu.Unlock()

	atomic.StoreInt32(&fr.refBit, 1)
	return &PageHandle{fr: fr, Name: name, Buf: fr.buf}
}

func (c *PageCache) insert(name string, buf []byte) (*PageHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have raced us to load the same page; check
	// again under the index write lock.
	st := c.stripeFor(name)
	st.mu.Lock()
	if idx, ok := st.index[name]; ok {
		st.mu.Unlock()
		fr := c.frames[idx]
		atomic.AddInt32(&fr.pinCount, 1)
		atomic.StoreInt32(&fr.refBit, 1)
		return &PageHandle{fr: fr, Name: name, Buf: fr.buf}, nil
	}

	fr := &frame{name: name, buf: buf, pinCount: 1, refBit: 1}

	var idx int
	if len(c.frames) < c.capacity {
		idx = len(c.frames)
		c.frames = append(c.frames, fr)
	} else {
		victimIdx, err := c.evictLocked()
		if err != nil {
			st.mu.Unlock()
			return nil, err
		}
		idx = victimIdx
		oldName := c.frames[idx].name
		c.frames[idx] = fr
		// Remove the victim from whichever stripe it belonged to.
		if oldName != name {
			vst := c.stripeFor(oldName)
			if vst == st {
				delete(st.index, oldName)
			} else {
				vst.mu.Lock()
				delete(vst.index, oldName)
				vst.mu.Unlock()
			}
		}
	}
	st.index[name] = idx
	st.mu.Unlock()

	return &PageHandle{fr: fr, Name: name, Buf: fr.buf}, nil
}

// evictLocked runs the CLOCK algorithm to find an unpinned,
// clean-or-flushable victim frame index. Caller holds c.mu.
func (c *PageCache) evictLocked() (int, error) {
	n := len(c.frames)
	for attempts := 0; attempts < 2*n+1; attempts++ {
		fr := c.frames[c.hand]
		if atomic.LoadInt32(&fr.pinCount) == 0 {
			if atomic.LoadInt32(&fr.refBit) == 1 {
				atomic.StoreInt32(&fr.refBit, 0)
			} else {
				victim := c.hand
				c.hand = (c.hand + 1) % n
				atomic.AddInt64(&c.evictions, 1)
				return victim, nil
			}
		}
		c.hand = (c.hand + 1) % n
	}
	return 0, wrap(ErrCapacityExceeded, withSuggestion("page cache is full and every frame is pinned"))
}

// Unpin releases h's pin. If dirty is true the frame is marked dirty
// and newestLSN records the WAL LSN that must be durable before this
// frame may be evicted (the write-ahead invariant).
func (h *PageHandle) Unpin(dirty bool, newestLSN uint64) {
	fr := h.fr

	if dirty {
		atomic.StoreInt32(&fr.dirty, 1)
		for {
			old := atomic.LoadUint64(&fr.newestLSN)
			if newestLSN <= old {
				break
			}
			if atomic.CompareAndSwapUint64(&fr.newestLSN, old, newestLSN) {
				break
			}
		}
	}
	atomic.AddInt32(&fr.pinCount, -1)
}

// FlushDirty calls writeBack for every dirty, durable-enough frame
// (newestLSN <= durableLSN) and clears its dirty flag on success: the
// write-back half of CLOCK eviction, bounded by the write-ahead
// invariant.
func (c *PageCache) FlushDirty(durableLSN uint64, writeBack func(name string, buf []byte) error) error {
	c.mu.Lock()
	frames := make([]*frame, len(c.frames))
	copy(frames, c.frames)
	c.mu.Unlock()

	for _, fr := range frames {
		if atomic.LoadInt32(&fr.dirty) == 0 {
			continue
		}
		if atomic.LoadUint64(&fr.newestLSN) > durableLSN {
			continue // not yet WAL-durable; must not flush (write-ahead invariant)
		}
		if err := writeBack(fr.name, fr.buf); err != nil {
			return err
		}
		atomic.StoreInt32(&fr.dirty, 0)
	}
	return nil
}

// Invalidate drops name from the cache unconditionally (used by
// delete_block and VACUUM). It is the caller's responsibility to ensure
// no handle to name is outstanding.
func (c *PageCache) Invalidate(name string) {
	st := c.stripeFor(name)
	st.mu.Lock()
	idx, ok := st.index[name]
	if ok {
		delete(st.index, name)
	}
	st.mu.Unlock()

	if !ok {
		return
	}
	c.mu.Lock()
	if idx < len(c.frames) && c.frames[idx].name == name {
		c.frames[idx] = &frame{} // tombstone; CLOCK will skip (pinCount 0, refBit 0) and immediately overwrite
	}
	c.mu.Unlock()
}

// CacheStats is the eventually-consistent statistics snapshot.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// Stats returns the current cache statistics.
func (c *PageCache) Stats() CacheStats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&c.evictions),
		HitRate:   rate,
	}
}
