package scdb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_PageCache_Get_Caches_On_Second_Access(t *testing.T) {
	calls := 0
	load := func(name string) ([]byte, error) {
		calls++
		return []byte(name), nil
	}

	c := NewPageCache(4)
	h1, err := c.Get("a", load)
	require.NoError(t, err)
	h1.Unpin(false, 0)

	h2, err := c.Get("a", load)
	require.NoError(t, err)
	h2.Unpin(false, 0)

	require.Equal(t, 1, calls)
	require.Equal(t, int64(1), c.Stats().Hits)
	require.Equal(t, int64(1), c.Stats().Misses)
}

func Test_PageCache_Evicts_When_Full(t *testing.T) {
	load := func(name string) ([]byte, error) { return []byte(name), nil }

	c := NewPageCache(2)
	for _, name := range []string{"a", "b", "c"} {
		h, err := c.Get(name, load)
		require.NoError(t, err)
		h.Unpin(false, 0)
	}

	require.Equal(t, int64(1), c.Stats().Evictions)
}

func Test_PageCache_Never_Evicts_Pinned_Frames(t *testing.T) {
	load := func(name string) ([]byte, error) { return []byte(name), nil }

	c := NewPageCache(1)
	h1, err := c.Get("a", load)
	require.NoError(t, err)

	// Capacity is 1 and "a" stays pinned; a second distinct page cannot
	// be admitted without evicting it, so Get for "b" must fail.
	_, err = c.Get("b", load)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	h1.Unpin(false, 0)
}

func Test_PageCache_FlushDirty_Respects_WriteAhead_Invariant(t *testing.T) {
	load := func(name string) ([]byte, error) { return []byte(name), nil }
	c := NewPageCache(4)

	h, err := c.Get("a", load)
	require.NoError(t, err)
	h.Unpin(true, 10) // dirty, newestLSN=10

	var flushed []string
	err = c.FlushDirty(5, func(name string, buf []byte) error {
		flushed = append(flushed, name)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, flushed, "must not flush before its LSN is durable")

	err = c.FlushDirty(10, func(name string, buf []byte) error {
		flushed = append(flushed, name)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, flushed)
}

func Test_PageCache_Concurrent_Get_Unpin(t *testing.T) {
	load := func(name string) ([]byte, error) { return []byte(name), nil }
	c := NewPageCache(8)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("p%d", i%8)
			h, err := c.Get(name, load)
			if err != nil {
				return
			}
			h.Unpin(i%2 == 0, uint64(i))
		}(i)
	}
	wg.Wait()
}
