package scdb

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_FSM_Allocate_Release_RoundTrips(t *testing.T) {
	f := NewFSM(4096)
	f.Release(0, 8192)

	off, err := f.Allocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Equal(t, uint64(4096), f.TotalFree())

	off2, err := f.Allocate(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), off2)

	_, err = f.Allocate(1)
	require.ErrorIs(t, err, errNoSpace)
}

func Test_FSM_Coalesces_Adjacent_Extents(t *testing.T) {
	f := NewFSM(4096)
	f.Release(8192, 4096)
	f.Release(0, 4096)
	f.Release(4096, 4096) // fills the gap; all three should merge into one

	extents := f.Extents()
	require.Len(t, extents, 1)
	require.Equal(t, Extent{Offset: 0, Size: 12288}, extents[0])
}

func Test_FSM_FragmentationRatio(t *testing.T) {
	f := NewFSM(4096)
	require.Equal(t, 0.0, f.FragmentationRatio())

	f.Release(0, 4096)
	f.Release(1_000_000, 4096)
	ratio := f.FragmentationRatio()
	require.Greater(t, ratio, 0.0)
	require.Less(t, ratio, 1.0)
}

func Test_FSM_Marshal_Unmarshal_RoundTrips(t *testing.T) {
	f := NewFSM(4096)
	f.Release(0, 4096)
	f.Release(1_000_000, 8192)

	buf := f.Marshal()
	decoded, err := UnmarshalFSM(buf, 4096)
	require.NoError(t, err)
	require.Equal(t, f.Extents(), decoded.Extents())
}

// Free extents must stay pairwise non-overlapping, regardless of
// Allocate/Release order.
func Test_FSM_Partition_Invariant(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	f := NewFSM(64)
	f.Release(0, 1<<20)

	var allocated []Extent
	for i := 0; i < 500; i++ {
		if len(allocated) == 0 || rng.IntN(2) == 0 {
			size := uint64(64 * (1 + rng.IntN(16)))
			off, err := f.Allocate(size)
			if err == nil {
				allocated = append(allocated, Extent{Offset: off, Size: size})
			}
		} else {
			idx := rng.IntN(len(allocated))
			e := allocated[idx]
			allocated = append(allocated[:idx], allocated[idx+1:]...)
			f.Release(e.Offset, e.Size)
		}

		extents := f.Extents()
		for j := 1; j < len(extents); j++ {
			require.LessOrEqual(t, extents[j-1].end(), extents[j].Offset, "extents must not overlap")
		}
	}
}
