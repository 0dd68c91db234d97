package scdb

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

// Full VACUUM: deleting one of three 1 MiB blocks leaves
// fragmentation; the rewrite reclaims at least that much and preserves
// the survivors byte-for-byte.
func Test_Vacuum_Full_Shrinks_File_And_Preserves_Blocks(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	db, err := Create(fsys, path, "pw", testCreateOptions(t))
	require.NoError(t, err)
	defer db.Close()

	rng := rand.New(rand.NewPCG(5, 1))
	payloads := map[string][]byte{}
	for _, name := range []string{"a", "b", "c"} {
		p := randomRow(rng, 1<<20)
		payloads[name] = p
		require.NoError(t, db.WriteBlock(name, p))
	}
	require.NoError(t, db.DeleteBlock("b"))
	require.NoError(t, db.Flush())

	require.Greater(t, db.FragmentationRatio(), 0.0)

	before, err := fsys.Stat(path)
	require.NoError(t, err)

	require.NoError(t, db.Vacuum(t.Context(), VacuumFull))

	after, err := fsys.Stat(path)
	require.NoError(t, err)
	require.LessOrEqual(t, after.Size(), before.Size()-(1<<20), "file must shrink by at least the deleted block")

	for _, name := range []string{"a", "c"} {
		got, err := db.ReadBlock(name)
		require.NoError(t, err)
		require.Equal(t, payloads[name], got)
	}
	_, err = db.ReadBlock("b")
	require.ErrorIs(t, err, ErrNotFound)
}

// VACUUM must preserve semantics across a reopen:
// the rewritten file must open under the same password.
func Test_Vacuum_Full_Result_Reopens_Under_Same_Password(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)
	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 2))
	want := map[string][]byte{}
	for i := 0; i < 12; i++ {
		name := blockName(i)
		want[name] = randomRow(rng, 1000+i*333)
		require.NoError(t, db.WriteBlock(name, want[name]))
	}
	require.NoError(t, db.Vacuum(t.Context(), VacuumFull))
	require.NoError(t, db.Close())

	reopened, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	defer reopened.Close()
	for name, payload := range want {
		got, err := reopened.ReadBlock(name)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func Test_Vacuum_Quick_Trims_Retired_Wal_Segments(t *testing.T) {
	db, _ := testDb(t)

	// Tiny segments force rotation so there is something to retire.
	db.opts.WalSegmentSize = 4 << 10
	db.wal.segmentSize = 4 << 10
	rng := rand.New(rand.NewPCG(5, 3))
	for i := 0; i < 16; i++ {
		require.NoError(t, db.WriteBlock(blockName(i), randomRow(rng, 2<<10)))
	}
	require.Greater(t, len(db.wal.segments), 1)

	require.NoError(t, db.Vacuum(t.Context(), VacuumQuick))
	require.Len(t, db.wal.segments, 1, "quick vacuum must retire all covered segments")
}

func Test_Vacuum_Incremental_Reclaims_File_Tail(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	db, err := Create(fsys, path, "pw", testCreateOptions(t))
	require.NoError(t, err)
	defer db.Close()

	rng := rand.New(rand.NewPCG(5, 4))
	require.NoError(t, db.WriteBlock("keep", randomRow(rng, 4<<10)))
	require.NoError(t, db.WriteBlock("tail", randomRow(rng, 2<<20)))
	require.NoError(t, db.DeleteBlock("tail"))

	require.NoError(t, db.Vacuum(t.Context(), VacuumIncremental))

	got, err := db.ReadBlock("keep")
	require.NoError(t, err)
	require.Len(t, got, 4<<10)
}

func Test_Vacuum_Cancellation_Leaves_Database_Usable(t *testing.T) {
	db, _ := testDb(t)
	rng := rand.New(rand.NewPCG(5, 5))
	require.NoError(t, db.WriteBlock("k", randomRow(rng, 1<<16)))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := db.Vacuum(ctx, VacuumFull)
	require.ErrorIs(t, err, ErrCancelled)

	got, err := db.ReadBlock("k")
	require.NoError(t, err)
	require.Len(t, got, 1<<16)
}
