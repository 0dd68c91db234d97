package scdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

func Test_Txn_Read_Your_Writes(t *testing.T) {
	db, _ := testDb(t)

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.WriteBlock("k", []byte("staged")))

	got, err := txn.ReadBlock("k")
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), got)

	// Not yet visible outside the transaction.
	_, err = db.ReadBlock("k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, txn.Commit())
	got, err = db.ReadBlock("k")
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), got)
}

func Test_Txn_Rollback_Discards_Staged_Writes(t *testing.T) {
	db, _ := testDb(t)

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.WriteBlock("k", []byte("gone")))
	require.NoError(t, txn.Rollback())

	_, err = db.ReadBlock("k")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Txn_Staged_Delete_Shadows_Committed_Block(t *testing.T) {
	db, _ := testDb(t)
	require.NoError(t, db.WriteBlock("k", []byte("v")))

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.DeleteBlock("k"))

	_, err = txn.ReadBlock("k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, txn.Commit())
	_, err = db.ReadBlock("k")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Txn_Conflict_On_Overlapping_Block(t *testing.T) {
	db, _ := testDb(t)
	require.NoError(t, db.WriteBlock("shared", []byte("base")))

	t1, err := db.Begin()
	require.NoError(t, err)
	t2, err := db.Begin()
	require.NoError(t, err)

	require.NoError(t, t1.WriteBlock("shared", []byte("from-t1")))
	require.NoError(t, t2.WriteBlock("shared", []byte("from-t2")))

	require.NoError(t, t1.Commit())

	// The second committer on the overlapping block observes the conflict.
	err = t2.Commit()
	require.ErrorIs(t, err, ErrConflict)

	got, err := db.ReadBlock("shared")
	require.NoError(t, err)
	require.Equal(t, []byte("from-t1"), got)
}

func Test_Txn_Disjoint_Blocks_Commit_Independently(t *testing.T) {
	db, _ := testDb(t)

	t1, err := db.Begin()
	require.NoError(t, err)
	t2, err := db.Begin()
	require.NoError(t, err)

	require.NoError(t, t1.WriteBlock("left", []byte("l")))
	require.NoError(t, t2.WriteBlock("right", []byte("r")))
	require.NoError(t, t1.Commit())
	require.NoError(t, t2.Commit())

	for name, want := range map[string]string{"left": "l", "right": "r"} {
		got, err := db.ReadBlock(name)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func Test_Txn_Reserved_System_Names_Are_Rejected(t *testing.T) {
	db, _ := testDb(t)
	txn, err := db.Begin()
	require.NoError(t, err)
	require.ErrorIs(t, txn.WriteBlock(registryBlockName, []byte("x")), ErrConflict)
}

// Crash before commit: an
// uncommitted transaction leaves no trace after reopen.
func Test_Crash_Before_Commit_Loses_Nothing_And_Corrupts_Nothing(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)

	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)
	require.NoError(t, db.WriteBlock("durable", []byte("kept")))

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.WriteBlock("k2", []byte("alpha")))
	// Simulated crash: drop the handle without commit, checkpoint, or
	// close.
	require.NoError(t, db.file.Close())

	reopened, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.ReadBlock("k2")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := reopened.ReadBlock("durable")
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), got)

	report, err := reopened.Validate(t.Context(), ValidationStandard)
	require.NoError(t, err)
	require.LessOrEqual(t, report.Worst(), SeverityWarn)
}

// WAL durability: a committed write survives a
// crash that discards every in-memory structure.
func Test_Committed_Write_Survives_Crash_Without_Checkpoint(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)

	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)

	txn, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.WriteBlock("k", []byte("committed")))
	require.NoError(t, txn.Commit())

	// Crash without Close: no final checkpoint, the persisted registry
	// still predates the write; recovery must redo it from the WAL.
	require.NoError(t, db.file.Close())

	reopened, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadBlock("k")
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), got)
}
