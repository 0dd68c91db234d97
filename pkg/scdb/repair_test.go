package scdb

import (
	"io"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

// Repair after registry corruption: zeroing the registry
// block's ciphertext makes open fail with fatal corruption; a
// conservative repair rebuilds the registry by scanning frames and
// restores access to every data block, with an empty loss manifest.
func Test_Repair_Rebuilds_Registry_After_Its_Block_Is_Zeroed(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)

	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(6, 1))
	want := map[string][]byte{}
	for i := 0; i < 8; i++ {
		name := blockName(i)
		want[name] = randomRow(rng, 500+i*777)
		require.NoError(t, db.WriteBlock(name, want[name]))
	}
	require.NoError(t, db.Close())

	// Zero the registry block's bytes on disk.
	zeroed, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	regOff := zeroed.header.RegistryOffset
	regLen := FrameSize(envelopeSize(registryBlockName, int(zeroed.header.RegistrySize)))
	require.NoError(t, zeroed.file.Close())

	f, err := fsys.OpenFile(path, osOpenRWFlags, 0)
	require.NoError(t, err)
	_, err = f.Seek(int64(regOff), io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, regLen))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(fsys, path, "pw", opts.Options)
	require.ErrorIs(t, err, ErrCorruption)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, SeverityFatal, serr.Severity())
	require.Contains(t, serr.Suggestion(), "repair")

	result, err := RepairFile(fsys, path, "pw", RepairConservative)
	require.NoError(t, err)
	require.Empty(t, result.Lost, "no data block should be lost in this scenario")
	require.Equal(t, len(want), result.Recovered)
	require.NotEmpty(t, result.BackupPath)

	repaired, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	defer repaired.Close()
	for name, payload := range want {
		got, err := repaired.ReadBlock(name)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func Test_Repair_Restores_Backup_When_Password_Is_Wrong(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)

	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)
	require.NoError(t, db.WriteBlock("k", []byte("v")))
	require.NoError(t, db.Close())

	before, err := fsys.ReadFile(path)
	require.NoError(t, err)

	// A wrong password recovers zero blocks, so the repair stops with
	// AuthError before rewriting anything and the original bytes must
	// come back.
	_, err = RepairFile(fsys, path, "pwx", RepairConservative)
	require.Error(t, err)

	after, err := fsys.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after, "failed repair must leave the original file canonical")
}

func Test_Repair_Keeps_Newest_Version_Of_Rewritten_Block(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)

	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)
	require.NoError(t, db.WriteBlock("k", []byte("old-version")))
	require.NoError(t, db.WriteBlock("k", []byte("new-version")))
	require.NoError(t, db.Close())

	result, err := RepairFile(fsys, path, "pw", RepairConservative)
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.Recovered, 1)

	repaired, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	defer repaired.Close()
	got, err := repaired.ReadBlock("k")
	require.NoError(t, err)
	require.Equal(t, []byte("new-version"), got)
}
