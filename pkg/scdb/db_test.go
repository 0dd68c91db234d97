package scdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sharpcoredb/scdb/pkg/crypto"
	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

// testCreateOptions returns create options with a cheap KDF so the
// suite does not burn 64 MiB of Argon2 per test.
func testCreateOptions(t *testing.T) CreateOptions {
	t.Helper()
	opts, err := DefaultCreateOptions()
	require.NoError(t, err)
	opts.KDF.MemoryKiB = 1024
	opts.KDF.Time = 1
	opts.CachePages = 64
	return opts
}

func testDb(t *testing.T) (*Db, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.scdb")
	db, err := Create(scfs.NewReal(), path, "pw", testCreateOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func Test_Create_Write_Reopen_Reads_Committed_Block(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")

	opts := testCreateOptions(t)
	opts.PageSize = 4096
	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, db.WriteBlock("k1", payload))
	require.NoError(t, db.Close())

	reopened, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadBlock("k1")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func Test_Open_With_Wrong_Password_Returns_AuthError(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")

	opts := testCreateOptions(t)
	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)
	require.NoError(t, db.WriteBlock("k1", []byte("secret")))
	require.NoError(t, db.Close())

	_, err = Open(fsys, path, "pwx", opts.Options)
	require.ErrorIs(t, err, ErrAuth)
}

func Test_Open_Rejects_NonSCDB_File(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "junk.bin")
	junk := make([]byte, 4096)
	copy(junk, "definitely not a database")
	require.NoError(t, fsys.WriteFile(path, junk, 0o600))

	_, err := Open(fsys, path, "pw", DefaultOptions())
	require.ErrorIs(t, err, ErrFormat)
}

func Test_ReadBlock_Unknown_Name_Returns_NotFound(t *testing.T) {
	db, _ := testDb(t)
	_, err := db.ReadBlock("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_DeleteBlock_Then_Read_Returns_NotFound(t *testing.T) {
	db, _ := testDb(t)
	require.NoError(t, db.WriteBlock("k", []byte("v")))
	require.NoError(t, db.DeleteBlock("k"))
	_, err := db.ReadBlock("k")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Overwrite_Returns_Latest_Version(t *testing.T) {
	db, _ := testDb(t)
	require.NoError(t, db.WriteBlock("k", []byte("v1")))
	require.NoError(t, db.WriteBlock("k", []byte("v2")))

	got, err := db.ReadBlock("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

// Cache coherence: a block just written is
// returned by the next read on the same goroutine, and on another
// goroutine after commit.
func Test_Write_Is_Visible_To_Subsequent_Reads(t *testing.T) {
	db, _ := testDb(t)
	require.NoError(t, db.WriteBlock("coherent", []byte("now")))

	got, err := db.ReadBlock("coherent")
	require.NoError(t, err)
	require.Equal(t, []byte("now"), got)

	done := make(chan error, 1)
	go func() {
		got, err := db.ReadBlock("coherent")
		if err == nil && string(got) != "now" {
			err = wrap(ErrCorruption)
		}
		done <- err
	}()
	require.NoError(t, <-done)
}

// Torn-write refusal: a block whose sealed payload
// loses its final byte is rejected as corruption, never decrypted
// into garbage.
func Test_Torn_Block_Is_Rejected_As_Corruption(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)

	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)
	require.NoError(t, db.WriteBlock("victim", []byte("payload-bytes")))

	entry, ok := db.registry.Get("victim")
	require.True(t, ok)

	// Drop the payload's final byte (the end of the AEAD tag) and write
	// it back as a validly framed, shorter payload.
	raw, err := db.bs.ReadFrame(int64(entry.Offset))
	require.NoError(t, err)
	truncated := raw[:len(raw)-1]
	require.NoError(t, db.bs.WriteRaw(int64(entry.Offset), make([]byte, FrameSize(len(raw)))))
	require.NoError(t, db.bs.WriteFrame(int64(entry.Offset), truncated))
	db.cache.Invalidate("victim")

	_, err = db.ReadBlock("victim")
	require.ErrorIs(t, err, ErrCorruption)
	require.NoError(t, db.file.Close())
}

func Test_Reopen_After_Checkpoint_Preserves_All_Blocks(t *testing.T) {
	fsys := scfs.NewReal()
	path := filepath.Join(t.TempDir(), "a.scdb")
	opts := testCreateOptions(t)

	db, err := Create(fsys, path, "pw", opts)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, db.WriteBlock(blockName(i), blockPayload(i)))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	reopened, err := Open(fsys, path, "pw", opts.Options)
	require.NoError(t, err)
	defer reopened.Close()
	for i := 0; i < 20; i++ {
		got, err := reopened.ReadBlock(blockName(i))
		require.NoError(t, err)
		require.Equal(t, blockPayload(i), got)
	}
}

func Test_Validate_Paranoid_Is_Clean_On_Healthy_Database(t *testing.T) {
	db, _ := testDb(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, db.WriteBlock(blockName(i), blockPayload(i)))
	}
	require.NoError(t, db.Vacuum(t.Context(), VacuumQuick))

	report, err := db.Validate(t.Context(), ValidationParanoid)
	require.NoError(t, err)
	for _, f := range report.Findings {
		require.LessOrEqual(t, f.Severity, SeverityWarn, "unexpected finding: %+v", f)
	}
	require.Greater(t, report.CheckedBlocks, 0)
}

func Test_DeriveKey_Is_Deterministic_Per_Params(t *testing.T) {
	params, err := crypto.DefaultKDFParams()
	require.NoError(t, err)
	params.MemoryKiB = 1024
	params.Time = 1

	k1 := crypto.DeriveKey("pw", params)
	k2 := crypto.DeriveKey("pw", params)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, crypto.DeriveKey("pwx", params))
}

func blockName(i int) string { return "table:orders:data:" + string(rune('a'+i%26)) + string(rune('0'+i/26)) }

func blockPayload(i int) []byte {
	buf := make([]byte, 100+i*37)
	for j := range buf {
		buf[j] = byte(i + j)
	}
	return buf
}
