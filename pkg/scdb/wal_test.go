package scdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeWalIO is an in-memory walIO for unit-testing Wal in isolation
// from the block store/registry.
type fakeWalIO struct {
	segments map[string][]byte
	synced   bool
}

func newFakeWalIO() *fakeWalIO { return &fakeWalIO{segments: map[string][]byte{}} }

func (f *fakeWalIO) WriteWalSegment(name string, data []byte) error {
	cp := append([]byte(nil), data...)
	f.segments[name] = cp
	return nil
}

func (f *fakeWalIO) ReadWalSegment(name string) ([]byte, bool, error) {
	b, ok := f.segments[name]
	return b, ok, nil
}

func (f *fakeWalIO) SyncWal() error {
	f.synced = true
	return nil
}

func Test_Wal_Replay_Includes_Only_Committed_Transactions(t *testing.T) {
	io := newFakeWalIO()
	w := NewWal(io, 1<<20)

	_, err := w.Append(WalBeginTxn, 1, "", nil)
	require.NoError(t, err)
	_, err = w.Append(WalBlockWrite, 1, "k1", []byte("committed-data"))
	require.NoError(t, err)
	lsn, err := w.Append(WalCommitTxn, 1, "", nil)
	require.NoError(t, err)
	require.NoError(t, w.Sync(lsn))

	_, err = w.Append(WalBeginTxn, 2, "", nil)
	require.NoError(t, err)
	_, err = w.Append(WalBlockWrite, 2, "k2", []byte("never-committed"))
	require.NoError(t, err)
	// no commit for txn 2 (simulated crash before commit)

	records, err := w.Replay()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "k1", records[0].BlockName)
	require.Equal(t, []byte("committed-data"), records[0].Payload)
}

func Test_Wal_Replay_Ignores_Explicitly_Aborted_Transaction(t *testing.T) {
	io := newFakeWalIO()
	w := NewWal(io, 1<<20)

	_, _ = w.Append(WalBeginTxn, 1, "", nil)
	_, _ = w.Append(WalBlockWrite, 1, "k1", []byte("rolled-back"))
	_, err := w.Append(WalAbortTxn, 1, "", nil)
	require.NoError(t, err)

	records, err := w.Replay()
	require.NoError(t, err)
	require.Empty(t, records)
}

func Test_Wal_Replay_Stops_At_Torn_Record(t *testing.T) {
	io := newFakeWalIO()
	w := NewWal(io, 1<<20)

	_, _ = w.Append(WalBeginTxn, 1, "", nil)
	_, _ = w.Append(WalBlockWrite, 1, "k1", []byte("data"))
	lsn, _ := w.Append(WalCommitTxn, 1, "", nil)
	require.NoError(t, w.Sync(lsn))

	// Simulate a torn write: truncate the persisted segment by one byte.
	name := walSegmentName(0)
	buf := io.segments[name]
	io.segments[name] = buf[:len(buf)-1]

	records, err := w.Replay()
	require.NoError(t, err)
	require.Empty(t, records, "a torn tail record must not be replayed, and must not be an error")
}

func Test_Wal_Segment_Rotation(t *testing.T) {
	io := newFakeWalIO()
	w := NewWal(io, 64) // tiny segments to force rotation

	for i := 0; i < 20; i++ {
		_, err := w.Append(WalBlockWrite, 1, "k", []byte("xxxxxxxxxxxxxxxxxxxx"))
		require.NoError(t, err)
	}

	require.Greater(t, len(w.segments), 1)
}

func Test_Wal_Checkpoint_Syncs_And_Advances_DurableLSN(t *testing.T) {
	io := newFakeWalIO()
	w := NewWal(io, 1<<20)

	lsn, err := w.Checkpoint(0)
	require.NoError(t, err)
	require.True(t, io.synced)
	require.Equal(t, lsn, w.DurableLSN())
}
