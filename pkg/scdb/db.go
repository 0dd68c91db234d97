package scdb

import (
	"crypto/sha256"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/sharpcoredb/scdb/pkg/crypto"
	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

const (
	osCreateExclFlags = os.O_RDWR | os.O_CREATE | os.O_EXCL
	osOpenRWFlags     = os.O_RDWR
)

// registryBlockName and fsmBlockName are the reserved logical names for
// the two directory blocks every SCDB file carries.
const (
	registryBlockName = "system:registry"
	fsmBlockName      = "system:fsm"
)

// Db is the storage provider facade: it composes the cryptographic
// envelope, block store, registry, free-space manager, page cache, and
// WAL into the single public contract callers use.
//
// The component graph is built once in Open/Create and never rebuilt;
// there is no global mutable state.
type Db struct {
	fsys scfs.FS
	file scfs.File
	path string

	bs       *BlockStore
	registry *Registry
	fsm      *FSM
	cache    *PageCache
	wal      *Wal
	key      []byte
	header   *Header
	opts     Options

	// writerMu serializes commits and checkpoints: "single logical
	// writer per file". Readers never take this lock.
	writerMu sync.Mutex

	// fileEnd is the high-water mark of allocated file space, used when
	// the FSM has no free extent large enough to satisfy a request.
	fileEnd uint64

	// ver is the global write-version counter. Every sealed payload —
	// data block, meta block, WAL segment rewrite — takes the next value,
	// so (offset, version) pairs never repeat even when the FSM hands an
	// offset back out, and no nonce is ever reused under the key. It is
	// reseeded at open from the highest version observed anywhere.
	ver uint64

	walBytesSinceCkpt atomic.Uint64

	nextTxnID atomic.Uint64
	closed    atomic.Bool

	log zerolog.Logger
}

// Create initializes a brand-new SCDB file at path, encrypted under
// password, and returns it already open.
func Create(fsys scfs.FS, path string, password string, opts CreateOptions) (*Db, error) {
	key := crypto.DeriveKey(password, opts.KDF)
	return createWithKey(fsys, path, key, opts)
}

// createWithKey is Create with an already-derived data-encryption key,
// shared with the full-VACUUM rewrite path (which must not re-run the
// KDF it has no password for).
func createWithKey(fsys scfs.FS, path string, key []byte, opts CreateOptions) (*Db, error) {
	f, err := fsys.OpenFile(path, osCreateExclFlags, 0o600)
	if err != nil {
		return nil, wrap(ErrIO, withSuggestion("create backing file"))
	}

	h := newHeader(opts.PageSize, opts.KDF)

	db := &Db{
		fsys:     fsys,
		file:     f,
		path:     path,
		bs:       NewBlockStore(f),
		registry: NewRegistry(),
		fsm:      NewFSM(uint64(opts.PageSize)),
		cache:    NewPageCache(opts.CachePages),
		key:      key,
		header:   h,
		opts:     opts.Options,
		fileEnd:  uint64(headerSize),
	}
	db.wal = NewWal(db, opts.WalSegmentSize)

	if err := db.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := db.flushMetaLocked(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := db.bs.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return db, nil
}

// Open opens an existing SCDB file at path, deriving the key from
// password and replaying the WAL forward of the last checkpoint.
func Open(fsys scfs.FS, path string, password string, opts Options) (*Db, error) {
	f, err := fsys.OpenFile(path, osOpenRWFlags, 0)
	if err != nil {
		return nil, wrap(ErrIO, withSuggestion("open backing file"))
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, wrap(ErrIO)
	}
	if _, err := readFull(f, hdrBuf); err != nil {
		_ = f.Close()
		return nil, wrap(ErrFormat, withSuggestion("file is smaller than the header"))
	}

	h, err := decodeHeader(hdrBuf)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	key := crypto.DeriveKey(password, h.KDF)

	db := &Db{
		fsys:     fsys,
		file:     f,
		path:     path,
		bs:       NewBlockStore(f),
		registry: NewRegistry(),
		fsm:      NewFSM(uint64(h.PageSize)),
		cache:    NewPageCache(opts.CachePages),
		key:      key,
		header:   h,
		opts:     opts,
		fileEnd:  uint64(headerSize),
	}
	db.wal = NewWal(db, opts.WalSegmentSize)
	db.wal.nextLSN = h.LastCheckpointLSN + 1

	// loadMeta doubles as the password check: the registry block is the
	// first ciphertext touched, so a wrong password surfaces there as
	// AuthError while a torn directory frame surfaces as Corruption.
	if err := db.loadMeta(); err != nil {
		_ = f.Close()
		return nil, err
	}

	db.bumpVersionFloor(h.RegistryVersion)
	db.bumpVersionFloor(h.FSMVersion)
	db.registry.Iterate(func(e RegistryEntry) bool {
		db.bumpVersionFloor(e.Version)
		return true
	})

	if indices := db.walSegmentIndices(); len(indices) > 0 {
		db.wal.segments = indices
	}

	records, err := db.wal.Replay()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	// Records at or below the checkpoint LSN are already reflected in
	// the meta blocks loaded above; only redo what came after.
	forward := records[:0:0]
	for _, rec := range records {
		if rec.LSN > h.LastCheckpointLSN {
			forward = append(forward, rec)
		}
	}
	if err := db.redo(forward); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Adopt the newest segment's surviving bytes as the open WAL tail so
	// post-recovery appends extend it instead of clobbering it.
	newest := walSegmentName(db.wal.segments[len(db.wal.segments)-1])
	if tail, ok, _ := db.ReadWalSegment(newest); ok {
		db.wal.curBuf = tail[:validWalPrefixLen(tail)]
	}

	return db, nil
}

// redo re-applies every replayed BlockWrite/BlockFree record to the
// in-memory registry/FSM. Records arrive in LSN order, so re-applying each
// after-image unconditionally is idempotent and converges on the
// committed state even when the persisted registry lags several
// versions behind.
func (db *Db) redo(records []WalRecord) error {
	for _, rec := range records {
		switch rec.Kind {
		case WalBlockWrite:
			if err := db.applyWrite(rec.BlockName, rec.Payload); err != nil {
				return err
			}
		case WalBlockFree:
			if _, ok := db.registry.Get(rec.BlockName); ok {
				db.applyDelete(rec.BlockName)
			}
		}
	}
	return nil
}

// Close flushes dirty pages, appends a final Checkpoint record, fsyncs,
// and releases the file handle.
func (db *Db) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if err := db.checkpointLocked(); err != nil {
		return err
	}
	return db.file.Close()
}

// ReadBlock returns the decrypted payload for the live block named
// name.
func (db *Db) ReadBlock(name string) ([]byte, error) {
	if db.closed.Load() {
		return nil, wrap(ErrClosed)
	}
	h, err := db.cache.Get(name, db.loadBlock)
	if err != nil {
		return nil, err
	}
	defer h.Unpin(false, 0)
	out := make([]byte, len(h.Buf))
	copy(out, h.Buf)
	return out, nil
}

func (db *Db) loadBlock(name string) ([]byte, error) {
	entry, ok := db.registry.Get(name)
	if !ok {
		return nil, wrap(ErrNotFound, withBlock(name))
	}
	payload, err := db.bs.ReadFrame(int64(entry.Offset))
	if err != nil {
		return nil, wrap(ErrCorruption, withSeverity(SeveritySevere), withBlock(name), withOffset(int64(entry.Offset)),
			withSuggestion("run validate(Deep) then repair(Conservative); restore from backup if repair fails"))
	}
	gotName, gotVersion, plaintext, err := openEnvelope(db.key, entry.Offset, payload)
	if err != nil || gotName != name || gotVersion != entry.Version {
		return nil, wrap(ErrCorruption, withSeverity(SeverityFatal), withBlock(name), withOffset(int64(entry.Offset)),
			withSuggestion("run validate(Deep) then repair(Conservative); restore from backup if repair fails"))
	}
	if sha256.Sum256(plaintext) != entry.Checksum {
		return nil, wrap(ErrCorruption, withSeverity(SeverityFatal), withBlock(name),
			withSuggestion("checksum mismatch; run repair(Conservative)"))
	}
	return plaintext, nil
}

// WriteBlock writes name=data outside any explicit transaction: an
// implicit single-operation transaction.
func (db *Db) WriteBlock(name string, data []byte) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	if err := txn.WriteBlock(name, data); err != nil {
		return err
	}
	return txn.Commit()
}

// DeleteBlock removes name in an implicit transaction.
func (db *Db) DeleteBlock(name string) error {
	txn, err := db.Begin()
	if err != nil {
		return err
	}
	if err := txn.DeleteBlock(name); err != nil {
		return err
	}
	return txn.Commit()
}

// Flush persists dirty meta-state (registry + FSM directory blocks)
// without appending a Checkpoint record or trimming the WAL.
func (db *Db) Flush() error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	return db.flushMetaLocked()
}

// ForceSave flushes and fsyncs the backing file, short of a full
// checkpoint (no WAL trimming).
func (db *Db) ForceSave() error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	if err := db.flushMetaLocked(); err != nil {
		return err
	}
	return db.bs.Sync()
}

// CacheStats exposes the page cache's statistics.
func (db *Db) CacheStats() CacheStats { return db.cache.Stats() }

// FragmentationRatio exposes the FSM's fragmentation metric.
func (db *Db) FragmentationRatio() float64 { return db.fsm.FragmentationRatio() }

// SetLogger attaches a structured logger for checkpoint, vacuum, and
// orphan-sweep events. The zero-value logger discards everything, so
// the engine is silent unless a host opts in.
func (db *Db) SetLogger(l zerolog.Logger) { db.log = l }
