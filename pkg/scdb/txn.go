package scdb

import (
	"sort"
	"sync"
)

// Txn is an explicit transaction handle: begin, stage writes and
// deletes, then commit or roll back. Staged operations hit the WAL only
// at Commit; Commit returning nil is the moment the transaction is
// durable.
//
// Handles are passed explicitly rather than held in per-goroutine
// state. A Txn is not safe for concurrent use by multiple goroutines;
// concurrent transactions each get their own handle.
type Txn struct {
	db *Db
	id uint64

	mu     sync.Mutex
	writes map[string][]byte // staged after-images; nil value = delete
	base   map[string]uint64 // registry version observed at first touch; 0 = absent
	done   bool
}

// Begin starts a new transaction.
func (db *Db) Begin() (*Txn, error) {
	if db.closed.Load() {
		return nil, wrap(ErrClosed)
	}
	return &Txn{
		db:     db,
		id:     db.nextTxnID.Add(1),
		writes: make(map[string][]byte),
		base:   make(map[string]uint64),
	}, nil
}

// observeBase records the registry version of name the first time this
// transaction touches it, for the first-committer-wins conflict check.
func (t *Txn) observeBase(name string) {
	if _, seen := t.base[name]; seen {
		return
	}
	if entry, ok := t.db.registry.Get(name); ok {
		t.base[name] = entry.Version
	} else {
		t.base[name] = 0
	}
}

// WriteBlock stages name=data for commit. Later reads in this
// transaction observe the staged bytes (read-your-writes).
func (t *Txn) WriteBlock(name string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return wrap(ErrClosed, withSuggestion("transaction already committed or rolled back"))
	}
	if name == registryBlockName || name == fsmBlockName {
		return wrap(ErrConflict, withBlock(name), withSuggestion("system block names are reserved"))
	}
	t.observeBase(name)
	buf := make([]byte, len(data))
	copy(buf, data)
	t.writes[name] = buf
	return nil
}

// DeleteBlock stages removal of name.
func (t *Txn) DeleteBlock(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return wrap(ErrClosed, withSuggestion("transaction already committed or rolled back"))
	}
	t.observeBase(name)
	t.writes[name] = nil
	return nil
}

// ReadBlock returns this transaction's own staged bytes for name if it
// has any, falling back to the committed state otherwise.
func (t *Txn) ReadBlock(name string) ([]byte, error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil, wrap(ErrClosed)
	}
	staged, ok := t.writes[name]
	t.mu.Unlock()

	if ok {
		if staged == nil {
			return nil, wrap(ErrNotFound, withBlock(name))
		}
		out := make([]byte, len(staged))
		copy(out, staged)
		return out, nil
	}
	return t.db.ReadBlock(name)
}

// Commit appends every staged operation to the WAL, fsyncs the
// CommitTxn record (the durability point), then applies the staged
// state. A concurrent transaction that already committed a write to any
// overlapping block since this transaction first touched it causes
// ErrConflict and nothing is applied.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return wrap(ErrClosed, withSuggestion("transaction already committed or rolled back"))
	}
	t.done = true

	if len(t.writes) == 0 {
		return nil
	}

	db := t.db
	if db.closed.Load() {
		return wrap(ErrClosed)
	}
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	for name, base := range t.base {
		var cur uint64
		if entry, ok := db.registry.Get(name); ok {
			cur = entry.Version
		}
		if cur != base {
			return wrap(ErrConflict, withBlock(name),
				withSuggestion("another transaction committed this block first; retry the transaction"))
		}
	}

	names := make([]string, 0, len(t.writes))
	for name := range t.writes {
		names = append(names, name)
	}
	sort.Strings(names)

	if _, err := db.wal.Append(WalBeginTxn, t.id, "", nil); err != nil {
		return err
	}
	var appended uint64
	for _, name := range names {
		data := t.writes[name]
		if data == nil {
			if _, err := db.wal.Append(WalBlockFree, t.id, name, nil); err != nil {
				return err
			}
			continue
		}
		if _, err := db.wal.Append(WalBlockWrite, t.id, name, data); err != nil {
			return err
		}
		appended += uint64(len(data))
	}
	commitLSN, err := db.wal.Append(WalCommitTxn, t.id, "", nil)
	if err != nil {
		return err
	}
	if err := db.wal.Sync(commitLSN); err != nil {
		return err
	}

	for _, name := range names {
		data := t.writes[name]
		if data == nil {
			db.applyDelete(name)
			continue
		}
		if err := db.applyWrite(name, data); err != nil {
			return err
		}
	}

	db.walBytesSinceCkpt.Add(appended)
	return db.maybeCheckpointLocked()
}

// Rollback discards every staged operation. Calling Rollback after
// Commit is a no-op, so defer txn.Rollback() is always safe.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.writes = nil
	t.base = nil
	return nil
}
