package scdb

import (
	"context"
	"strings"
)

// ctxErr maps a context failure onto the error taxonomy: deadline
// expiry is Timeout, explicit cancellation is Cancelled.
func ctxErr(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return wrap(ErrTimeout)
	default:
		return wrap(ErrCancelled)
	}
}

// Vacuum reclaims space per mode. Quick bounds the WAL,
// Incremental trims reclaimable space at the file tail, Full rewrites
// the whole file with no gaps. All modes leave the database consistent
// if cancelled mid-way.
func (db *Db) Vacuum(ctx context.Context, mode VacuumMode) error {
	if db.closed.Load() {
		return wrap(ErrClosed)
	}
	switch mode {
	case VacuumQuick:
		return db.vacuumQuick()
	case VacuumIncremental:
		return db.vacuumIncremental(ctx)
	case VacuumFull:
		return db.vacuumFull(ctx)
	default:
		return db.vacuumQuick()
	}
}

// VacuumDefault runs Vacuum with the mode configured at open
// (vacuum_default_mode).
func (db *Db) VacuumDefault(ctx context.Context) error {
	return db.Vacuum(ctx, db.opts.VacuumDefaultMode)
}

// vacuumQuick appends a checkpoint, flushes dirty state, and trims the
// WAL — the sub-20ms mode.
func (db *Db) vacuumQuick() error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	return db.checkpointLocked()
}

// vacuumIncremental coalesces free extents (a standing property of the
// FSM's insert path) and gives back any free space touching the file
// tail by truncating the backing file.
func (db *Db) vacuumIncremental(ctx context.Context) error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := db.checkpointLocked(); err != nil {
		return err
	}

	extents := db.fsm.Extents()
	if len(extents) == 0 {
		return nil
	}
	last := extents[len(extents)-1]
	if last.end() != db.fileEnd {
		return nil
	}

	if _, err := db.fsm.Allocate(last.Size); err != nil {
		return nil
	}
	db.fileEnd = last.Offset
	if err := db.bs.Truncate(int64(db.fileEnd)); err != nil {
		// Put the extent back; the tail stays allocated but free.
		db.fsm.Release(last.Offset, last.Size)
		return err
	}

	db.log.Debug().Uint64("reclaimed", last.Size).Msg("incremental vacuum trimmed file tail")
	return db.flushMetaLocked()
}

// vacuumFull rewrites the database into a fresh file alongside the old
// one, fsyncs it, and atomically renames it into place; on partial
// failure the old file remains canonical. The writer lock is held
// throughout; readers racing the final swap are the caller's
// responsibility under the single-process model.
func (db *Db) vacuumFull(ctx context.Context) error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	if err := db.checkpointLocked(); err != nil {
		return err
	}

	tmpPath := db.path + ".vacuum"
	_ = db.fsys.Remove(tmpPath)

	fresh, err := createWithKey(db.fsys, tmpPath, db.key, CreateOptions{
		Options:  db.opts,
		PageSize: db.header.PageSize,
		KDF:      db.header.KDF,
	})
	if err != nil {
		return err
	}
	fresh.header.DatabaseUUID = db.header.DatabaseUUID

	copyErr := func() error {
		var names []string
		db.registry.Iterate(func(e RegistryEntry) bool {
			if !strings.HasPrefix(e.Name, walSegmentPrefix) {
				names = append(names, e.Name)
			}
			return true
		})
		for _, name := range names {
			if err := ctxErr(ctx); err != nil {
				return err
			}
			data, err := db.ReadBlock(name)
			if err != nil {
				return err
			}
			if err := fresh.applyWriteDirect(name, data); err != nil {
				return err
			}
		}
		fresh.writerMu.Lock()
		defer fresh.writerMu.Unlock()
		return fresh.flushMetaLocked()
	}()
	if copyErr != nil {
		_ = fresh.file.Close()
		_ = db.fsys.Remove(tmpPath)
		return copyErr
	}

	if err := fresh.bs.Sync(); err != nil {
		_ = fresh.file.Close()
		_ = db.fsys.Remove(tmpPath)
		return err
	}

	// The swap: rename is the atomic commit point. The old handle keeps
	// reading the unlinked inode until the new state is adopted below.
	if err := db.fsys.Rename(tmpPath, db.path); err != nil {
		_ = fresh.file.Close()
		_ = db.fsys.Remove(tmpPath)
		return wrap(ErrIO, withSuggestion("vacuum rename failed; the original file is untouched"))
	}

	old := db.file
	db.file = fresh.file
	db.bs = fresh.bs
	db.registry = fresh.registry
	db.fsm = fresh.fsm
	db.header = fresh.header
	db.fileEnd = fresh.fileEnd
	db.ver = fresh.ver
	db.wal = NewWal(db, db.opts.WalSegmentSize)
	db.wal.nextLSN = db.header.LastCheckpointLSN + 1
	db.cache = NewPageCache(db.opts.CachePages)
	_ = old.Close()

	db.log.Info().Str("path", db.path).Msg("full vacuum complete")
	return nil
}

// applyWriteDirect is applyWrite under the target's own writer lock,
// used while populating a vacuum or repair target that has no readers
// yet.
func (db *Db) applyWriteDirect(name string, data []byte) error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	return db.applyWrite(name, data)
}
