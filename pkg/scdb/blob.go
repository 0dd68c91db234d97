package scdb

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

// External blobs: one file per row under a
// sibling blobs/ directory with a two-level hex fan-out, plus a 40-byte
// sidecar {size:u64 | sha256:32} mirroring the integrity metadata.
const (
	blobDirName    = "blobs"
	blobMetaSize   = 40
	blobBinSuffix  = ".bin"
	blobMetaSuffix = ".meta"
)

func (db *Db) blobRoot() string {
	return filepath.Join(filepath.Dir(db.path), blobDirName)
}

// blobRelPath builds the fan-out path blobs/<aa>/<bb>/<hex32>.bin
// relative to the database file's directory.
func blobRelPath(hex32 string) string {
	return filepath.Join(blobDirName, hex32[0:2], hex32[2:4], hex32+blobBinSuffix)
}

// writeBlob persists row as a new external file plus its sidecar and
// returns the pointer to store in the owning page. The .bin is synced
// before the sidecar is written, so a sidecar's presence implies a
// durable payload.
func (db *Db) writeBlob(row []byte) (FilePointer, error) {
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return FilePointer{}, wrap(ErrIO, withSuggestion("generate blob id"))
	}
	hex32 := hex.EncodeToString(idBytes[:])
	rel := blobRelPath(hex32)
	abs := filepath.Join(filepath.Dir(db.path), rel)

	if err := db.fsys.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return FilePointer{}, wrap(ErrIO, withSuggestion("create blobs directory"))
	}

	f, err := db.fsys.OpenFile(abs, osCreateExclFlags, 0o600)
	if err != nil {
		return FilePointer{}, wrap(ErrIO, withSuggestion("create blob file"))
	}
	if _, err := f.Write(row); err != nil {
		_ = f.Close()
		_ = db.fsys.Remove(abs)
		return FilePointer{}, wrap(ErrIO, withSuggestion("write blob file"))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = db.fsys.Remove(abs)
		return FilePointer{}, wrap(ErrIO, withSuggestion("sync blob file"))
	}
	if err := f.Close(); err != nil {
		return FilePointer{}, wrap(ErrIO)
	}

	checksum := rowChecksum(row)
	meta := make([]byte, blobMetaSize)
	binary.LittleEndian.PutUint64(meta[0:8], uint64(len(row)))
	copy(meta[8:40], checksum[:])

	writer := scfs.NewAtomicWriter(db.fsys)
	metaPath := strings.TrimSuffix(abs, blobBinSuffix) + blobMetaSuffix
	if err := writer.WriteWithDefaults(metaPath, bytes.NewReader(meta)); err != nil {
		_ = db.fsys.Remove(abs)
		return FilePointer{}, wrap(ErrIO, withSuggestion("write blob sidecar"))
	}

	return FilePointer{
		FileID:       uuid.UUID(idBytes),
		RelativePath: rel,
		Size:         uint64(len(row)),
		Checksum:     checksum,
	}, nil
}

// readBlob reads the external payload back and verifies size and
// checksum against the pointer. A missing file or a size mismatch is
// severe corruption, a checksum mismatch fatal corruption, each with the
// pointer's identity attached.
func (db *Db) readBlob(fp FilePointer) ([]byte, error) {
	abs := filepath.Join(filepath.Dir(db.path), fp.RelativePath)
	data, err := db.fsys.ReadFile(abs)
	if err != nil {
		return nil, wrap(ErrCorruption, withSeverity(SeveritySevere), withBlock(fp.RelativePath),
			withSuggestion("referenced blob file is missing; run validate(Standard), then restore it from backup"))
	}
	if uint64(len(data)) != fp.Size {
		return nil, wrap(ErrCorruption, withSeverity(SeveritySevere), withBlock(fp.RelativePath),
			withSuggestion("blob size mismatch; run validate(Standard)"))
	}
	if got := rowChecksum(data); !bytes.Equal(got[:], fp.Checksum[:]) {
		return nil, wrap(ErrCorruption, withSeverity(SeverityFatal), withBlock(fp.RelativePath),
			withSuggestion("blob checksum mismatch; restore the file from backup"))
	}
	return data, nil
}

// removeBlob deletes the payload and its sidecar. Best effort: a
// half-removed pair is exactly what the orphan sweep exists to mop up.
func (db *Db) removeBlob(fp FilePointer) {
	abs := filepath.Join(filepath.Dir(db.path), fp.RelativePath)
	_ = db.fsys.Remove(abs)
	_ = db.fsys.Remove(strings.TrimSuffix(abs, blobBinSuffix) + blobMetaSuffix)
}

// referencedBlobs collects every FilePointer stored in any page block,
// keyed by relative path.
func (db *Db) referencedBlobs() (map[string]FilePointer, error) {
	refs := make(map[string]FilePointer)
	var names []string
	db.registry.Iterate(func(e RegistryEntry) bool {
		if strings.HasPrefix(e.Name, "page:") {
			names = append(names, e.Name)
		}
		return true
	})
	for _, name := range names {
		raw, err := db.ReadBlock(name)
		if err != nil {
			return nil, err
		}
		p, err := parsePage(raw)
		if err != nil {
			return nil, newCorruption(SeveritySevere, name, "page is malformed; run validate(Standard)")
		}
		for _, payload := range p.rows {
			if len(payload) == 0 || payload[0] != rowKindExternal {
				continue
			}
			fp, err := decodeFilePointer(payload)
			if err != nil {
				return nil, newCorruption(SeveritySevere, name, "file pointer is malformed")
			}
			refs[fp.RelativePath] = fp
		}
	}
	return refs, nil
}

// OrphanFinding describes one blob-tier inconsistency.
type OrphanFinding struct {
	RelativePath string
	Size         int64
	ModTime      time.Time
}

// MissingFinding describes a referenced blob whose file is absent —
// corruption.8.
type MissingFinding struct {
	Pointer FilePointer
}

// OrphanReport is the result of FindOrphans.
type OrphanReport struct {
	Orphans []OrphanFinding
	Missing []MissingFinding
}

// FindOrphans scans blobs/ against the registry-resident FilePointers
// and reports files nobody references and references nobody backs.
func (db *Db) FindOrphans(ctx context.Context) (*OrphanReport, error) {
	if db.closed.Load() {
		return nil, wrap(ErrClosed)
	}

	refs, err := db.referencedBlobs()
	if err != nil {
		return nil, err
	}

	report := &OrphanReport{}
	onDisk := make(map[string]bool)

	root := db.blobRoot()
	if ok, _ := db.fsys.Exists(root); ok {
		if err := db.walkBlobs(ctx, root, func(rel string, size int64, mod time.Time) {
			onDisk[rel] = true
			if _, referenced := refs[rel]; !referenced {
				report.Orphans = append(report.Orphans, OrphanFinding{RelativePath: rel, Size: size, ModTime: mod})
			}
		}); err != nil {
			return nil, err
		}
	}

	for rel, fp := range refs {
		if !onDisk[rel] {
			report.Missing = append(report.Missing, MissingFinding{Pointer: fp})
		}
	}
	return report, nil
}

// walkBlobs visits every .bin under root, yielding its path relative to
// the database directory. Cancellation is checked per directory.
func (db *Db) walkBlobs(ctx context.Context, root string, visit func(rel string, size int64, mod time.Time)) error {
	level1, err := db.fsys.ReadDir(root)
	if err != nil {
		return wrap(ErrIO, withSuggestion("read blobs directory"))
	}
	for _, d1 := range level1 {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if !d1.IsDir() {
			continue
		}
		level2, err := db.fsys.ReadDir(filepath.Join(root, d1.Name()))
		if err != nil {
			continue
		}
		for _, d2 := range level2 {
			if !d2.IsDir() {
				continue
			}
			files, err := db.fsys.ReadDir(filepath.Join(root, d1.Name(), d2.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), blobBinSuffix) {
					continue
				}
				info, err := f.Info()
				if err != nil {
					continue
				}
				rel := filepath.Join(blobDirName, d1.Name(), d2.Name(), f.Name())
				visit(rel, info.Size(), info.ModTime())
			}
		}
	}
	return nil
}

// CleanupResult summarizes one orphan sweep.
type CleanupResult struct {
	Examined int
	Removed  []string
	Retained []string
	DryRun   bool
}

// CleanOrphansDefault sweeps with the retention configured at open
// (orphan_retention).
func (db *Db) CleanOrphansDefault(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	return db.CleanOrphans(ctx, time.Duration(db.opts.OrphanRetentionSeconds)*time.Second, dryRun)
}

// CleanOrphans removes orphaned blobs older than retention. The
// registry snapshot taken at the start guards each deletion; any
// concurrent registry change aborts the sweep with Conflict rather than
// racing a writer that might be re-referencing a file.
func (db *Db) CleanOrphans(ctx context.Context, retention time.Duration, dryRun bool) (*CleanupResult, error) {
	if db.closed.Load() {
		return nil, wrap(ErrClosed)
	}

	snapshot := db.registry.Mutations()
	report, err := db.FindOrphans(ctx)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{DryRun: dryRun}
	now := time.Now()
	for _, o := range report.Orphans {
		if err := ctxErr(ctx); err != nil {
			return result, err
		}
		result.Examined++
		if now.Sub(o.ModTime) < retention {
			result.Retained = append(result.Retained, o.RelativePath)
			continue
		}
		if db.registry.Mutations() != snapshot {
			return result, wrap(ErrConflict,
				withSuggestion("registry changed during the orphan sweep; re-run clean_orphans"))
		}
		if dryRun {
			result.Removed = append(result.Removed, o.RelativePath)
			continue
		}
		abs := filepath.Join(filepath.Dir(db.path), o.RelativePath)
		if err := db.fsys.Remove(abs); err != nil {
			return result, wrap(ErrIO, withSuggestion("remove orphan blob"))
		}
		_ = db.fsys.Remove(strings.TrimSuffix(abs, blobBinSuffix) + blobMetaSuffix)
		result.Removed = append(result.Removed, o.RelativePath)
	}

	if !dryRun && len(result.Removed) > 0 {
		db.log.Info().Int("removed", len(result.Removed)).Msg("orphan sweep complete")
	}
	return result, nil
}
