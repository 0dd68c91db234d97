package scdb

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sharpcoredb/scdb/pkg/crypto"
	scfs "github.com/sharpcoredb/scdb/pkg/fs"
)

// RepairResult summarizes one repair run. Lost is the
// manifest of block names that existed before the repair but could not
// be carried across it.
type RepairResult struct {
	ReportID   string
	BackupPath string
	Recovered  int
	Lost       []string
	Actions    []string
}

// RepairFile repairs the database at path in place. It always takes a
// byte-copy backup first; if any step fails its post-check the backup
// is restored and the original error surfaced.
//
// The core strategy is a registry rebuild: every block frame is
// self-describing (name and version travel in the envelope), so a scan
// of the file recovers every block whose frame verifies, even when the
// registry block itself is destroyed.
func RepairFile(fsys scfs.FS, path, password string, policy RepairPolicy) (*RepairResult, error) {
	result := &RepairResult{ReportID: uuid.NewString()}

	original, err := fsys.ReadFile(path)
	if err != nil {
		return nil, wrap(ErrIO, withSuggestion("read database file for backup"))
	}
	result.BackupPath = path + ".bak"
	if err := fsys.WriteFile(result.BackupPath, original, 0o600); err != nil {
		return nil, wrap(ErrIO, withSuggestion("write pre-repair backup"))
	}
	result.Actions = append(result.Actions, "backup written to "+result.BackupPath)

	repairErr := repairInPlace(fsys, path, password, policy, original, result)
	if repairErr != nil {
		if restoreErr := fsys.WriteFile(path, original, 0o600); restoreErr != nil {
			return result, wrap(ErrCorruption, withSeverity(SeverityFatal), withReportID(result.ReportID),
				withSuggestion("repair failed and the backup could not be restored automatically; restore "+result.BackupPath+" by hand"))
		}
		result.Actions = append(result.Actions, "repair failed; original restored from backup")
		return result, repairErr
	}

	// Post-check: the repaired file must open cleanly.
	db, err := Open(fsys, path, password, DefaultOptions())
	if err != nil {
		if restoreErr := fsys.WriteFile(path, original, 0o600); restoreErr != nil {
			return result, wrap(ErrCorruption, withSeverity(SeverityFatal), withReportID(result.ReportID),
				withSuggestion("post-repair open failed and the backup could not be restored; restore "+result.BackupPath+" by hand"))
		}
		result.Actions = append(result.Actions, "post-check failed; original restored from backup")
		return result, wrap(err, withReportID(result.ReportID))
	}
	_ = db.Close()
	result.Actions = append(result.Actions, "post-check passed")
	return result, nil
}

// scannedBlock is one recovered frame during the rebuild scan.
type scannedBlock struct {
	name      string
	offset    uint64
	size      uint32
	version   uint64
	plaintext []byte
}

func repairInPlace(fsys scfs.FS, path, password string, policy RepairPolicy, original []byte, result *RepairResult) error {
	if len(original) < headerSize {
		return wrap(ErrCorruption, withSeverity(SeverityFatal), withReportID(result.ReportID),
			withSuggestion("file is shorter than the header; nothing to rebuild from"))
	}
	header, err := decodeHeader(original[:headerSize])
	if err != nil {
		return wrap(err, withReportID(result.ReportID),
			withSuggestion("the header itself is unreadable; restore from backup"))
	}
	key := crypto.DeriveKey(password, header.KDF)

	best := scanFrames(key, original)
	if len(best) == 0 && header.RegistrySize > 0 {
		// A populated file where not a single frame authenticates means
		// the key is wrong, not that every block is gone.
		return wrap(ErrAuth, withReportID(result.ReportID),
			withSuggestion("no frame decrypted under this password; check the password before repairing"))
	}

	// Partition the survivors: data blocks are carried, WAL segments
	// and stale meta copies are rebuilt from scratch.
	var kept []scannedBlock
	for _, b := range best {
		switch {
		case b.name == registryBlockName || b.name == fsmBlockName:
			continue
		case strings.HasPrefix(b.name, walSegmentPrefix):
			result.Actions = append(result.Actions, "discarded WAL segment "+b.name+" (log reset by repair)")
			continue
		}
		if policy != RepairConservative && strings.HasPrefix(b.name, "page:") {
			if _, err := parsePage(b.plaintext); err != nil {
				result.Lost = append(result.Lost, b.name)
				result.Actions = append(result.Actions, "dropped malformed page "+b.name)
				continue
			}
		}
		kept = append(kept, b)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].offset < kept[j].offset })
	result.Recovered = len(kept)

	// Rewrite the file: same header identity, fresh meta, every kept
	// block re-sealed at a fresh offset. Writing a new file and
	// renaming it over path gives the same crash safety as full VACUUM.
	tmp := path + ".repair"
	_ = fsys.Remove(tmp)
	fresh, err := createWithKey(fsys, tmp, key, CreateOptions{
		Options:  DefaultOptions(),
		PageSize: header.PageSize,
		KDF:      header.KDF,
	})
	if err != nil {
		return err
	}
	fresh.header.DatabaseUUID = header.DatabaseUUID

	for _, b := range kept {
		if err := fresh.applyWriteDirect(b.name, b.plaintext); err != nil {
			_ = fresh.file.Close()
			_ = fsys.Remove(tmp)
			return err
		}
	}
	fresh.writerMu.Lock()
	flushErr := fresh.flushMetaLocked()
	fresh.writerMu.Unlock()
	if flushErr == nil {
		flushErr = fresh.bs.Sync()
	}
	closeErr := fresh.file.Close()
	if flushErr != nil {
		_ = fsys.Remove(tmp)
		return flushErr
	}
	if closeErr != nil {
		_ = fsys.Remove(tmp)
		return wrap(ErrIO)
	}

	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return wrap(ErrIO, withSuggestion("rename repaired file into place"))
	}
	result.Actions = append(result.Actions, "registry rebuilt by frame scan")
	return nil
}

// scanFrames walks the file at the allocation granule looking for
// frames that verify and envelopes that decrypt, keeping the highest
// version per block name (an older copy of a block may survive at its
// pre-rewrite offset).
func scanFrames(key []byte, data []byte) map[string]scannedBlock {
	best := make(map[string]scannedBlock)
	reader := &memFile{data: data}
	bs := NewBlockStore(reader)

	for pos := uint64(headerSize); pos+frameOverhead < uint64(len(data)); pos += 8 {
		payload, err := bs.ReadFrame(int64(pos))
		if err != nil {
			continue
		}
		name, version, plaintext, err := openEnvelope(key, pos, payload)
		if err != nil || name == "" {
			continue
		}
		if prev, ok := best[name]; ok && prev.version >= version {
			continue
		}
		best[name] = scannedBlock{
			name:      name,
			offset:    pos,
			size:      uint32(len(payload)),
			version:   version,
			plaintext: plaintext,
		}
	}
	return best
}

// memFile adapts an in-memory byte slice to the narrow scfs.File
// surface the BlockStore reads through during a scan.
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memFile) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = off
	case io.SeekCurrent:
		m.pos += off
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + off
	}
	return m.pos, nil
}

func (m *memFile) Write(p []byte) (int, error)   { return 0, io.ErrClosedPipe }
func (m *memFile) Close() error                  { return nil }
func (m *memFile) Fd() uintptr                   { return 0 }
func (m *memFile) Sync() error                   { return nil }
func (m *memFile) Chmod(os.FileMode) error       { return nil }
func (m *memFile) Stat() (os.FileInfo, error)    { return memFileInfo{size: int64(len(m.data))}, nil }

type memFileInfo struct{ size int64 }

func (i memFileInfo) Name() string       { return "mem" }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() os.FileMode  { return 0o600 }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }
