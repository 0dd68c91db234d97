package scdb

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Finding is one validation observation: what is wrong, where, and
// what to do about it.
type Finding struct {
	Severity          Severity `yaml:"severity"`
	Location          string   `yaml:"location"`
	Block             string   `yaml:"block,omitempty"`
	Offset            int64    `yaml:"offset,omitempty"`
	Message           string   `yaml:"message"`
	RecommendedAction string   `yaml:"recommended_action"`
}

// Report is the result of one Validate run. The ID is stable across
// process restarts so error messages and repair manifests can point
// back at it.
type Report struct {
	ID            string         `yaml:"id"`
	Mode          ValidationMode `yaml:"mode"`
	CheckedBlocks int            `yaml:"checked_blocks"`
	Findings      []Finding      `yaml:"findings"`
	Started       time.Time      `yaml:"started"`
	Elapsed       time.Duration  `yaml:"elapsed"`
}

func (s Severity) MarshalYAML() (any, error)       { return s.String(), nil }
func (m ValidationMode) MarshalYAML() (any, error) { return m.String(), nil }

func (m ValidationMode) String() string {
	switch m {
	case ValidationQuick:
		return "Quick"
	case ValidationStandard:
		return "Standard"
	case ValidationDeep:
		return "Deep"
	case ValidationParanoid:
		return "Paranoid"
	default:
		return "Unknown"
	}
}

// Worst returns the highest severity present, or SeverityInfo for a
// clean report.
func (r *Report) Worst() Severity {
	worst := SeverityInfo
	for _, f := range r.Findings {
		if f.Severity > worst {
			worst = f.Severity
		}
	}
	return worst
}

// YAML renders the report human-readable.
func (r *Report) YAML() ([]byte, error) { return yaml.Marshal(r) }

func (r *Report) add(f Finding) { r.Findings = append(r.Findings, f) }

const repairSuggestion = "run validate(Deep) then repair(Conservative); restore from backup if repair fails"

// Validate checks on-disk integrity at the requested thoroughness.
// Findings land in the report; the returned error is reserved for the
// validator itself failing (I/O, cancellation).
func (db *Db) Validate(ctx context.Context, mode ValidationMode) (*Report, error) {
	if db.closed.Load() {
		return nil, wrap(ErrClosed)
	}

	report := &Report{
		ID:      uuid.NewString(),
		Mode:    mode,
		Started: time.Now(),
	}
	defer func() { report.Elapsed = time.Since(report.Started) }()

	if err := db.validateHeader(report); err != nil {
		return report, err
	}
	if mode == ValidationQuick {
		return report, nil
	}

	if err := db.validatePartition(report); err != nil {
		return report, err
	}
	if err := db.validateFrames(ctx, report, mode == ValidationParanoid); err != nil {
		return report, err
	}
	if err := db.validateBlobs(ctx, report); err != nil {
		return report, err
	}
	if mode == ValidationStandard {
		return report, nil
	}

	// Deep: WAL replay dry-run. Replay never mutates state; it only
	// decodes and reports what a recovery would do.
	if _, err := db.wal.Replay(); err != nil {
		report.add(Finding{
			Severity:          SeveritySevere,
			Location:          "wal",
			Message:           "WAL replay dry-run failed",
			RecommendedAction: repairSuggestion,
		})
	}

	return report, nil
}

// ValidateDefault runs Validate at the thoroughness configured at open
// (validation_default_mode).
func (db *Db) ValidateDefault(ctx context.Context) (*Report, error) {
	return db.Validate(ctx, db.opts.ValidationDefaultMode)
}

// validateHeader is the Quick tier: magic, version, and checksum of the
// header as it exists on disk right now.
func (db *Db) validateHeader(report *Report) error {
	buf := make([]byte, headerSize)
	if _, err := db.file.Seek(0, 0); err != nil {
		return wrap(ErrIO)
	}
	if _, err := readFull(db.file, buf); err != nil {
		report.add(Finding{
			Severity:          SeverityFatal,
			Location:          "header",
			Message:           "file is shorter than the fixed header",
			RecommendedAction: "restore from backup",
		})
		return nil
	}
	if _, err := decodeHeader(buf); err != nil {
		report.add(Finding{
			Severity:          SeverityFatal,
			Location:          "header",
			Message:           err.Error(),
			RecommendedAction: repairSuggestion,
		})
	}
	return nil
}

// validatePartition checks invariants 2 and 3: registry
// extents and free extents are pairwise disjoint, and together with the
// header they tile the file. Unaccounted gaps are leaks, not data loss.
func (db *Db) validatePartition(report *Report) error {
	type interval struct {
		off, end uint64
		what     string
	}
	intervals := []interval{{0, headerSize, "header"}}

	db.registry.Iterate(func(e RegistryEntry) bool {
		intervals = append(intervals, interval{e.Offset, e.Offset + allocSizeFor(int(e.Size)), "block " + e.Name})
		return true
	})
	for _, e := range db.fsm.Extents() {
		intervals = append(intervals, interval{e.Offset, e.end(), "free extent"})
	}
	// The meta blocks the header points at are live even though they
	// are not registry entries themselves.
	if db.header.RegistrySize > 0 {
		intervals = append(intervals, interval{
			db.header.RegistryOffset,
			db.header.RegistryOffset + allocSizeFor(envelopeSize(registryBlockName, int(db.header.RegistrySize))),
			"registry block",
		})
	}
	if db.header.FSMSize > 0 {
		intervals = append(intervals, interval{
			db.header.FSMOffset,
			db.header.FSMOffset + allocSizeFor(envelopeSize(fsmBlockName, int(db.header.FSMSize))),
			"fsm block",
		})
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].off < intervals[j].off })

	var prev interval
	for i, iv := range intervals {
		if i > 0 && iv.off < prev.end {
			report.add(Finding{
				Severity:          SeverityFatal,
				Location:          fmt.Sprintf("offset %d", iv.off),
				Offset:            int64(iv.off),
				Message:           fmt.Sprintf("%s overlaps %s", iv.what, prev.what),
				RecommendedAction: repairSuggestion,
			})
		}
		if i > 0 && iv.off > prev.end {
			report.add(Finding{
				Severity:          SeverityWarn,
				Location:          fmt.Sprintf("offset %d", prev.end),
				Offset:            int64(prev.end),
				Message:           fmt.Sprintf("%d bytes unaccounted between %s and %s", iv.off-prev.end, prev.what, iv.what),
				RecommendedAction: "run vacuum(Full) to reclaim leaked space",
			})
		}
		if iv.end > prev.end || i == 0 {
			prev = iv
		}
	}
	return nil
}

// validateFrames verifies every registered block's frame checksum, and
// under paranoid additionally re-decrypts each block and re-verifies
// its payload SHA-256 against the registry.
func (db *Db) validateFrames(ctx context.Context, report *Report, paranoid bool) error {
	var entries []RegistryEntry
	db.registry.Iterate(func(e RegistryEntry) bool {
		entries = append(entries, e)
		return true
	})

	for _, e := range entries {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		report.CheckedBlocks++

		payload, err := db.bs.ReadFrame(int64(e.Offset))
		if err != nil {
			report.add(Finding{
				Severity:          SeveritySevere,
				Location:          fmt.Sprintf("offset %d", e.Offset),
				Block:             e.Name,
				Offset:            int64(e.Offset),
				Message:           "block frame is torn or its checksum mismatches",
				RecommendedAction: repairSuggestion,
			})
			continue
		}
		if !paranoid {
			continue
		}
		if strings.HasPrefix(e.Name, walSegmentPrefix) {
			// WAL segments authenticate under their own rewrite counter;
			// an unreadable one means "log ends here", never corruption.
			continue
		}

		name, version, plaintext, err := openEnvelope(db.key, e.Offset, payload)
		if err != nil || name != e.Name || version != e.Version {
			report.add(Finding{
				Severity:          SeverityFatal,
				Location:          fmt.Sprintf("offset %d", e.Offset),
				Block:             e.Name,
				Offset:            int64(e.Offset),
				Message:           "block fails authenticated decryption",
				RecommendedAction: repairSuggestion,
			})
			continue
		}
		if sha256.Sum256(plaintext) != e.Checksum {
			report.add(Finding{
				Severity:          SeverityFatal,
				Location:          fmt.Sprintf("offset %d", e.Offset),
				Block:             e.Name,
				Offset:            int64(e.Offset),
				Message:           "block payload checksum does not match the registry",
				RecommendedAction: repairSuggestion,
			})
		}
	}
	return nil
}

// validateBlobs cross-checks the external tier: every FilePointer held
// in a page must resolve to a file of the recorded size. An unlinked
// blob behind a live row surfaces here as Severe, carrying the row's
// storage reference.
func (db *Db) validateBlobs(ctx context.Context, report *Report) error {
	var pages []string
	db.registry.Iterate(func(e RegistryEntry) bool {
		if strings.HasPrefix(e.Name, "page:") {
			pages = append(pages, e.Name)
		}
		return true
	})

	for _, name := range pages {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		raw, err := db.ReadBlock(name)
		if err != nil {
			continue // already reported by validateFrames
		}
		p, err := parsePage(raw)
		if err != nil {
			report.add(Finding{
				Severity:          SeveritySevere,
				Location:          name,
				Block:             name,
				Message:           "page layout is malformed",
				RecommendedAction: repairSuggestion,
			})
			continue
		}
		for slot, payload := range p.rows {
			if len(payload) == 0 || payload[0] != rowKindExternal {
				continue
			}
			fp, err := decodeFilePointer(payload)
			if err != nil {
				report.add(Finding{
					Severity:          SeveritySevere,
					Location:          fmt.Sprintf("%s/slot:%d", name, slot),
					Block:             name,
					Message:           "file pointer is malformed",
					RecommendedAction: repairSuggestion,
				})
				continue
			}
			if _, err := db.readBlob(fp); err != nil {
				report.add(Finding{
					Severity:          SeveritySevere,
					Location:          fmt.Sprintf("%s/slot:%d -> %s", name, slot, fp.RelativePath),
					Block:             name,
					Message:           "referenced external blob is missing or does not match its pointer",
					RecommendedAction: "restore the blob file from backup, or delete the row",
				})
			}
		}
	}
	return nil
}
