package scdb

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/natefinch/atomic"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// optionsFile is the JWCC (JSON-with-comments) shape of an optional
// sidecar config file, e.g. "scdb.jsonc" next to the database. Hosts
// that embed the engine can ship tuning defaults without recompiling.
// Zero-valued fields fall back to DefaultOptions.
type optionsFile struct {
	CachePages              int    `json:"cache_pages"`
	WalSegmentSize          uint64 `json:"wal_segment_size"`
	CheckpointIntervalBytes uint64 `json:"checkpoint_interval_bytes"`
	CheckpointIdleMillis    int64  `json:"checkpoint_idle_ms"`
	InlineThreshold         uint32 `json:"inline_threshold"`
	OverflowThreshold       uint32 `json:"overflow_threshold"`
	OrphanRetentionSeconds  int64  `json:"orphan_retention_seconds"`
	VacuumDefaultMode       string `json:"vacuum_default_mode"`
	ValidationDefaultMode   string `json:"validation_default_mode"`
}

// LoadOptionsFile reads a JWCC options file and overlays it onto the
// defaults. Comments and trailing commas are allowed; unknown fields
// are rejected so typos do not silently become defaults.
func LoadOptionsFile(path string) (Options, error) {
	opts := DefaultOptions()

	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, wrap(ErrIO, withSuggestion("read options file"))
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return opts, wrap(ErrFormat, withSuggestion("options file is not valid JWCC"))
	}

	var f optionsFile
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return opts, wrap(ErrFormat, withSuggestion("options file has unknown or mistyped fields"))
	}

	if f.CachePages > 0 {
		opts.CachePages = f.CachePages
	}
	if f.WalSegmentSize > 0 {
		opts.WalSegmentSize = f.WalSegmentSize
	}
	if f.CheckpointIntervalBytes > 0 {
		opts.CheckpointIntervalBytes = f.CheckpointIntervalBytes
	}
	if f.CheckpointIdleMillis > 0 {
		opts.CheckpointIdleMillis = f.CheckpointIdleMillis
	}
	if f.InlineThreshold > 0 {
		opts.InlineThreshold = f.InlineThreshold
	}
	if f.OverflowThreshold > 0 {
		opts.OverflowThreshold = f.OverflowThreshold
	}
	if f.OrphanRetentionSeconds > 0 {
		opts.OrphanRetentionSeconds = f.OrphanRetentionSeconds
	}
	if f.VacuumDefaultMode != "" {
		switch f.VacuumDefaultMode {
		case "Quick":
			opts.VacuumDefaultMode = VacuumQuick
		case "Incremental":
			opts.VacuumDefaultMode = VacuumIncremental
		case "Full":
			opts.VacuumDefaultMode = VacuumFull
		default:
			return opts, wrap(ErrFormat, withSuggestion("vacuum_default_mode must be Quick, Incremental, or Full"))
		}
	}
	if f.ValidationDefaultMode != "" {
		switch f.ValidationDefaultMode {
		case "Quick":
			opts.ValidationDefaultMode = ValidationQuick
		case "Standard":
			opts.ValidationDefaultMode = ValidationStandard
		case "Deep":
			opts.ValidationDefaultMode = ValidationDeep
		case "Paranoid":
			opts.ValidationDefaultMode = ValidationParanoid
		default:
			return opts, wrap(ErrFormat, withSuggestion("validation_default_mode must be Quick, Standard, Deep, or Paranoid"))
		}
	}

	return opts, nil
}

// SaveOptionsFile writes opts back out as plain JSON (a valid JWCC
// subset), atomically, so a crashed host never sees a half-written
// config.
func SaveOptionsFile(path string, opts Options) error {
	f := optionsFile{
		CachePages:              opts.CachePages,
		WalSegmentSize:          opts.WalSegmentSize,
		CheckpointIntervalBytes: opts.CheckpointIntervalBytes,
		CheckpointIdleMillis:    opts.CheckpointIdleMillis,
		InlineThreshold:         opts.InlineThreshold,
		OverflowThreshold:       opts.OverflowThreshold,
		OrphanRetentionSeconds:  opts.OrphanRetentionSeconds,
		VacuumDefaultMode:       [...]string{"Quick", "Incremental", "Full"}[opts.VacuumDefaultMode],
		ValidationDefaultMode:   opts.ValidationDefaultMode.String(),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return wrap(ErrIO)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return wrap(ErrIO, withSuggestion("write options file"))
	}
	return nil
}

// BindFlags registers every numeric tunable on a pflag set so a host
// application can expose engine options on its own command line without
// writing the plumbing itself.
func (o *Options) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.CachePages, "scdb-cache-pages", o.CachePages, "page cache capacity in frames")
	fs.Uint64Var(&o.WalSegmentSize, "scdb-wal-segment-size", o.WalSegmentSize, "max bytes per WAL segment before rotation")
	fs.Uint64Var(&o.CheckpointIntervalBytes, "scdb-checkpoint-interval-bytes", o.CheckpointIntervalBytes, "WAL bytes between checkpoints")
	fs.Int64Var(&o.CheckpointIdleMillis, "scdb-checkpoint-idle-ms", o.CheckpointIdleMillis, "idle milliseconds before a checkpoint")
	fs.Uint32Var(&o.InlineThreshold, "scdb-inline-threshold", o.InlineThreshold, "max row bytes stored inline in a page")
	fs.Uint32Var(&o.OverflowThreshold, "scdb-overflow-threshold", o.OverflowThreshold, "max row bytes stored in an overflow chain")
	fs.Int64Var(&o.OrphanRetentionSeconds, "scdb-orphan-retention-seconds", o.OrphanRetentionSeconds, "minimum age before an orphaned blob may be deleted")
}
