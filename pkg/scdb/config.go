package scdb

import (
	"github.com/sharpcoredb/scdb/pkg/crypto"
)

// VacuumMode selects a VACUUM strategy.
type VacuumMode int

const (
	VacuumQuick VacuumMode = iota
	VacuumIncremental
	VacuumFull
)

// ValidationMode selects a validate() thoroughness level.
type ValidationMode int

const (
	ValidationQuick ValidationMode = iota
	ValidationStandard
	ValidationDeep
	ValidationParanoid
)

// RepairPolicy bounds how aggressively a repair is allowed to drop
// data: conservative never loses any, moderate and aggressive permit
// progressive drops of blocks that cannot be made consistent.
type RepairPolicy int

const (
	RepairConservative RepairPolicy = iota
	RepairModerate
	RepairAggressive
)

// Options configures an already-existing database at Open time.
type Options struct {
	CachePages              int
	WalSegmentSize          uint64
	CheckpointIntervalBytes uint64
	CheckpointIdleMillis    int64
	InlineThreshold         uint32
	OverflowThreshold       uint32
	OrphanRetentionSeconds  int64
	VacuumDefaultMode       VacuumMode
	ValidationDefaultMode   ValidationMode
}

// DefaultOptions returns sane defaults for Open: 4 KiB inline and
// 256 KiB overflow row-tier thresholds, 4 MiB WAL segments, and a
// 16 MiB checkpoint budget.
func DefaultOptions() Options {
	return Options{
		CachePages:              1024,
		WalSegmentSize:          4 << 20,
		CheckpointIntervalBytes: 16 << 20,
		CheckpointIdleMillis:    5000,
		InlineThreshold:         4096,
		OverflowThreshold:       262144,
		OrphanRetentionSeconds:  24 * 3600,
		VacuumDefaultMode:       VacuumQuick,
		ValidationDefaultMode:   ValidationStandard,
	}
}

// CreateOptions configures a brand-new database file. The fields in
// Options remain tunable on every subsequent Open; PageSize and KDF are
// fixed for the life of the file once Create returns.
type CreateOptions struct {
	Options

	PageSize uint32
	KDF      crypto.KDFParams
}

// DefaultCreateOptions returns a 4 KiB page size and fresh Argon2id
// KDF params.
func DefaultCreateOptions() (CreateOptions, error) {
	kdf, err := crypto.DefaultKDFParams()
	if err != nil {
		return CreateOptions{}, err
	}
	return CreateOptions{
		Options:  DefaultOptions(),
		PageSize: 4096,
		KDF:      kdf,
	}, nil
}
