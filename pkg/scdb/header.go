package scdb

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/sharpcoredb/scdb/pkg/crypto"
)

// headerMagic identifies an SCDB file.
const headerMagic = "SCDB"

// formatVersion is the on-disk format version. Open refuses a mismatch
// with [ErrFormat] rather than guessing at cross-version compatibility.
const formatVersion uint16 = 1

// encryptionAlgoChaCha20Poly1305 is the only algorithm id this
// implementation supports.
const encryptionAlgoChaCha20Poly1305 uint8 = 1

// headerSize is the fixed on-disk size of the file header.
//
// The full field set (a 16-byte database uuid, a 16-byte Argon2 salt,
// two meta-block pointers, and the rest) does not fit in 64 bytes, so
// the fixed size is the next power of two up; see DESIGN.md.
const headerSize = 128

const (
	offMagic          = 0
	offFormatVersion  = 4
	offPageSize       = 6
	offEncryptionAlgo = 10
	offKDFSalt        = 11
	offKDFMemoryKiB   = 27
	offKDFTime        = 31
	offKDFParallel    = 35
	offDatabaseUUID   = 36
	offRegistryOffset = 52
	offRegistrySize   = 60
	offWALOrigin      = 64
	offCreatedUnixNS  = 72
	offLastCkptLSN    = 80
	offGeneration     = 88
	offHeaderCRC32C   = 96
	offRegistryVersion = 100
	offFSMOffset      = 108
	offFSMSize        = 116
	offFSMVersion      = 120
)

// Header is the decoded SCDB file header.
type Header struct {
	FormatVersion    uint16
	PageSize         uint32
	EncryptionAlgoID uint8
	KDF              crypto.KDFParams
	DatabaseUUID     uuid.UUID
	RegistryOffset   uint64
	RegistrySize     uint32
	RegistryVersion  uint64
	WALOrigin        uint64
	CreatedUnixNano  int64
	LastCheckpointLSN uint64

	// FSMOffset/FSMSize/FSMVersion locate the persisted free-space
	// manager block, the same way RegistryOffset/RegistrySize locate
	// the registry block.
	FSMOffset  uint64
	FSMSize    uint32
	FSMVersion uint64

	// Generation is a seqlock counter: even means the header is stable,
	// odd means a writer is mid-update.
	Generation uint64
}

func newHeader(pageSize uint32, kdf crypto.KDFParams) *Header {
	return &Header{
		FormatVersion:    formatVersion,
		PageSize:         pageSize,
		EncryptionAlgoID: encryptionAlgoChaCha20Poly1305,
		KDF:              kdf,
		DatabaseUUID:     uuid.New(),
		RegistryOffset:   headerSize,
		RegistrySize:     0,
		WALOrigin:        headerSize,
		Generation:       0,
	}
}

// encode serializes h into a headerSize-byte buffer, computing the CRC
// over every field except Generation and the CRC field itself, so the
// CRC stays stable across a generation bump.
func (h *Header) encode() []byte {
	buf := make([]byte, headerSize)

	copy(buf[offMagic:], headerMagic)
	binary.LittleEndian.PutUint16(buf[offFormatVersion:], h.FormatVersion)
	binary.LittleEndian.PutUint32(buf[offPageSize:], h.PageSize)
	buf[offEncryptionAlgo] = h.EncryptionAlgoID
	copy(buf[offKDFSalt:], h.KDF.Salt[:])
	binary.LittleEndian.PutUint32(buf[offKDFMemoryKiB:], h.KDF.MemoryKiB)
	binary.LittleEndian.PutUint32(buf[offKDFTime:], h.KDF.Time)
	buf[offKDFParallel] = h.KDF.Parallelism
	copy(buf[offDatabaseUUID:], h.DatabaseUUID[:])
	binary.LittleEndian.PutUint64(buf[offRegistryOffset:], h.RegistryOffset)
	binary.LittleEndian.PutUint32(buf[offRegistrySize:], h.RegistrySize)
	binary.LittleEndian.PutUint64(buf[offWALOrigin:], h.WALOrigin)
	binary.LittleEndian.PutUint64(buf[offCreatedUnixNS:], uint64(h.CreatedUnixNano))
	binary.LittleEndian.PutUint64(buf[offLastCkptLSN:], h.LastCheckpointLSN)
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)
	binary.LittleEndian.PutUint64(buf[offRegistryVersion:], h.RegistryVersion)
	binary.LittleEndian.PutUint64(buf[offFSMOffset:], h.FSMOffset)
	binary.LittleEndian.PutUint32(buf[offFSMSize:], h.FSMSize)
	binary.LittleEndian.PutUint64(buf[offFSMVersion:], h.FSMVersion)

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc)

	return buf
}

func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < headerSize {
		return nil, wrap(ErrFormat, withSuggestion("file is smaller than the header size"))
	}
	if string(buf[offMagic:offMagic+4]) != headerMagic {
		return nil, wrap(ErrFormat, withSuggestion("bad magic bytes; not an SCDB file"))
	}

	h := &Header{}
	h.FormatVersion = binary.LittleEndian.Uint16(buf[offFormatVersion:])
	if h.FormatVersion != formatVersion {
		return nil, wrap(ErrFormat, withSuggestion("incompatible format version"))
	}

	if !validateHeaderCRC(buf) {
		return nil, newCorruption(SeverityFatal, "header", "run validate(Deep) then repair(Conservative); restore from backup if repair fails")
	}

	h.PageSize = binary.LittleEndian.Uint32(buf[offPageSize:])
	h.EncryptionAlgoID = buf[offEncryptionAlgo]
	copy(h.KDF.Salt[:], buf[offKDFSalt:offKDFSalt+crypto.SaltSize])
	h.KDF.MemoryKiB = binary.LittleEndian.Uint32(buf[offKDFMemoryKiB:])
	h.KDF.Time = binary.LittleEndian.Uint32(buf[offKDFTime:])
	h.KDF.Parallelism = buf[offKDFParallel]
	copy(h.DatabaseUUID[:], buf[offDatabaseUUID:offDatabaseUUID+16])
	h.RegistryOffset = binary.LittleEndian.Uint64(buf[offRegistryOffset:])
	h.RegistrySize = binary.LittleEndian.Uint32(buf[offRegistrySize:])
	h.WALOrigin = binary.LittleEndian.Uint64(buf[offWALOrigin:])
	h.CreatedUnixNano = int64(binary.LittleEndian.Uint64(buf[offCreatedUnixNS:]))
	h.LastCheckpointLSN = binary.LittleEndian.Uint64(buf[offLastCkptLSN:])
	h.Generation = binary.LittleEndian.Uint64(buf[offGeneration:])
	h.RegistryVersion = binary.LittleEndian.Uint64(buf[offRegistryVersion:])
	h.FSMOffset = binary.LittleEndian.Uint64(buf[offFSMOffset:])
	h.FSMSize = binary.LittleEndian.Uint32(buf[offFSMSize:])
	h.FSMVersion = binary.LittleEndian.Uint64(buf[offFSMVersion:])

	return h, nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, headerSize)
	copy(tmp, buf)
	for i := offGeneration; i < offGeneration+8; i++ {
		tmp[i] = 0
	}
	for i := offHeaderCRC32C; i < offHeaderCRC32C+4; i++ {
		tmp[i] = 0
	}
	return crc32.Checksum(tmp, castagnoliTable)
}

func validateHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])
	return stored == computeHeaderCRC(buf)
}

// beginGenerationUpdate marks the header as "writer active" (odd
// generation). Nothing in the engine reads the counter back as a
// consistency check; it is persisted with every header write.
func (h *Header) beginGenerationUpdate() {
	h.Generation++
}

// endGenerationUpdate marks the header as stable again (even
// generation).
func (h *Header) endGenerationUpdate() {
	h.Generation++
}
