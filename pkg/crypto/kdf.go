package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KeySize is the size in bytes of the derived data-encryption key (256 bits).
const KeySize = 32

// SaltSize is the size in bytes of the Argon2id salt stored in the file
// header's kdf-params.
const SaltSize = 16

// KDFParams are the memory-hard key-derivation parameters persisted in the
// SCDB file header. They must be
// identical between create and every subsequent open.
type KDFParams struct {
	// Salt is random per-database salt generated at create time.
	Salt [SaltSize]byte

	// MemoryKiB is the Argon2id memory cost in KiB.
	MemoryKiB uint32

	// Time is the Argon2id number of iterations.
	Time uint32

	// Parallelism is the Argon2id degree of parallelism.
	Parallelism uint8
}

// DefaultKDFParams returns conservative, memory-hard defaults suitable for
// an interactive password-unlock path (~64 MiB, 3 passes, single lane).
func DefaultKDFParams() (KDFParams, error) {
	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return KDFParams{}, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return KDFParams{
		Salt:        salt,
		MemoryKiB:   64 * 1024,
		Time:        3,
		Parallelism: 1,
	}, nil
}

// DeriveKey derives a [KeySize]-byte data-encryption key from password
// and params using Argon2id, chosen for its memory-hardness against
// offline guessing.
func DeriveKey(password string, params KDFParams) []byte {
	return argon2.IDKey([]byte(password), params.Salt[:], params.Time, params.MemoryKiB, params.Parallelism, KeySize)
}
