package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuth is returned when a ciphertext fails authentication: either the
// key is wrong or the bytes have been tampered with or torn. It is fatal
// for the affected block and must be surfaced, never silently
// swallowed.
var ErrAuth = errors.New("crypto: authentication failed")

// nonceSize is fixed by chacha20poly1305.
const nonceSize = chacha20poly1305.NonceSize // 12 bytes

// deriveNonce builds a deterministic per-block nonce from (offset,
// version) so that two writes of the same logical block never reuse a
// nonce under the same key, without needing to persist the nonce
// alongside the ciphertext. Callers guarantee version uniqueness.
func deriveNonce(offset uint64, version uint64) [nonceSize]byte {
	var nonce [nonceSize]byte
	binary.LittleEndian.PutUint64(nonce[0:8], offset)
	binary.LittleEndian.PutUint32(nonce[8:12], uint32(version))
	return nonce
}

// Seal encrypts plaintext under key, authenticated-binding it to
// (offset, version) via the nonce and the additional authenticated data
// of both values, so a ciphertext copied to a different offset or a
// stale version fails to decrypt. Returns ciphertext with the 16-byte
// Poly1305 tag appended.
func Seal(key []byte, offset uint64, version uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}

	nonce := deriveNonce(offset, version)
	aad := aadFor(offset, version)

	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts and authenticates ciphertext produced by [Seal] for the
// same (offset, version). Any mismatch — wrong key, wrong offset/version,
// truncated or corrupted bytes — returns [ErrAuth].
func Open(key []byte, offset uint64, version uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}

	if len(ciphertext) < aead.Overhead() {
		return nil, ErrAuth
	}

	nonce := deriveNonce(offset, version)
	aad := aadFor(offset, version)

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func aadFor(offset, version uint64) []byte {
	var aad [16]byte
	binary.LittleEndian.PutUint64(aad[0:8], offset)
	binary.LittleEndian.PutUint64(aad[8:16], version)
	return aad[:]
}
