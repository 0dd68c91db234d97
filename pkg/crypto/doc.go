// Package crypto implements the cryptographic envelope around SharpCoreDB
// blocks: password-based key derivation and authenticated encryption of
// fixed-size block payloads.
//
// The envelope never interprets the bytes it protects. Callers derive a
// key once per open database with [DeriveKey] and then call [Seal] /
// [Open] per block, passing the block's offset and version so that
// rewrites of the same logical block use distinct nonces without needing
// to persist a nonce alongside the ciphertext.
package crypto
