// Package envelope owns all content cryptography: per-record symmetric
// content keys, AEAD encryption of sensitive payloads, and wrapping of
// content keys under device public keys.
//
// Plaintext content keys never leave this package's boundary in the normal
// flow: Seal generates, uses, wraps, and zeroes the key in one call, and Open
// unwraps, uses, and zeroes it. Device private keys are stored only in a
// passphrase-encrypted form and are held in memory no longer than a single
// unwrap requires.
package envelope
