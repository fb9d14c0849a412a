package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// ContentKeySize is the symmetric key length: AES-256.
const ContentKeySize = 32

// IVSize is the AES-GCM nonce length. A fresh random nonce is drawn per
// encryption; reuse with the same key breaks the construction, so nothing in
// this package ever accepts a caller-supplied nonce.
const IVSize = 12

// GenerateContentKey produces a fresh random symmetric key. One key per
// record; keys are never reused across records.
func GenerateContentKey() ([]byte, error) {
	key := make([]byte, ContentKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating content key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under key, returning the
// ciphertext and the random nonce used.
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext with AES-256-GCM. An authentication failure
// (tampering or the wrong key) returns ErrDecryption; partially decrypted
// data is never returned.
func Decrypt(ciphertext, iv, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", types.ErrDecryption, len(iv))
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, types.ErrDecryption
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != ContentKeySize {
		return nil, fmt.Errorf("invalid content key length: expected %d bytes, got %d", ContentKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts a payload for the given trusted devices: generates a fresh
// content key, encrypts the encoded payload, wraps the key for every trusted
// device, and zeroes the key before returning.
func Seal(p Payload, trusted []types.TrustedKey) (ciphertext, iv []byte, wrapped map[string]string, err error) {
	if len(trusted) == 0 {
		return nil, nil, nil, types.ErrUnrecoverableContent
	}
	key, err := GenerateContentKey()
	if err != nil {
		return nil, nil, nil, err
	}
	defer Zero(key)

	plaintext, err := EncodePayload(p)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext, iv, err = Encrypt(plaintext, key)
	if err != nil {
		return nil, nil, nil, err
	}

	wrapped = make(map[string]string, len(trusted))
	for _, tk := range trusted {
		wk, err := WrapKey(key, tk.PublicKey)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("wrapping key for device %s: %w", tk.DeviceID, err)
		}
		wrapped[tk.DeviceID] = base64.StdEncoding.EncodeToString(wk)
	}
	return ciphertext, iv, wrapped, nil
}

// Open decrypts a record's payload on the given device: unwraps the content
// key with the device's passphrase-locked private key, decrypts, decodes, and
// zeroes the key. Returns ErrDecryption when this device has no wrapped key
// entry. A legacy-format payload is decoded best-effort and reported with
// ErrLegacyDecode alongside the usable result.
func Open(rec *types.Record, deviceID string, encryptedPriv []byte, passphrase string) (Payload, error) {
	encoded, ok := rec.EncryptedKeys[deviceID]
	if !ok {
		return Payload{}, fmt.Errorf("%w: no wrapped key for device %s", types.ErrDecryption, deviceID)
	}
	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: malformed wrapped key", types.ErrDecryption)
	}

	key, err := UnwrapKey(wrapped, encryptedPriv, passphrase)
	if err != nil {
		return Payload{}, err
	}
	defer Zero(key)

	plaintext, err := Decrypt(rec.Encrypted, rec.IV, key)
	if err != nil {
		return Payload{}, err
	}
	return DecodePayload(plaintext)
}

// Zero overwrites key material. Callers that handle raw keys directly should
// defer this as soon as the key exists.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
