package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// deviceKeyBits sizes the per-device RSA key pair.
const deviceKeyBits = 2048

// Argon2id parameters for the passphrase KDF protecting private keys at
// rest. Stored beside each ciphertext so they can evolve without breaking
// old keys.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfSaltLen = 16
)

// encryptedKeyBlob is the at-rest form of a device private key: the PKCS#1
// DER bytes sealed with AES-256-GCM under an argon2id-derived key.
type encryptedKeyBlob struct {
	Salt       []byte `json:"salt"`
	Time       uint32 `json:"time"`
	Memory     uint32 `json:"memory"`
	Threads    uint8  `json:"threads"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// GenerateDeviceKeyPair creates a device RSA key pair. The public half is
// returned PEM-encoded for storage in the device record; the private half is
// returned encrypted under the passphrase and is never persisted in the
// clear.
func GenerateDeviceKeyPair(passphrase string) (publicPEM string, encryptedPriv []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, deviceKeyBits)
	if err != nil {
		return "", nil, fmt.Errorf("generating device key pair: %w", err)
	}

	pubASN1, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling public key: %w", err)
	}
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubASN1}))

	privDER := x509.MarshalPKCS1PrivateKey(priv)
	defer Zero(privDER)

	encryptedPriv, err = encryptPrivateKey(privDER, passphrase)
	if err != nil {
		return "", nil, err
	}
	return publicPEM, encryptedPriv, nil
}

// WrapKey encrypts a content key under a device's PEM-encoded public key
// using RSA-OAEP with SHA-256.
func WrapKey(contentKey []byte, publicPEM string) ([]byte, error) {
	pub, err := parsePublicKey(publicPEM)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, contentKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping content key: %w", err)
	}
	return wrapped, nil
}

// UnwrapKey recovers a content key from its wrapped form. The device private
// key is unlocked with the passphrase, used for the single decryption, and
// dropped before returning.
func UnwrapKey(wrapped, encryptedPriv []byte, passphrase string) ([]byte, error) {
	priv, err := decryptPrivateKey(encryptedPriv, passphrase)
	if err != nil {
		return nil, err
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap with device key failed", types.ErrDecryption)
	}
	return key, nil
}

func parsePublicKey(publicPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("decoding PEM block containing public key failed")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// encryptPrivateKey seals the private key DER bytes under the passphrase.
func encryptPrivateKey(privDER []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, kdfSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating KDF salt: %w", err)
	}

	kek := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, ContentKeySize)
	defer Zero(kek)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blob := encryptedKeyBlob{
		Salt:       salt,
		Time:       kdfTime,
		Memory:     kdfMemory,
		Threads:    kdfThreads,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, privDER, nil),
	}
	out, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("marshaling key blob: %w", err)
	}
	return out, nil
}

// decryptPrivateKey unlocks the at-rest private key with the passphrase.
// A wrong passphrase surfaces as ErrWrongPassphrase via the GCM tag check.
func decryptPrivateKey(encryptedPriv []byte, passphrase string) (*rsa.PrivateKey, error) {
	var blob encryptedKeyBlob
	if err := json.Unmarshal(encryptedPriv, &blob); err != nil {
		return nil, fmt.Errorf("parsing key blob: %w", err)
	}

	kek := argon2.IDKey([]byte(passphrase), blob.Salt, blob.Time, blob.Memory, blob.Threads, ContentKeySize)
	defer Zero(kek)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	privDER, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, types.ErrWrongPassphrase
	}
	defer Zero(privDER)

	priv, err := x509.ParsePKCS1PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return priv, nil
}
