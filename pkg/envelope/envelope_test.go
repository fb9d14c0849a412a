package envelope

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// Device key generation is the slow part; share one pair per passphrase
// across the package tests.
var (
	keyPairOnce sync.Once
	testPubPEM  string
	testPrivEnc []byte
)

const testPassphrase = "correct horse battery staple"

func testKeyPair(t *testing.T) (string, []byte) {
	t.Helper()
	keyPairOnce.Do(func() {
		pub, priv, err := GenerateDeviceKeyPair(testPassphrase)
		if err != nil {
			t.Fatalf("generating test key pair: %v", err)
		}
		testPubPEM, testPrivEnc = pub, priv
	})
	return testPubPEM, testPrivEnc
}

func TestContentRoundTrip(t *testing.T) {
	key, err := GenerateContentKey()
	require.NoError(t, err)
	require.Len(t, key, ContentKeySize)

	plaintext := []byte("Call Maria about the birthday plans")
	ciphertext, iv, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	require.Len(t, iv, IVSize)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := Decrypt(ciphertext, iv, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptUsesFreshIV(t *testing.T) {
	key, err := GenerateContentKey()
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		_, iv, err := Encrypt([]byte("same plaintext"), key)
		require.NoError(t, err)
		require.False(t, seen[string(iv)], "nonce reused with the same key")
		seen[string(iv)] = true
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	key, err := GenerateContentKey()
	require.NoError(t, err)
	ciphertext, iv, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	t.Run("tampered ciphertext", func(t *testing.T) {
		mangled := append([]byte(nil), ciphertext...)
		mangled[0] ^= 0xFF
		_, err := Decrypt(mangled, iv, key)
		assert.ErrorIs(t, err, types.ErrDecryption)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := GenerateContentKey()
		require.NoError(t, err)
		_, err = Decrypt(ciphertext, iv, other)
		assert.ErrorIs(t, err, types.ErrDecryption)
	})

	t.Run("wrong nonce", func(t *testing.T) {
		badIV := append([]byte(nil), iv...)
		badIV[3] ^= 0x01
		_, err := Decrypt(ciphertext, badIV, key)
		assert.ErrorIs(t, err, types.ErrDecryption)
	})
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	pubPEM, privEnc := testKeyPair(t)

	key, err := GenerateContentKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(key, pubPEM)
	require.NoError(t, err)
	assert.NotEqual(t, key, wrapped)

	got, err := UnwrapKey(wrapped, privEnc, testPassphrase)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestUnwrapWrongPassphrase(t *testing.T) {
	pubPEM, privEnc := testKeyPair(t)

	key, err := GenerateContentKey()
	require.NoError(t, err)
	wrapped, err := WrapKey(key, pubPEM)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, privEnc, "not the passphrase")
	assert.ErrorIs(t, err, types.ErrWrongPassphrase)
}

func TestUnwrapWrongDeviceKey(t *testing.T) {
	pubPEM, _ := testKeyPair(t)
	_, otherPriv, err := GenerateDeviceKeyPair("other-passphrase")
	require.NoError(t, err)

	key, err := GenerateContentKey()
	require.NoError(t, err)
	wrapped, err := WrapKey(key, pubPEM)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, otherPriv, "other-passphrase")
	assert.ErrorIs(t, err, types.ErrDecryption)
}

func TestSealOpen(t *testing.T) {
	pubPEM, privEnc := testKeyPair(t)
	trusted := []types.TrustedKey{{DeviceID: "dev-a", PublicKey: pubPEM}}

	payload := Payload{Title: "Gift ideas", Body: "A signed first edition"}
	ciphertext, iv, wrapped, err := Seal(payload, trusted)
	require.NoError(t, err)
	require.Contains(t, wrapped, "dev-a")

	rec := &types.Record{
		EntityType:    types.TableNotes,
		Encrypted:     ciphertext,
		IV:            iv,
		EncryptedKeys: wrapped,
	}

	got, err := Open(rec, "dev-a", privEnc, testPassphrase)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	t.Run("device without a wrapped key cannot open", func(t *testing.T) {
		_, err := Open(rec, "dev-b", privEnc, testPassphrase)
		assert.ErrorIs(t, err, types.ErrDecryption)
	})
}

func TestSealRequiresTrustedDevices(t *testing.T) {
	_, _, _, err := Seal(Payload{Title: "x"}, nil)
	assert.ErrorIs(t, err, types.ErrUnrecoverableContent)
}
