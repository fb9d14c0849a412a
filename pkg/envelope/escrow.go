package envelope

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
)

// escrowBlob is the at-rest form of a recovery escrow: the device private key
// DER bytes sealed under the recovery master secret instead of the user's
// passphrase.
type escrowBlob struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// EscrowPrivateKey re-seals a device private key under the recovery master
// secret. The passphrase unlocks the at-rest key for the one re-encryption;
// the result lets a future recovery reconstruct the key without knowing the
// passphrase.
func EscrowPrivateKey(encryptedPriv []byte, passphrase string, master []byte) ([]byte, error) {
	priv, err := decryptPrivateKey(encryptedPriv, passphrase)
	if err != nil {
		return nil, err
	}
	privDER := x509.MarshalPKCS1PrivateKey(priv)
	defer Zero(privDER)

	ciphertext, iv, err := Encrypt(privDER, master)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(escrowBlob{IV: iv, Ciphertext: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("marshaling escrow blob: %w", err)
	}
	return out, nil
}

// RecoverPrivateKey opens an escrow with the reconstructed master secret and
// returns the private key re-encrypted under a fresh passphrase, ready to
// store on the recovering installation.
func RecoverPrivateKey(escrow, master []byte, newPassphrase string) ([]byte, error) {
	var blob escrowBlob
	if err := json.Unmarshal(escrow, &blob); err != nil {
		return nil, fmt.Errorf("parsing escrow blob: %w", err)
	}
	privDER, err := Decrypt(blob.Ciphertext, blob.IV, master)
	if err != nil {
		return nil, err
	}
	defer Zero(privDER)

	return encryptPrivateKey(privDER, newPassphrase)
}
