package types

import "time"

// Device kinds accepted at registration.
const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeLaptop  = "laptop"
	DeviceTypeMobile  = "mobile"
	DeviceTypeTablet  = "tablet"
)

// Device describes one client installation. Exactly one device is current per
// running client. A device cannot decrypt a record unless its ID appears in
// that record's EncryptedKeys.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`

	// PublicKey is the PEM-encoded public half of the device key pair.
	PublicKey string `json:"public_key"`

	// PrivateKey is the device's private half, encrypted at rest under the
	// user's passphrase. Never synced in plaintext; only the owning device
	// stores it.
	PrivateKey []byte `json:"-"`

	// Trusted devices receive wrapped content keys. New registrations start
	// untrusted and flip only via approval from an already-trusted device.
	Trusted bool `json:"trusted"`

	RegisteredAt time.Time `json:"registered_at"`
	LastUsed     time.Time `json:"last_used"`
}

// TrustedKey pairs a device ID with its public key. The set of trusted keys
// is the authoritative input to every content-key wrapping operation.
type TrustedKey struct {
	DeviceID  string
	PublicKey string
}
