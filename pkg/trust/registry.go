package trust

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/rolodex/pkg/envelope"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// statePrivateKeyPrefix keys the encrypted private key of a device owned by
// this installation in the store's state area. Private keys never enter the
// devices table, which syncs.
const statePrivateKeyPrefix = "device_key/"

// Registry tracks devices and their trust status on top of the local store.
// The devices table syncs like any other entity table, so approvals and
// revocations propagate with the next sync pass.
type Registry struct {
	store  types.Store
	logger *log.Logger
}

// NewRegistry creates a registry over the given store. A nil logger falls
// back to stderr.
func NewRegistry(store types.Store, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Registry{store: store, logger: logger}
}

// Register creates this installation's device identity: a fresh key pair, a
// device record, and the encrypted private key in local state. The very first
// device of an account bootstraps as trusted; every later device starts
// untrusted and waits for approval from a trusted one.
func (r *Registry) Register(name, deviceType, passphrase string) (*types.Device, error) {
	if existing, err := r.store.GetState(types.StateKeyDeviceID); err != nil {
		return nil, err
	} else if existing != "" {
		return nil, fmt.Errorf("installation already has device %s registered", existing)
	}
	if err := validDeviceType(deviceType); err != nil {
		return nil, err
	}

	publicPEM, encryptedPriv, err := envelope.GenerateDeviceKeyPair(passphrase)
	if err != nil {
		return nil, err
	}

	peers, err := r.store.Fetch(types.TableDevices, nil)
	if err != nil {
		return nil, err
	}
	bootstrap := len(peers) == 0

	now := time.Now().UTC()
	dev := &types.Device{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         deviceType,
		PublicKey:    publicPEM,
		PrivateKey:   encryptedPriv,
		Trusted:      bootstrap,
		RegisteredAt: now,
		LastUsed:     now,
	}

	rec := deviceToRecord(dev)
	rec.DeviceID = dev.ID
	if _, err := r.store.Insert(types.TableDevices, rec); err != nil {
		return nil, err
	}

	if err := r.storePrivateKey(dev.ID, encryptedPriv); err != nil {
		return nil, err
	}
	if err := r.store.SetState(types.StateKeyDeviceID, dev.ID); err != nil {
		return nil, err
	}

	r.logger.Printf("registered device %s (%s, trusted=%t)", dev.ID, dev.Name, dev.Trusted)
	return dev, nil
}

// Current returns this installation's device, including its encrypted private
// key. Returns ErrNoCurrentDevice before Register (or AdoptIdentity) has run.
func (r *Registry) Current() (*types.Device, error) {
	id, err := r.store.GetState(types.StateKeyDeviceID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, types.ErrNoCurrentDevice
	}
	dev, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	dev.PrivateKey, err = r.loadPrivateKey(id)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// Get returns the device with the given ID, without private key material.
func (r *Registry) Get(deviceID string) (*types.Device, error) {
	rec, err := r.store.Get(types.TableDevices, deviceID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrDeviceNotFound
		}
		return nil, err
	}
	if rec.IsDeleted() {
		return nil, types.ErrDeviceNotFound
	}
	return deviceFromRecord(rec), nil
}

// List returns every registered device, trusted or not.
func (r *Registry) List() ([]*types.Device, error) {
	recs, err := r.store.Fetch(types.TableDevices, nil)
	if err != nil {
		return nil, err
	}
	devices := make([]*types.Device, 0, len(recs))
	for _, rec := range recs {
		devices = append(devices, deviceFromRecord(rec))
	}
	return devices, nil
}

// TrustedKeys returns the public keys of every trusted device. This set is
// the input to every content-key wrapping operation.
func (r *Registry) TrustedKeys() ([]types.TrustedKey, error) {
	recs, err := r.store.Fetch(types.TableDevices, map[string]any{"trusted": true})
	if err != nil {
		return nil, err
	}
	keys := make([]types.TrustedKey, 0, len(recs))
	for _, rec := range recs {
		dev := deviceFromRecord(rec)
		keys = append(keys, types.TrustedKey{DeviceID: dev.ID, PublicKey: dev.PublicKey})
	}
	if len(keys) == 0 {
		return nil, types.ErrNoCurrentDevice
	}
	return keys, nil
}

// Approve flips a device to trusted and re-wraps every protected record's
// content key for it, so content created before the approval becomes readable
// there too. The passphrase unlocks the current device's private key for the
// unwrap side; only a trusted current device may approve. Re-wrapped records
// are marked dirty and reach the new device on the next sync pass.
func (r *Registry) Approve(deviceID, passphrase string) error {
	cur, err := r.Current()
	if err != nil {
		return err
	}
	if !cur.Trusted {
		return types.ErrDeviceNotTrusted
	}

	target, err := r.Get(deviceID)
	if err != nil {
		return err
	}
	if target.Trusted {
		return nil
	}

	// Re-wrap before flipping trust: a failure here must leave the device
	// untrusted, not trusted with no keys for existing content.
	rewrapped, err := r.rewrapForDevice(cur, target, passphrase)
	if err != nil {
		return err
	}
	if _, err := r.store.Update(types.TableDevices, deviceID, map[string]any{"trusted": true}); err != nil {
		return err
	}
	r.logger.Printf("approved device %s, re-wrapped %d records", deviceID, rewrapped)
	return nil
}

// Revoke flips a device to untrusted and strips its wrapped key from every
// protected record. Content the device already decrypted stays decrypted on
// that device; revocation only cuts off everything from here on. The current
// device cannot revoke itself.
func (r *Registry) Revoke(deviceID string) error {
	cur, err := r.Current()
	if err != nil {
		return err
	}
	if !cur.Trusted {
		return types.ErrDeviceNotTrusted
	}
	if deviceID == cur.ID {
		return fmt.Errorf("cannot revoke the current device")
	}
	if _, err := r.Get(deviceID); err != nil {
		return err
	}

	if _, err := r.store.Update(types.TableDevices, deviceID, map[string]any{"trusted": false}); err != nil {
		return err
	}

	stripped := 0
	for table := range types.ProtectedTables {
		recs, err := r.store.Fetch(table, nil)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if _, ok := rec.EncryptedKeys[deviceID]; !ok {
				continue
			}
			delete(rec.EncryptedKeys, deviceID)
			if err := r.store.Put(table, rec); err != nil {
				return err
			}
			stripped++
		}
	}
	r.logger.Printf("revoked device %s, stripped keys from %d records", deviceID, stripped)
	return nil
}

// AdoptIdentity binds an existing device identity to this installation, used
// after account recovery reconstructs the device's private key. The device
// record itself is expected to arrive via sync or to exist already.
func (r *Registry) AdoptIdentity(deviceID string, encryptedPriv []byte) error {
	if err := r.storePrivateKey(deviceID, encryptedPriv); err != nil {
		return err
	}
	return r.store.SetState(types.StateKeyDeviceID, deviceID)
}

// Touch refreshes the current device's last_used timestamp without marking
// anything worth syncing urgently; the change rides along as a normal dirty
// update.
func (r *Registry) Touch() error {
	id, err := r.store.GetState(types.StateKeyDeviceID)
	if err != nil || id == "" {
		return err
	}
	_, err = r.store.Update(types.TableDevices, id,
		map[string]any{"last_used": time.Now().UTC().Format(time.RFC3339Nano)})
	return err
}

// rewrapForDevice walks every protected record the current device can unwrap
// and adds a wrapped key entry for the target device. Records the current
// device cannot unwrap are logged and skipped; another trusted device has to
// cover those.
func (r *Registry) rewrapForDevice(cur, target *types.Device, passphrase string) (int, error) {
	rewrapped := 0
	for table := range types.ProtectedTables {
		recs, err := r.store.Fetch(table, nil)
		if err != nil {
			return rewrapped, err
		}
		for _, rec := range recs {
			if len(rec.Encrypted) == 0 {
				continue
			}
			if _, ok := rec.EncryptedKeys[target.ID]; ok {
				continue
			}
			encoded, ok := rec.EncryptedKeys[cur.ID]
			if !ok {
				r.logger.Printf("record %s/%s has no key for current device, skipping re-wrap", table, rec.ID)
				continue
			}
			wrapped, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return rewrapped, fmt.Errorf("%w: malformed wrapped key on %s/%s", types.ErrDecryption, table, rec.ID)
			}
			key, err := envelope.UnwrapKey(wrapped, cur.PrivateKey, passphrase)
			if err != nil {
				return rewrapped, err
			}
			rewrappedKey, err := envelope.WrapKey(key, target.PublicKey)
			envelope.Zero(key)
			if err != nil {
				return rewrapped, err
			}
			rec.EncryptedKeys[target.ID] = base64.StdEncoding.EncodeToString(rewrappedKey)
			if err := r.store.Put(table, rec); err != nil {
				return rewrapped, err
			}
			rewrapped++
		}
	}
	return rewrapped, nil
}

func (r *Registry) storePrivateKey(deviceID string, encryptedPriv []byte) error {
	return r.store.SetState(statePrivateKeyPrefix+deviceID,
		base64.StdEncoding.EncodeToString(encryptedPriv))
}

func (r *Registry) loadPrivateKey(deviceID string) ([]byte, error) {
	encoded, err := r.store.GetState(statePrivateKeyPrefix + deviceID)
	if err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: no private key stored for device %s", types.ErrNoCurrentDevice, deviceID)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func validDeviceType(deviceType string) error {
	switch deviceType {
	case types.DeviceTypeDesktop, types.DeviceTypeLaptop, types.DeviceTypeMobile, types.DeviceTypeTablet:
		return nil
	default:
		return fmt.Errorf("%w: unknown device type %q", types.ErrInvalidData, deviceType)
	}
}

// deviceToRecord maps a device onto the uniform record shape used by the
// devices table. The private key deliberately has no column.
func deviceToRecord(dev *types.Device) *types.Record {
	return &types.Record{
		ID:         dev.ID,
		EntityType: types.TableDevices,
		Plain: map[string]any{
			"name":          dev.Name,
			"type":          dev.Type,
			"public_key":    dev.PublicKey,
			"trusted":       dev.Trusted,
			"registered_at": dev.RegisteredAt.Format(time.RFC3339Nano),
			"last_used":     dev.LastUsed.Format(time.RFC3339Nano),
		},
	}
}

func deviceFromRecord(rec *types.Record) *types.Device {
	dev := &types.Device{ID: rec.ID}
	dev.Name, _ = rec.Plain["name"].(string)
	dev.Type, _ = rec.Plain["type"].(string)
	dev.PublicKey, _ = rec.Plain["public_key"].(string)
	dev.Trusted, _ = rec.Plain["trusted"].(bool)
	if s, ok := rec.Plain["registered_at"].(string); ok {
		dev.RegisteredAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := rec.Plain["last_used"].(string); ok {
		dev.LastUsed, _ = time.Parse(time.RFC3339Nano, s)
	}
	return dev
}
