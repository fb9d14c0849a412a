// Package recovery implements the account recovery subsystem: a master
// secret split into 12 shares of which any 8 reconstruct it, an escrow of the
// device private key under that master, and replay-resistant bookkeeping of
// consumed shares.
package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/mesh-intelligence/rolodex/pkg/envelope"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// State keys for recovery bookkeeping. The share payloads themselves are
// never persisted; only fingerprints and consumed flags are.
const (
	stateShares   = "recovery/shares"
	stateEscrow   = "recovery/escrow"
	stateDeviceID = "recovery/device_id"
)

const masterSecretSize = 32

// Manager issues and redeems recovery shares against the local store.
type Manager struct {
	store  types.Store
	logger *log.Logger
}

// NewManager creates a manager over the given store. A nil logger falls back
// to stderr.
func NewManager(store types.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Manager{store: store, logger: logger}
}

// Issued reports whether recovery shares have been issued.
func (m *Manager) Issued() (bool, error) {
	v, err := m.store.GetState(stateShares)
	return v != "", err
}

// Issue generates the recovery material for a device: a fresh master secret,
// split into RecoveryShareTotal shares, plus an escrow of the device's
// private key under the master. The shares are returned exactly once, for the
// user to distribute; only their fingerprints stay behind. Shares are
// immutable once issued, so a second Issue is refused.
func (m *Manager) Issue(dev *types.Device, passphrase string) ([]types.RecoveryShare, error) {
	if issued, err := m.Issued(); err != nil {
		return nil, err
	} else if issued {
		return nil, fmt.Errorf("recovery shares already issued")
	}
	if len(dev.PrivateKey) == 0 {
		return nil, types.ErrNoCurrentDevice
	}

	master := make([]byte, masterSecretSize)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, fmt.Errorf("generating master secret: %w", err)
	}
	defer envelope.Zero(master)

	escrow, err := envelope.EscrowPrivateKey(dev.PrivateKey, passphrase, master)
	if err != nil {
		return nil, err
	}

	shares, err := splitSecret(master, types.RecoveryShareTotal, types.RecoveryShareThreshold)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records := make([]types.ShareRecord, len(shares))
	for i, s := range shares {
		records[i] = types.ShareRecord{
			Index:       s.Index,
			Fingerprint: shareFingerprint(s),
			IssuedAt:    now,
		}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshaling share records: %w", err)
	}

	if err := m.store.SetState(stateShares, string(recordsJSON)); err != nil {
		return nil, err
	}
	if err := m.store.SetState(stateEscrow, base64.StdEncoding.EncodeToString(escrow)); err != nil {
		return nil, err
	}
	if err := m.store.SetState(stateDeviceID, dev.ID); err != nil {
		return nil, err
	}
	if err := m.store.SetState(types.StateKeyMasterSecret, fingerprint(master)); err != nil {
		return nil, err
	}

	m.logger.Printf("issued %d recovery shares (threshold %d) for device %s",
		len(shares), types.RecoveryShareThreshold, dev.ID)
	return shares, nil
}

// Recover redeems a set of shares. With at least RecoveryShareThreshold
// valid, previously-unused shares it reconstructs the master secret, opens
// the escrow, and returns the recovered device identity with its private key
// re-encrypted under the new passphrase. Every share used is marked consumed
// so it can never be replayed. A malformed, unknown, or already-consumed
// share fails the whole attempt with ErrInvalidShare; too few shares fail
// with ErrInsufficientShares.
func (m *Manager) Recover(shares []types.RecoveryShare, newPassphrase string) (string, []byte, error) {
	records, err := m.loadShareRecords()
	if err != nil {
		return "", nil, err
	}
	if len(records) == 0 {
		return "", nil, fmt.Errorf("%w: no shares have been issued", types.ErrInvalidShare)
	}

	byIndex := make(map[byte]*types.ShareRecord, len(records))
	for i := range records {
		byIndex[records[i].Index] = &records[i]
	}

	var valid []types.RecoveryShare
	seen := make(map[byte]bool)
	for _, s := range shares {
		rec, ok := byIndex[s.Index]
		if !ok || rec.Fingerprint != shareFingerprint(s) {
			return "", nil, fmt.Errorf("%w: share %d not recognized", types.ErrInvalidShare, s.Index)
		}
		if rec.ConsumedAt != nil {
			return "", nil, fmt.Errorf("%w: share %d already consumed", types.ErrInvalidShare, s.Index)
		}
		if seen[s.Index] {
			continue
		}
		seen[s.Index] = true
		valid = append(valid, s)
	}
	if len(valid) < types.RecoveryShareThreshold {
		return "", nil, fmt.Errorf("%w: have %d, need %d",
			types.ErrInsufficientShares, len(valid), types.RecoveryShareThreshold)
	}

	master := combineShares(valid)
	defer envelope.Zero(master)
	wantFP, err := m.store.GetState(types.StateKeyMasterSecret)
	if err != nil {
		return "", nil, err
	}
	if fingerprint(master) != wantFP {
		return "", nil, fmt.Errorf("%w: shares do not reconstruct the master secret", types.ErrInvalidShare)
	}

	escrowB64, err := m.store.GetState(stateEscrow)
	if err != nil {
		return "", nil, err
	}
	escrow, err := base64.StdEncoding.DecodeString(escrowB64)
	if err != nil {
		return "", nil, fmt.Errorf("decoding escrow: %w", err)
	}
	encryptedPriv, err := envelope.RecoverPrivateKey(escrow, master, newPassphrase)
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	for _, s := range valid {
		byIndex[s.Index].ConsumedAt = &now
	}
	if err := m.saveShareRecords(records); err != nil {
		return "", nil, err
	}

	deviceID, err := m.store.GetState(stateDeviceID)
	if err != nil {
		return "", nil, err
	}
	m.logger.Printf("recovered device %s with %d shares", deviceID, len(valid))
	return deviceID, encryptedPriv, nil
}

// ShareStatus returns the bookkeeping for every issued share.
func (m *Manager) ShareStatus() ([]types.ShareRecord, error) {
	return m.loadShareRecords()
}

func (m *Manager) loadShareRecords() ([]types.ShareRecord, error) {
	raw, err := m.store.GetState(stateShares)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var records []types.ShareRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("parsing share records: %w", err)
	}
	return records, nil
}

func (m *Manager) saveShareRecords(records []types.ShareRecord) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshaling share records: %w", err)
	}
	return m.store.SetState(stateShares, string(raw))
}

// shareFingerprint binds a share's index to its payload.
func shareFingerprint(s types.RecoveryShare) string {
	h := sha256.New()
	h.Write([]byte{s.Index})
	h.Write(s.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
