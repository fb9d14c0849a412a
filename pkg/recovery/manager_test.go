package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rolodex/pkg/envelope"
	"github.com/mesh-intelligence/rolodex/pkg/store"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

const (
	oldPassphrase = "original passphrase"
	newPassphrase = "fresh passphrase after recovery"
)

func setupManager(t *testing.T) (*Manager, *types.Device) {
	t.Helper()
	st := store.NewSQLite()
	err := st.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Detach())
	})

	publicPEM, encryptedPriv, err := envelope.GenerateDeviceKeyPair(oldPassphrase)
	require.NoError(t, err)
	dev := &types.Device{
		ID:         "dev-original",
		Name:       "lost laptop",
		Type:       types.DeviceTypeLaptop,
		PublicKey:  publicPEM,
		PrivateKey: encryptedPriv,
		Trusted:    true,
	}
	return NewManager(st, nil), dev
}

func TestIssueAndRecover(t *testing.T) {
	m, dev := setupManager(t)

	shares, err := m.Issue(dev, oldPassphrase)
	require.NoError(t, err)
	require.Len(t, shares, types.RecoveryShareTotal)

	issued, err := m.Issued()
	require.NoError(t, err)
	assert.True(t, issued)

	deviceID, recoveredPriv, err := m.Recover(shares[:types.RecoveryShareThreshold], newPassphrase)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, deviceID)

	// The recovered key must decrypt content wrapped for the original device,
	// unlocked by the new passphrase.
	contentKey, err := envelope.GenerateContentKey()
	require.NoError(t, err)
	wrapped, err := envelope.WrapKey(contentKey, dev.PublicKey)
	require.NoError(t, err)

	got, err := envelope.UnwrapKey(wrapped, recoveredPriv, newPassphrase)
	require.NoError(t, err)
	assert.Equal(t, contentKey, got)

	_, err = envelope.UnwrapKey(wrapped, recoveredPriv, oldPassphrase)
	assert.ErrorIs(t, err, types.ErrWrongPassphrase,
		"the old passphrase must not unlock the recovered key")
}

func TestIssueIsOneShot(t *testing.T) {
	m, dev := setupManager(t)
	_, err := m.Issue(dev, oldPassphrase)
	require.NoError(t, err)
	_, err = m.Issue(dev, oldPassphrase)
	assert.Error(t, err, "shares are immutable once issued")
}

func TestRecoverBelowThreshold(t *testing.T) {
	m, dev := setupManager(t)
	shares, err := m.Issue(dev, oldPassphrase)
	require.NoError(t, err)

	_, _, err = m.Recover(shares[:types.RecoveryShareThreshold-1], newPassphrase)
	assert.ErrorIs(t, err, types.ErrInsufficientShares)

	// Duplicates of one share count once.
	padded := append([]types.RecoveryShare{}, shares[:types.RecoveryShareThreshold-1]...)
	padded = append(padded, shares[0])
	_, _, err = m.Recover(padded, newPassphrase)
	assert.ErrorIs(t, err, types.ErrInsufficientShares)
}

func TestRecoverRejectsTamperedShare(t *testing.T) {
	m, dev := setupManager(t)
	shares, err := m.Issue(dev, oldPassphrase)
	require.NoError(t, err)

	tampered := shares[:types.RecoveryShareThreshold]
	tampered[0].Payload = append([]byte(nil), tampered[0].Payload...)
	tampered[0].Payload[0] ^= 0xFF
	_, _, err = m.Recover(tampered, newPassphrase)
	assert.ErrorIs(t, err, types.ErrInvalidShare)
}

func TestConsumedSharesCannotReplay(t *testing.T) {
	m, dev := setupManager(t)
	shares, err := m.Issue(dev, oldPassphrase)
	require.NoError(t, err)

	_, _, err = m.Recover(shares[:types.RecoveryShareThreshold], newPassphrase)
	require.NoError(t, err)

	status, err := m.ShareStatus()
	require.NoError(t, err)
	consumed := 0
	for _, rec := range status {
		if rec.ConsumedAt != nil {
			consumed++
		}
	}
	assert.Equal(t, types.RecoveryShareThreshold, consumed)

	// A replayed share fails the whole attempt, and the remaining unused
	// shares are below the threshold on their own.
	_, _, err = m.Recover(shares[:types.RecoveryShareThreshold], newPassphrase)
	assert.ErrorIs(t, err, types.ErrInvalidShare)

	_, _, err = m.Recover(shares[types.RecoveryShareThreshold:], newPassphrase)
	assert.ErrorIs(t, err, types.ErrInsufficientShares)
}

func TestRecoverWithoutIssuedShares(t *testing.T) {
	m, _ := setupManager(t)
	_, _, err := m.Recover(nil, newPassphrase)
	assert.ErrorIs(t, err, types.ErrInvalidShare)
}
