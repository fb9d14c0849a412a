package rolodex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/rolodex/pkg/envelope"
	"github.com/mesh-intelligence/rolodex/pkg/remote/remotetest"
	"github.com/mesh-intelligence/rolodex/pkg/syncer"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

const (
	passA = "alpha passphrase"
	passB = "bravo passphrase"
)

func openClient(t *testing.T, name, remoteURL string) *Client {
	t.Helper()
	c, err := Open(types.Config{
		Backend:    types.BackendSQLite,
		DataDir:    t.TempDir(),
		RemoteURL:  remoteURL,
		DeviceName: name,
		DeviceType: types.DeviceTypeDesktop,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return c
}

// mustSync retries until the in-flight background pass, if any, reaches Idle.
// A sync request while syncing is a no-op, so guaranteed delivery means
// observing Idle and trying again.
func mustSync(t *testing.T, c *Client) *syncer.Result {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		res, err := c.Sync(ctx)
		if errors.Is(err, types.ErrSyncInProgress) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return res
	}
	t.Fatal("sync never reached Idle")
	return nil
}

func TestOfflineDurability(t *testing.T) {
	c := openClient(t, "offline desktop", "")

	_, shares, err := c.Register(passA)
	require.NoError(t, err)
	require.Len(t, shares, types.RecoveryShareTotal)

	assert.False(t, c.IsConnected(context.Background()))

	rec, err := c.Create(types.TablePeople, map[string]any{"name": "Iris"})
	require.NoError(t, err)

	got, err := c.Get(types.TablePeople, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Iris", got.Plain["name"])
	assert.True(t, got.Dirty, "stays dirty until a successful sync")

	all, err := c.Fetch(types.TablePeople, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = c.Sync(context.Background())
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)

	// Still dirty after the failed sync.
	got, err = c.Get(types.TablePeople, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Dirty)
}

func TestRegisterIsOneShot(t *testing.T) {
	c := openClient(t, "desktop", "")
	_, _, err := c.Register(passA)
	require.NoError(t, err)
	_, _, err = c.Register(passA)
	assert.Error(t, err)
}

func TestProtectedContentLifecycle(t *testing.T) {
	c := openClient(t, "desktop", "")
	_, _, err := c.Register(passA)
	require.NoError(t, err)

	payload := envelope.Payload{Title: "Coffee with Noor", Body: "Ask about the pottery class"}
	rec, err := c.CreateProtected(types.TableNotes, payload, map[string]any{"person_id": "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Encrypted)
	assert.NotEmpty(t, rec.EncryptedKeys)
	assert.NotContains(t, rec.Plain, "title", "sensitive fields never land in plain columns")

	got, err := c.ReadContent(rec, passA)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = c.ReadContent(rec, "wrong passphrase")
	assert.ErrorIs(t, err, types.ErrWrongPassphrase)

	// Protected tables refuse the plain path and vice versa.
	_, err = c.Create(types.TableNotes, map[string]any{"person_id": "p1"})
	assert.ErrorIs(t, err, types.ErrInvalidData)
	_, err = c.CreateProtected(types.TablePeople, payload, nil)
	assert.ErrorIs(t, err, types.ErrInvalidData)

	// Re-sealing uses a fresh key and nonce.
	oldIV := append([]byte(nil), rec.IV...)
	updated, err := c.UpdateProtected(types.TableNotes, rec.ID, envelope.Payload{Title: "Rescheduled"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, oldIV, updated.IV)
	got, err = c.ReadContent(updated, passA)
	require.NoError(t, err)
	assert.Equal(t, "Rescheduled", got.Title)
}

func TestLinkUnlinkPersonGroup(t *testing.T) {
	c := openClient(t, "desktop", "")
	_, _, err := c.Register(passA)
	require.NoError(t, err)

	person, err := c.Create(types.TablePeople, map[string]any{"name": "Iris"})
	require.NoError(t, err)
	group, err := c.Create(types.TableGroups, map[string]any{"name": "Climbing"})
	require.NoError(t, err)

	link, err := c.LinkPersonToGroup(person.ID, group.ID)
	require.NoError(t, err)

	// Linking again returns the existing row instead of duplicating it.
	again, err := c.LinkPersonToGroup(person.ID, group.ID)
	require.NoError(t, err)
	assert.Equal(t, link.ID, again.ID)

	require.NoError(t, c.UnlinkPersonFromGroup(person.ID, group.ID))
	rows, err := c.Fetch(types.TablePeopleGroups, map[string]any{"person_id": person.ID})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTwoDeviceApprovalFlow(t *testing.T) {
	srv := remotetest.New()
	t.Cleanup(srv.Close)

	// Device A bootstraps the account and writes a protected note before
	// device B exists.
	a := openClient(t, "desktop A", srv.URL())
	devA, _, err := a.Register(passA)
	require.NoError(t, err)
	assert.True(t, devA.Trusted)

	payload := envelope.Payload{Title: "Visa paperwork", Body: "Renewal due in October"}
	note, err := a.CreateProtected(types.TableNotes, payload, map[string]any{"person_id": "p1"})
	require.NoError(t, err)
	mustSync(t, a)

	// Device B joins: pull the account, then register as untrusted.
	b := openClient(t, "laptop B", srv.URL())
	mustSync(t, b)
	devB, _, err := b.Register(passB)
	require.NoError(t, err)
	assert.False(t, devB.Trusted, "a second device must wait for approval")
	mustSync(t, b)

	// B cannot read the note yet: no wrapped key for it.
	noteOnB, err := b.Get(types.TableNotes, note.ID)
	require.NoError(t, err)
	_, err = b.ReadContent(noteOnB, passB)
	assert.ErrorIs(t, err, types.ErrDecryption)

	// A approves B, which re-wraps the note's content key, and syncs out.
	mustSync(t, a)
	require.NoError(t, a.ApproveDevice(devB.ID, passA))
	mustSync(t, a)
	mustSync(t, b)

	cur, err := b.CurrentDevice()
	require.NoError(t, err)
	assert.True(t, cur.Trusted)

	noteOnB, err = b.Get(types.TableNotes, note.ID)
	require.NoError(t, err)
	got, err := b.ReadContent(noteOnB, passB)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "content written before approval opens after it")
}

func TestRecordsConvergeAcrossClients(t *testing.T) {
	srv := remotetest.New()
	t.Cleanup(srv.Close)

	a := openClient(t, "desktop A", srv.URL())
	_, _, err := a.Register(passA)
	require.NoError(t, err)

	person, err := a.Create(types.TablePeople, map[string]any{"name": "Iris", "city": "Lisbon"})
	require.NoError(t, err)
	mustSync(t, a)

	b := openClient(t, "laptop B", srv.URL())
	mustSync(t, b)

	got, err := b.Get(types.TablePeople, person.ID)
	require.NoError(t, err)
	assert.Equal(t, "Iris", got.Plain["name"])
	assert.False(t, got.Dirty)

	// A deletes; B observes the deletion on its next pass.
	require.NoError(t, a.Delete(types.TablePeople, person.ID))
	mustSync(t, a)
	mustSync(t, b)
	_, err = b.Get(types.TablePeople, person.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRecoverAccount(t *testing.T) {
	c := openClient(t, "desktop", "")
	dev, shares, err := c.Register(passA)
	require.NoError(t, err)

	payload := envelope.Payload{Title: "Safe combination", Body: "left 7, right 22"}
	note, err := c.CreateProtected(types.TableNotes, payload, nil)
	require.NoError(t, err)

	const newPass = "replacement passphrase"
	recovered, err := c.RecoverAccount(shares[:types.RecoveryShareThreshold], newPass)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, recovered.ID, "recovery restores the original device identity")

	got, err := c.ReadContent(note, newPass)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = c.ReadContent(note, passA)
	assert.ErrorIs(t, err, types.ErrWrongPassphrase)

	status, err := c.RecoveryShareStatus()
	require.NoError(t, err)
	consumed := 0
	for _, s := range status {
		if s.ConsumedAt != nil {
			consumed++
		}
	}
	assert.Equal(t, types.RecoveryShareThreshold, consumed)
}
