// Package rolodex is the client facade tying the pieces together: the local
// store as offline source of truth, device trust and content encryption for
// protected tables, the sync engine, and account recovery. UI layers consume
// this package; nothing here blocks a caller on network I/O.
package rolodex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/mesh-intelligence/rolodex/pkg/envelope"
	"github.com/mesh-intelligence/rolodex/pkg/recovery"
	"github.com/mesh-intelligence/rolodex/pkg/remote"
	"github.com/mesh-intelligence/rolodex/pkg/store"
	"github.com/mesh-intelligence/rolodex/pkg/syncer"
	"github.com/mesh-intelligence/rolodex/pkg/trust"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// Client is one installation's handle on the library. Obtain it with Open,
// release it with Close. All methods are safe for concurrent use; single
// record operations are atomic in the store.
type Client struct {
	cfg      types.Config
	store    types.Store
	registry *trust.Registry
	recovery *recovery.Manager
	remote   *remote.Client
	engine   *syncer.Engine
	logger   *log.Logger
}

// Open attaches the local store and wires the components. With no RemoteURL
// configured the client runs purely offline. A nil logger falls back to
// stderr.
func Open(cfg types.Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	st := store.NewSQLite()
	if err := st.Attach(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		store:    st,
		registry: trust.NewRegistry(st, logger),
		recovery: recovery.NewManager(st, logger),
		logger:   logger,
	}
	if cfg.RemoteURL != "" {
		c.remote = remote.NewClient(cfg.RemoteURL, logger)
	}

	deviceID, err := st.GetState(types.StateKeyDeviceID)
	if err != nil {
		st.Detach()
		return nil, err
	}
	c.engine = syncer.New(st, c.remote, deviceID, logger)
	return c, nil
}

// Close detaches the local store. A sync pass in flight is not interrupted;
// it fails on its next store access.
func (c *Client) Close() error {
	return c.store.Detach()
}

// Store exposes the underlying local store for callers that need raw record
// access.
func (c *Client) Store() types.Store {
	return c.store
}

// Register creates this installation's device identity and issues the
// recovery shares in the same step. The shares are returned exactly once; the
// caller must hand them to the user for safekeeping.
func (c *Client) Register(passphrase string) (*types.Device, []types.RecoveryShare, error) {
	dev, err := c.registry.Register(c.cfg.DeviceName, c.cfg.DeviceType, passphrase)
	if err != nil {
		return nil, nil, err
	}
	shares, err := c.recovery.Issue(dev, passphrase)
	if err != nil {
		return nil, nil, err
	}
	c.engine = syncer.New(c.store, c.remote, dev.ID, c.logger)
	return dev, shares, nil
}

// CurrentDevice returns this installation's device identity.
func (c *Client) CurrentDevice() (*types.Device, error) {
	return c.registry.Current()
}

// Create inserts a plain record. Protected tables are refused here; their
// content must go through CreateProtected so it is never stored in the clear.
func (c *Client) Create(table string, fields map[string]any) (*types.Record, error) {
	if types.ProtectedTables[table] {
		return nil, fmt.Errorf("%w: table %s requires CreateProtected", types.ErrInvalidData, table)
	}
	rec := &types.Record{Plain: fields, DeviceID: c.deviceID()}
	if _, err := c.store.Insert(table, rec); err != nil {
		return nil, err
	}
	c.engine.TriggerSync(context.Background())
	return rec, nil
}

// CreateProtected inserts a record whose payload is sealed for the currently
// trusted devices. Plain fields stay queryable; title and body exist only as
// ciphertext from this point on.
func (c *Client) CreateProtected(table string, payload envelope.Payload, fields map[string]any) (*types.Record, error) {
	if !types.ProtectedTables[table] {
		return nil, fmt.Errorf("%w: table %s carries no protected content", types.ErrInvalidData, table)
	}
	trusted, err := c.registry.TrustedKeys()
	if err != nil {
		return nil, err
	}
	ciphertext, iv, wrapped, err := envelope.Seal(payload, trusted)
	if err != nil {
		return nil, err
	}
	rec := &types.Record{
		Plain:         fields,
		Encrypted:     ciphertext,
		IV:            iv,
		EncryptedKeys: wrapped,
		DeviceID:      c.deviceID(),
	}
	if _, err := c.store.Insert(table, rec); err != nil {
		return nil, err
	}
	c.engine.TriggerSync(context.Background())
	return rec, nil
}

// Get reads a record from the local store. When the local read fails for a
// reason other than the record being absent, the client falls back to the
// remote authority (read-through) before giving up.
func (c *Client) Get(table, id string) (*types.Record, error) {
	rec, err := c.store.Get(table, id)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrInvalidID) ||
		errors.Is(err, types.ErrTableNotFound) {
		return nil, err
	}
	if c.remote == nil {
		return nil, err
	}
	c.logger.Printf("local read of %s/%s failed (%v), falling back to remote", table, id, err)
	if remoteRec := c.fetchRemote(table, id); remoteRec != nil {
		return remoteRec, nil
	}
	return nil, err
}

// fetchRemote walks the entity's change feed looking for the record. The
// remote surface has no by-id endpoint, so this is strictly a degraded-mode
// path.
func (c *Client) fetchRemote(table, id string) *types.Record {
	ctx := context.Background()
	cursor := ""
	var found *types.Record
	for {
		page, err := c.remote.List(ctx, table, cursor)
		if err != nil {
			return nil
		}
		for _, item := range page.Items {
			if item.ID == id && !item.IsDeleted() {
				found = item
			}
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return found
		}
		cursor = page.NextCursor
	}
}

// Fetch lists records matching the filter, newest first.
func (c *Client) Fetch(table string, filter map[string]any) ([]*types.Record, error) {
	return c.store.Fetch(table, filter)
}

// Update patches a record's plain fields. The write lands locally first and
// syncs opportunistically; a failed local write is surfaced, never dropped.
func (c *Client) Update(table, id string, patch map[string]any) (*types.Record, error) {
	rec, err := c.store.Update(table, id, patch)
	if err != nil {
		return nil, err
	}
	c.engine.TriggerSync(context.Background())
	return rec, nil
}

// UpdateProtected replaces a protected record's payload, re-sealed for the
// currently trusted devices, optionally patching plain fields as well.
// Sealing needs only public keys, so no passphrase is required to write.
func (c *Client) UpdateProtected(table, id string, payload envelope.Payload, patch map[string]any) (*types.Record, error) {
	if !types.ProtectedTables[table] {
		return nil, fmt.Errorf("%w: table %s carries no protected content", types.ErrInvalidData, table)
	}
	rec, err := c.store.Get(table, id)
	if err != nil {
		return nil, err
	}
	trusted, err := c.registry.TrustedKeys()
	if err != nil {
		return nil, err
	}
	ciphertext, iv, wrapped, err := envelope.Seal(payload, trusted)
	if err != nil {
		return nil, err
	}
	rec.Encrypted = ciphertext
	rec.IV = iv
	rec.EncryptedKeys = wrapped
	rec.DeviceID = c.deviceID()
	for k, v := range patch {
		if rec.Plain == nil {
			rec.Plain = map[string]any{}
		}
		if v == nil {
			delete(rec.Plain, k)
			continue
		}
		rec.Plain[k] = v
	}
	if err := c.store.Put(table, rec); err != nil {
		return nil, err
	}
	c.engine.TriggerSync(context.Background())
	return rec, nil
}

// ReadContent decrypts a protected record's payload on this device. The
// passphrase unlocks the device private key for the single unwrap. A
// legacy-format payload decodes best-effort and reports ErrLegacyDecode
// alongside the usable result.
func (c *Client) ReadContent(rec *types.Record, passphrase string) (envelope.Payload, error) {
	dev, err := c.registry.Current()
	if err != nil {
		return envelope.Payload{}, err
	}
	return envelope.Open(rec, dev.ID, dev.PrivateKey, passphrase)
}

// Delete soft-deletes a record. The tombstone stays local until a sync pass
// confirms the remote deletion.
func (c *Client) Delete(table, id string) error {
	if err := c.store.Delete(table, id); err != nil {
		return err
	}
	c.engine.TriggerSync(context.Background())
	return nil
}

// LinkPersonToGroup creates one join row. Rows are independent; removing a
// person from one group never touches their other memberships.
func (c *Client) LinkPersonToGroup(personID, groupID string) (*types.Record, error) {
	existing, err := c.store.Fetch(types.TablePeopleGroups, map[string]any{
		"person_id": personID,
		"group_id":  groupID,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	return c.Create(types.TablePeopleGroups, map[string]any{
		"person_id": personID,
		"group_id":  groupID,
	})
}

// UnlinkPersonFromGroup soft-deletes the join row, if any.
func (c *Client) UnlinkPersonFromGroup(personID, groupID string) error {
	rows, err := c.store.Fetch(types.TablePeopleGroups, map[string]any{
		"person_id": personID,
		"group_id":  groupID,
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := c.Delete(types.TablePeopleGroups, row.ID); err != nil {
			return err
		}
	}
	return nil
}

// Sync runs one full sync pass and blocks until it completes. Returns
// ErrSyncInProgress when a pass is already in flight; the caller retries
// after observing IsSyncing() == false.
func (c *Client) Sync(ctx context.Context) (*syncer.Result, error) {
	return c.engine.ManualSync(ctx)
}

// IsConnected reports whether the remote authority is reachable.
func (c *Client) IsConnected(ctx context.Context) bool {
	return c.engine.IsConnected(ctx)
}

// IsSyncing reports whether a sync pass is in flight.
func (c *Client) IsSyncing() bool {
	return c.engine.IsSyncing()
}

// Devices lists every registered device.
func (c *Client) Devices() ([]*types.Device, error) {
	return c.registry.List()
}

// ApproveDevice trusts a device and re-wraps existing content keys for it.
func (c *Client) ApproveDevice(deviceID, passphrase string) error {
	if err := c.registry.Approve(deviceID, passphrase); err != nil {
		return err
	}
	c.engine.TriggerSync(context.Background())
	return nil
}

// RevokeDevice withdraws trust from a device.
func (c *Client) RevokeDevice(deviceID string) error {
	if err := c.registry.Revoke(deviceID); err != nil {
		return err
	}
	c.engine.TriggerSync(context.Background())
	return nil
}

// RecoveryShareStatus returns the bookkeeping for the issued shares.
func (c *Client) RecoveryShareStatus() ([]types.ShareRecord, error) {
	return c.recovery.ShareStatus()
}

// RecoverAccount redeems recovery shares, reconstructs the original device's
// private key under a new passphrase, and adopts that identity on this
// installation. The shares used are consumed and can never be replayed.
func (c *Client) RecoverAccount(shares []types.RecoveryShare, newPassphrase string) (*types.Device, error) {
	deviceID, encryptedPriv, err := c.recovery.Recover(shares, newPassphrase)
	if err != nil {
		return nil, err
	}
	if err := c.registry.AdoptIdentity(deviceID, encryptedPriv); err != nil {
		return nil, err
	}
	c.engine = syncer.New(c.store, c.remote, deviceID, c.logger)

	dev, err := c.registry.Current()
	if errors.Is(err, types.ErrDeviceNotFound) {
		// The device record itself has not arrived yet; the identity is
		// adopted regardless and the record follows with the next sync.
		return &types.Device{ID: deviceID, PrivateKey: encryptedPriv}, nil
	}
	return dev, err
}

// deviceID returns the current device ID, or "" before registration. Records
// written before a device exists simply carry no writer attribution.
func (c *Client) deviceID() string {
	id, err := c.store.GetState(types.StateKeyDeviceID)
	if err != nil {
		return ""
	}
	return id
}
