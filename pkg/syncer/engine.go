// Package syncer reconciles the local store with the remote authority: push
// dirty records and tombstones, pull remote changes per entity cursor, and
// resolve conflicts deterministically so every device converges on the same
// state without coordination.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/mesh-intelligence/rolodex/pkg/remote"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// Retry defaults for transient failures.
const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// Engine drives sync passes. At most one pass is in flight at a time; a
// request while syncing is a no-op, not queued.
type Engine struct {
	store    types.Store
	client   *remote.Client
	deviceID string
	logger   *log.Logger

	syncing atomic.Bool

	// Injection points for tests.
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Result summarizes one completed sync pass.
type Result struct {
	Pushed      int
	Pulled      int
	Purged      int
	Conflicts   int
	CompletedAt time.Time
}

// New creates an engine for the given device. A nil client means the
// installation runs purely offline: IsConnected reports false and ManualSync
// returns ErrNetworkUnavailable. A nil logger falls back to stderr.
func New(store types.Store, client *remote.Client, deviceID string, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Engine{
		store:       store,
		client:      client,
		deviceID:    deviceID,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}
}

// IsSyncing reports whether a sync pass is in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// IsConnected is the cheap reachability check gating sync attempts.
func (e *Engine) IsConnected(ctx context.Context) bool {
	return e.client != nil && e.client.Ping(ctx)
}

// TriggerSync fires a background sync pass if none is running. It never
// blocks the caller; failures are logged, not returned. Callers that need a
// guaranteed pass use ManualSync.
func (e *Engine) TriggerSync(ctx context.Context) {
	if e.client == nil || e.syncing.Load() {
		return
	}
	go func() {
		if _, err := e.ManualSync(ctx); err != nil && !errors.Is(err, types.ErrSyncInProgress) {
			e.logger.Printf("background sync failed (%s): %v", types.KindOf(err), err)
		}
	}()
}

// ManualSync runs one full pass: push everything pending, pull remote changes
// since the per-entity cursors, resolve conflicts, and only then commit the
// advanced cursors. A partial failure leaves the cursors untouched, so the
// next pass safely re-pulls without re-pushing already-acknowledged records.
// Returns ErrSyncInProgress if a pass is already in flight.
func (e *Engine) ManualSync(ctx context.Context) (*Result, error) {
	if e.client == nil {
		return nil, fmt.Errorf("%w: no remote configured", types.ErrNetworkUnavailable)
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, types.ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	if !e.client.Ping(ctx) {
		return nil, fmt.Errorf("%w: remote not reachable", types.ErrNetworkUnavailable)
	}

	res := &Result{}
	if err := e.push(ctx, res); err != nil {
		e.logger.Printf("sync pass failed during push: %v", err)
		return nil, err
	}
	cursors, err := e.pull(ctx, res)
	if err != nil {
		e.logger.Printf("sync pass failed during pull: %v", err)
		return nil, err
	}
	for table, cursor := range cursors {
		if err := e.store.SetState(types.StateCursorPrefix+table, cursor); err != nil {
			return nil, err
		}
	}

	res.CompletedAt = e.now()
	e.logger.Printf("sync pass complete on %s: pushed=%d pulled=%d purged=%d conflicts=%d",
		e.deviceID, res.Pushed, res.Pulled, res.Purged, res.Conflicts)
	return res, nil
}

// push sends every dirty record and tombstone. Records the remote has never
// seen are created, known ones updated, tombstones deleted remotely and then
// purged locally. Each acknowledgement is recorded immediately, so a failure
// later in the pass never causes an acknowledged record to push again.
func (e *Engine) push(ctx context.Context, res *Result) error {
	pending, err := e.store.PendingSync()
	if err != nil {
		return err
	}
	for _, rec := range pending {
		table := rec.EntityType
		switch {
		case rec.IsDeleted():
			if rec.SyncedAt != nil {
				err := e.withRetry(ctx, "delete "+table+"/"+rec.ID, func() error {
					return e.client.Delete(ctx, table, rec.ID)
				})
				if err != nil {
					return err
				}
			}
			// Remote never saw it, or the delete just propagated; either way
			// the tombstone has served its purpose.
			if err := e.store.Purge(table, rec.ID); err != nil {
				return err
			}
			res.Purged++

		case rec.SyncedAt == nil:
			var version int64
			err := e.withRetry(ctx, "create "+table+"/"+rec.ID, func() error {
				var err error
				version, err = e.client.Create(ctx, table, rec)
				return err
			})
			if err != nil {
				return err
			}
			if err := e.store.MarkSynced(table, rec.ID, version); err != nil {
				return err
			}
			res.Pushed++

		default:
			var version int64
			err := e.withRetry(ctx, "update "+table+"/"+rec.ID, func() error {
				var err error
				version, err = e.client.Update(ctx, table, rec)
				return err
			})
			if err != nil {
				return err
			}
			if err := e.store.MarkSynced(table, rec.ID, version); err != nil {
				return err
			}
			res.Pushed++
		}
	}
	return nil
}

// pull walks every entity's change feed from its stored cursor and applies
// what it finds. The advanced cursors are returned, not persisted; the caller
// commits them only after the whole pass succeeds.
func (e *Engine) pull(ctx context.Context, res *Result) (map[string]string, error) {
	cursors := make(map[string]string, len(types.AllTables))
	for _, table := range types.AllTables {
		cursor, err := e.store.GetState(types.StateCursorPrefix + table)
		if err != nil {
			return nil, err
		}
		for {
			var page *remote.ListPage
			err := e.withRetry(ctx, "list "+table, func() error {
				var err error
				page, err = e.client.List(ctx, table, cursor)
				return err
			})
			if err != nil {
				return nil, err
			}
			for _, item := range page.Items {
				if err := e.applyRemote(ctx, table, item, res); err != nil {
					return nil, err
				}
			}
			if page.NextCursor == "" || page.NextCursor == cursor {
				break
			}
			cursor = page.NextCursor
		}
		cursors[table] = cursor
	}
	return cursors, nil
}

// applyRemote reconciles one pulled record with its local counterpart.
// Conflicts with a dirty local record are resolved last-write-wins by
// UpdatedAt, ties broken by the lexicographically smaller device ID, so all
// devices pick the same winner. A losing local edit is discarded wholesale,
// not merged; that availability tradeoff is the documented policy. Resolved
// conflicts are logged and counted, never surfaced as failures.
func (e *Engine) applyRemote(ctx context.Context, table string, rem *types.Record, res *Result) error {
	local, err := e.store.Get(table, rem.ID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		if rem.IsDeleted() {
			// Never had it locally; nothing to delete.
			return nil
		}
		if err := e.store.ApplyRemote(table, rem); err != nil {
			return err
		}
		res.Pulled++
		return nil
	case err != nil:
		return err
	}

	if local.Dirty {
		if !remoteWins(local, rem) {
			// Still dirty, so the next pass's push phase publishes the winner.
			e.logger.Printf("%v: kept local edit of %s/%s over remote from device %s",
				types.ErrSyncConflict, table, rem.ID, rem.DeviceID)
			res.Conflicts++
			return nil
		}
		e.logger.Printf("%v: discarded local edit of %s/%s, remote from device %s wins",
			types.ErrSyncConflict, table, rem.ID, rem.DeviceID)
		res.Conflicts++
	} else if !remoteWins(local, rem) {
		if sameRevision(local, rem) {
			// Our own echo; nothing to do.
			return nil
		}
		// The feed's latest copy of this record lost the comparison: a stale
		// edit was pushed after the winning one and is now the only copy the
		// authority serves. Republishing the local winner puts the resolved
		// version back in the feed, so devices converge no matter which order
		// the conflicting edits were pushed in.
		e.logger.Printf("%v: remote copy of %s/%s from device %s is stale, republishing local winner",
			types.ErrSyncConflict, table, rem.ID, rem.DeviceID)
		res.Conflicts++
		return e.republish(ctx, table, local, res)
	}

	if err := e.store.ApplyRemote(table, rem); err != nil {
		return err
	}
	res.Pulled++

	if rem.IsDeleted() {
		if err := e.store.Purge(table, rem.ID); err != nil {
			return err
		}
		res.Purged++
	}
	return nil
}

// republish pushes the local copy of a record whose remote counterpart turned
// out to be stale. The remote acknowledges a revision it already holds without
// recording a new change, so republishing is safe to repeat.
func (e *Engine) republish(ctx context.Context, table string, rec *types.Record, res *Result) error {
	var version int64
	err := e.withRetry(ctx, "republish "+table+"/"+rec.ID, func() error {
		var err error
		version, err = e.client.Update(ctx, table, rec)
		return err
	})
	if err != nil {
		return err
	}
	if err := e.store.MarkSynced(table, rec.ID, version); err != nil {
		return err
	}
	res.Pushed++
	return nil
}

// sameRevision reports whether the pulled copy is byte-for-byte the same
// revision as the local one, which happens whenever a device reads back its
// own pushes from the change feed.
func sameRevision(local, rem *types.Record) bool {
	return rem.DeviceID == local.DeviceID && rem.Version == local.Version &&
		rem.UpdatedAt.Equal(local.UpdatedAt)
}

// remoteWins decides whether the remote copy should replace the local one.
// The comparison is total and symmetric across devices: newer UpdatedAt wins,
// equal timestamps fall back to the smaller device ID, and a same-device tie
// falls back to the higher version.
func remoteWins(local, rem *types.Record) bool {
	if !rem.UpdatedAt.Equal(local.UpdatedAt) {
		return rem.UpdatedAt.After(local.UpdatedAt)
	}
	if rem.DeviceID != local.DeviceID {
		return rem.DeviceID < local.DeviceID
	}
	return rem.Version > local.Version
}

// sleepCtx waits for the duration or the context, whichever ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
