package types

// Store is the record-oriented Local Store: the single source of truth for
// offline reads. Callers attach to a backend, operate on entity tables, and
// detach when done. Every table-mutating operation is atomic for a single
// record; no cross-record transactions are offered.
type Store interface {
	// Attach connects the store to the backend described by config, creating
	// the data directory if needed. Returns ErrAlreadyAttached if called
	// while attached.
	Attach(config Config) error

	// Detach releases backend resources. Idempotent. After Detach, all
	// operations return ErrStoreDetached.
	Detach() error

	// Insert creates a record. When rec.ID is empty a new UUID is generated.
	// The record is persisted dirty so the next sync pass pushes it.
	// Returns the ID used.
	Insert(table string, rec *Record) (string, error)

	// Get retrieves a record by ID, including tombstones.
	// Returns ErrNotFound if no record exists with that ID.
	Get(table, id string) (*Record, error)

	// Fetch returns records matching the filter, newest first. Filter keys
	// name plain fields; the special key "include_deleted" set true includes
	// soft-deleted tombstones, which are otherwise excluded.
	Fetch(table string, filter map[string]any) ([]*Record, error)

	// Update applies a patch to a record's plain fields, bumps the version,
	// and marks it dirty. Returns the updated record.
	Update(table, id string, patch map[string]any) (*Record, error)

	// Put replaces a record wholesale as a local mutation: version bumped,
	// dirty set, UpdatedAt refreshed. Used where more than plain fields
	// change, e.g. re-wrapping content keys.
	Put(table string, rec *Record) error

	// Delete soft-deletes: sets DeletedAt and dirty, leaving the tombstone
	// in place until the sync engine confirms remote deletion.
	Delete(table, id string) error

	// Purge hard-deletes a tombstone after its deletion has propagated.
	// Purging a live record is refused with ErrInvalidData.
	Purge(table, id string) error

	// ClearTable removes every row. Test and reset use only.
	ClearTable(table string) error

	// MarkSynced clears the dirty flag after a confirmed remote
	// acknowledgement and records the acknowledged version. Idempotent.
	MarkSynced(table, id string, version int64) error

	// PendingSync returns every dirty record and tombstone across all
	// tables, in table sync order.
	PendingSync() ([]*Record, error)

	// ApplyRemote upserts a record received from the remote authority
	// verbatim, with dirty cleared. Conflict resolution happens in the sync
	// engine before this is called.
	ApplyRemote(table string, rec *Record) error

	// GetState and SetState access the small key/value area used for sync
	// cursors and the current device identity. GetState returns "" for a
	// missing key.
	GetState(key string) (string, error)
	SetState(key, value string) error
}

// State keys used by the core components.
const (
	StateKeyDeviceID     = "device_id"
	StateCursorPrefix    = "cursor/" // + entity table name
	StateKeyMasterSecret = "master_fingerprint"
)
