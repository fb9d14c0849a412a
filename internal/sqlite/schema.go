// Package sqlite implements the SQLite backend of the Local Store: one
// uniform record table per entity plus a small key/value area for sync
// cursors and device identity. SQLite is the offline source of truth; the
// remote authority holds the reconciled copy.
package sqlite

import "fmt"

// recordTableDDL is the uniform schema every entity table shares: plain
// queryable columns as a JSON object, the encrypted payload columns, and the
// dirty/soft-delete/version bookkeeping the sync engine relies on.
const recordTableDDL = `CREATE TABLE IF NOT EXISTS %q (
    id TEXT PRIMARY KEY,
    plain TEXT NOT NULL DEFAULT '{}',
    encrypted_content BLOB,
    encrypted_keys TEXT,
    iv BLOB,
    device_id TEXT NOT NULL DEFAULT '',
    dirty INTEGER NOT NULL DEFAULT 0,
    deleted_at TEXT,
    synced_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1
);`

const recordDirtyIndexDDL = `CREATE INDEX IF NOT EXISTS %q ON %q (dirty) WHERE dirty = 1;`

// syncStateDDL backs Store.GetState/SetState.
const syncStateDDL = `CREATE TABLE IF NOT EXISTS sync_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

// createTableSQL returns the DDL statements for one entity table.
func createTableSQL(table string) []string {
	return []string{
		fmt.Sprintf(recordTableDDL, table),
		fmt.Sprintf(recordDirtyIndexDDL, table+"_dirty_idx", table),
	}
}
