package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// timeFormat keeps sub-second precision so that conflict resolution can
// compare close edits meaningfully.
const timeFormat = time.RFC3339Nano

const recordColumns = "id, plain, encrypted_content, encrypted_keys, iv, device_id, dirty, deleted_at, synced_at, created_at, updated_at, version"

// Insert creates a record. When rec.ID is empty a new UUID v7 is generated.
// Records are created dirty so the next sync pass picks them up.
func (b *Backend) Insert(table string, rec *types.Record) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return "", err
	}
	if rec == nil {
		return "", types.ErrInvalidData
	}
	rec.EntityType = table
	if err := rec.Validate(); err != nil {
		return "", err
	}

	now := time.Now()
	if rec.ID == "" {
		rec.ID = newUUID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.Dirty = true

	plainJSON, keysJSON, err := marshalRecord(rec)
	if err != nil {
		return "", err
	}

	_, err = b.db.Exec(
		fmt.Sprintf(`INSERT INTO %q (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, recordColumns),
		rec.ID, plainJSON, rec.Encrypted, keysJSON, rec.IV, rec.DeviceID,
		boolToInt(rec.Dirty), nullTime(rec.DeletedAt), nullTime(rec.SyncedAt),
		rec.CreatedAt.Format(timeFormat), rec.UpdatedAt.Format(timeFormat), rec.Version)
	if err != nil {
		return "", fmt.Errorf("inserting record: %w", err)
	}
	return rec.ID, nil
}

// Get retrieves a record by ID, tombstones included.
func (b *Backend) Get(table, id string) (*types.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkTable(table); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, types.ErrInvalidID
	}
	return b.getLocked(table, id)
}

func (b *Backend) getLocked(table, id string) (*types.Record, error) {
	row := b.db.QueryRow(
		fmt.Sprintf(`SELECT %s FROM %q WHERE id = ?`, recordColumns, table), id)
	rec, err := scanRecord(table, row.Scan)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}
	return rec, nil
}

// filterKeyPattern restricts filter keys to plain identifiers; anything else
// is rejected rather than interpolated into the query.
var filterKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Fetch returns records matching the filter, newest first. Soft-deleted
// tombstones are excluded unless filter["include_deleted"] is true. Filter
// keys name plain fields and match by equality; "limit" caps the result.
func (b *Backend) Fetch(table string, filter map[string]any) ([]*types.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %q`, recordColumns, table)
	var conditions []string
	var args []any
	limit := 0

	includeDeleted := false
	for key, val := range filter {
		switch key {
		case "include_deleted":
			inc, ok := val.(bool)
			if !ok {
				return nil, types.ErrInvalidFilter
			}
			includeDeleted = inc
		case "limit":
			l, ok := toInt(val)
			if !ok {
				return nil, types.ErrInvalidFilter
			}
			limit = l
		default:
			if !filterKeyPattern.MatchString(key) {
				return nil, types.ErrInvalidFilter
			}
			switch val.(type) {
			case string, bool, int, int64, float64:
			default:
				return nil, types.ErrInvalidFilter
			}
			conditions = append(conditions, fmt.Sprintf("json_extract(plain, '$.%s') = ?", key))
			args = append(args, val)
		}
	}
	if !includeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching records: %w", err)
	}
	defer rows.Close()

	results := []*types.Record{}
	for rows.Next() {
		rec, err := scanRecord(table, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// Update applies a patch to the record's plain fields as a local mutation:
// version bumped, dirty set, UpdatedAt refreshed.
func (b *Backend) Update(table, id string, patch map[string]any) (*types.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return nil, err
	}
	rec, err := b.getLocked(table, id)
	if err != nil {
		return nil, err
	}
	if rec.Plain == nil {
		rec.Plain = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(rec.Plain, k)
			continue
		}
		rec.Plain[k] = v
	}
	if err := b.putLocked(table, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Put replaces an existing record wholesale as a local mutation. Used where
// more than plain fields change, e.g. re-wrapping content keys after a
// device approval.
func (b *Backend) Put(table string, rec *types.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return types.ErrInvalidID
	}
	if _, err := b.getLocked(table, rec.ID); err != nil {
		return err
	}
	return b.putLocked(table, rec)
}

// putLocked persists a local mutation: bumps the version, sets dirty, and
// refreshes UpdatedAt. Caller must hold the write lock and have verified the
// record exists.
func (b *Backend) putLocked(table string, rec *types.Record) error {
	rec.EntityType = table
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Version++
	rec.Dirty = true
	rec.UpdatedAt = time.Now()

	plainJSON, keysJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		fmt.Sprintf(`UPDATE %q SET plain = ?, encrypted_content = ?, encrypted_keys = ?, iv = ?,
			device_id = ?, dirty = ?, deleted_at = ?, synced_at = ?, updated_at = ?, version = ?
			WHERE id = ?`, table),
		plainJSON, rec.Encrypted, keysJSON, rec.IV, rec.DeviceID,
		boolToInt(rec.Dirty), nullTime(rec.DeletedAt), nullTime(rec.SyncedAt),
		rec.UpdatedAt.Format(timeFormat), rec.Version, rec.ID)
	if err != nil {
		return fmt.Errorf("updating record: %w", err)
	}
	return nil
}

// Delete soft-deletes: sets DeletedAt and dirty. The tombstone stays until
// the sync engine confirms the remote deletion and purges it. Deleting an
// existing tombstone is a no-op.
func (b *Backend) Delete(table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return err
	}
	rec, err := b.getLocked(table, id)
	if err != nil {
		return err
	}
	if rec.IsDeleted() {
		return nil
	}
	now := time.Now()
	rec.DeletedAt = &now
	return b.putLocked(table, rec)
}

// Purge hard-deletes a tombstone once its deletion has propagated remotely.
// Purging a live record is refused.
func (b *Backend) Purge(table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return err
	}
	rec, err := b.getLocked(table, id)
	if err != nil {
		return err
	}
	if !rec.IsDeleted() {
		return types.ErrInvalidData
	}
	if _, err := b.db.Exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("purging record: %w", err)
	}
	return nil
}

// ClearTable removes every row from the table. Test and reset use only.
func (b *Backend) ClearTable(table string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return err
	}
	if _, err := b.db.Exec(fmt.Sprintf(`DELETE FROM %q`, table)); err != nil {
		return fmt.Errorf("clearing table: %w", err)
	}
	return nil
}

// MarkSynced clears the dirty flag after a confirmed remote acknowledgement
// and records the acknowledged version. Idempotent: repeating the call, or
// acknowledging an already-purged record, is harmless.
func (b *Backend) MarkSynced(table, id string, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return err
	}
	_, err := b.db.Exec(
		fmt.Sprintf(`UPDATE %q SET dirty = 0, synced_at = ?, version = ? WHERE id = ?`, table),
		time.Now().Format(timeFormat), version, id)
	if err != nil {
		return fmt.Errorf("marking synced: %w", err)
	}
	return nil
}

// PendingSync returns every dirty record and tombstone across all tables in
// table sync order, oldest edits first.
func (b *Backend) PendingSync() ([]*types.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrStoreDetached
	}

	var pending []*types.Record
	for _, table := range types.AllTables {
		rows, err := b.db.Query(
			fmt.Sprintf(`SELECT %s FROM %q WHERE dirty = 1 OR deleted_at IS NOT NULL ORDER BY updated_at ASC`,
				recordColumns, table))
		if err != nil {
			return nil, fmt.Errorf("fetching pending records: %w", err)
		}
		for rows.Next() {
			rec, err := scanRecord(table, rows.Scan)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning pending record: %w", err)
			}
			pending = append(pending, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return pending, nil
}

// ApplyRemote upserts a record received from the remote authority verbatim,
// with the dirty flag cleared. The sync engine resolves conflicts before
// calling this.
func (b *Backend) ApplyRemote(table string, rec *types.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkTable(table); err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return types.ErrInvalidID
	}
	rec.EntityType = table
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Dirty = false
	now := time.Now()
	rec.SyncedAt = &now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	plainJSON, keysJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		fmt.Sprintf(`INSERT INTO %q (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				plain = excluded.plain,
				encrypted_content = excluded.encrypted_content,
				encrypted_keys = excluded.encrypted_keys,
				iv = excluded.iv,
				device_id = excluded.device_id,
				dirty = excluded.dirty,
				deleted_at = excluded.deleted_at,
				synced_at = excluded.synced_at,
				updated_at = excluded.updated_at,
				version = excluded.version`, table, recordColumns),
		rec.ID, plainJSON, rec.Encrypted, keysJSON, rec.IV, rec.DeviceID,
		boolToInt(rec.Dirty), nullTime(rec.DeletedAt), nullTime(rec.SyncedAt),
		rec.CreatedAt.Format(timeFormat), rec.UpdatedAt.Format(timeFormat), rec.Version)
	if err != nil {
		return fmt.Errorf("applying remote record: %w", err)
	}
	return nil
}

// GetState returns the value stored under key, or "" when absent.
func (b *Backend) GetState(key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return "", types.ErrStoreDetached
	}
	var value string
	err := b.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading state: %w", err)
	}
	return value, nil
}

// SetState stores value under key, replacing any previous value.
func (b *Backend) SetState(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrStoreDetached
	}
	_, err := b.db.Exec(
		`INSERT INTO sync_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

// marshalRecord serializes the JSON columns.
func marshalRecord(rec *types.Record) (plainJSON, keysJSON string, err error) {
	plain := rec.Plain
	if plain == nil {
		plain = map[string]any{}
	}
	p, err := json.Marshal(plain)
	if err != nil {
		return "", "", fmt.Errorf("marshaling plain fields: %w", err)
	}
	keys := rec.EncryptedKeys
	if keys == nil {
		keys = map[string]string{}
	}
	k, err := json.Marshal(keys)
	if err != nil {
		return "", "", fmt.Errorf("marshaling encrypted keys: %w", err)
	}
	return string(p), string(k), nil
}

// scanRecord reads one row using the standard column order.
func scanRecord(table string, scan func(dest ...any) error) (*types.Record, error) {
	var (
		rec                  types.Record
		plainJSON, keysJSON  string
		dirty                int
		deletedAt, syncedAt  sql.NullString
		createdAt, updatedAt string
	)
	err := scan(&rec.ID, &plainJSON, &rec.Encrypted, &keysJSON, &rec.IV, &rec.DeviceID,
		&dirty, &deletedAt, &syncedAt, &createdAt, &updatedAt, &rec.Version)
	if err != nil {
		return nil, err
	}
	rec.EntityType = table
	rec.Dirty = dirty != 0

	if err := json.Unmarshal([]byte(plainJSON), &rec.Plain); err != nil {
		return nil, fmt.Errorf("parsing plain fields: %w", err)
	}
	if err := json.Unmarshal([]byte(keysJSON), &rec.EncryptedKeys); err != nil {
		return nil, fmt.Errorf("parsing encrypted keys: %w", err)
	}
	if len(rec.EncryptedKeys) == 0 {
		rec.EncryptedKeys = nil
	}

	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := time.Parse(timeFormat, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", err)
		}
		rec.DeletedAt = &t
	}
	if syncedAt.Valid {
		t, err := time.Parse(timeFormat, syncedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing synced_at: %w", err)
		}
		rec.SyncedAt = &t
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeFormat), Valid: true}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// toInt converts the numeric types a filter value may arrive as.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
