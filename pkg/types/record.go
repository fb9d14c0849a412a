package types

import "time"

// Record is the generic envelope around any entity row: a note, an action
// item, a person, a group, or a join row. Plain fields stay queryable without
// decryption; the sensitive payload, when present, is carried as AEAD
// ciphertext plus one wrapped content key per trusted device.
type Record struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`

	// Plain holds the non-sensitive columns: status, priority, dates,
	// foreign keys. Queryable through Store.Fetch filters.
	Plain map[string]any `json:"plain"`

	// Encrypted is the AEAD ciphertext of the sensitive payload, or nil when
	// the record carries no protected content.
	Encrypted []byte `json:"encrypted_content,omitempty"`

	// IV is the nonce used for this record's encryption. Fresh per
	// encryption operation; never reused with the same key.
	IV []byte `json:"iv,omitempty"`

	// EncryptedKeys maps deviceID to the record's content key wrapped under
	// that device's public key, base64-encoded. One entry per device trusted
	// at encryption time.
	EncryptedKeys map[string]string `json:"encrypted_keys,omitempty"`

	// DeviceID identifies the device that performed the last local write.
	// Used as the deterministic conflict tiebreak.
	DeviceID string `json:"device_id"`

	// Dirty is true when the record has been mutated locally since the last
	// acknowledged push.
	Dirty bool `json:"dirty"`

	// DeletedAt marks a soft delete. Tombstones are excluded from normal
	// reads and pushed until the remote confirms the deletion.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// SyncedAt is the time of the last acknowledged push, nil for records
	// the remote authority has never seen.
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the monotonic revision used together with UpdatedAt for
	// conflict resolution and push idempotency.
	Version int64 `json:"version"`
}

// Validate checks the structural invariants of a record before it is written.
// A record with ciphertext but no wrapped key would be unrecoverable on every
// other device; that is a defect, not a recoverable state, so it is rejected
// here rather than tolerated.
func (r *Record) Validate() error {
	if r.EntityType == "" || !IsKnownTable(r.EntityType) {
		return ErrTableNotFound
	}
	if len(r.Encrypted) > 0 {
		if len(r.EncryptedKeys) == 0 {
			return ErrUnrecoverableContent
		}
		if len(r.IV) == 0 {
			return ErrInvalidData
		}
	}
	return nil
}

// IsDeleted reports whether the record is a soft-delete tombstone.
func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep copy. The store hands out clones so that callers can
// mutate results without racing concurrent readers.
func (r *Record) Clone() *Record {
	c := *r
	if r.Plain != nil {
		c.Plain = make(map[string]any, len(r.Plain))
		for k, v := range r.Plain {
			c.Plain[k] = v
		}
	}
	if r.Encrypted != nil {
		c.Encrypted = append([]byte(nil), r.Encrypted...)
	}
	if r.IV != nil {
		c.IV = append([]byte(nil), r.IV...)
	}
	if r.EncryptedKeys != nil {
		c.EncryptedKeys = make(map[string]string, len(r.EncryptedKeys))
		for k, v := range r.EncryptedKeys {
			c.EncryptedKeys[k] = v
		}
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}
