package types

import "errors"

// Store lifecycle errors.
var (
	ErrStoreDetached   = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
	ErrTableNotFound   = errors.New("table not found")
)

// Record operation errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidID     = errors.New("invalid record ID")
	ErrInvalidData   = errors.New("invalid record data")
	ErrInvalidFilter = errors.New("invalid filter value type")

	// ErrUnrecoverableContent rejects a write that would leave ciphertext
	// with no wrapped content key: nothing could ever decrypt it again.
	ErrUnrecoverableContent = errors.New("encrypted content has no wrapped key")
)

// Envelope errors.
var (
	// ErrDecryption covers authentication-tag mismatches: tampering or the
	// wrong key. Fatal for that record, never retried, and never partial
	// plaintext.
	ErrDecryption = errors.New("decryption failed")

	// ErrLegacyDecode flags a best-effort decode of content written by the
	// old concatenation format. The returned payload is usable; the error is
	// informational.
	ErrLegacyDecode = errors.New("legacy content decode fallback")

	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// Device trust errors.
var (
	ErrDeviceNotTrusted = errors.New("device is not trusted")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrNoCurrentDevice  = errors.New("no current device registered")
)

// Recovery errors.
var (
	ErrInsufficientShares = errors.New("insufficient recovery shares")
	ErrInvalidShare       = errors.New("invalid or consumed recovery share")
)

// Sync errors.
var (
	// ErrSyncInProgress is returned when a sync pass is already in flight.
	// The request is a no-op, not queued; retry after observing Idle.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNetworkUnavailable marks transient transport failures; the sync
	// engine retries these with backoff.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRemoteRejected marks a 4xx-class rejection from the remote
	// authority. Not retried; surfaced to the caller verbatim.
	ErrRemoteRejected = errors.New("remote rejected request")

	// ErrSyncConflict tags a resolved concurrent edit. Logged and counted,
	// never surfaced as a sync failure.
	ErrSyncConflict = errors.New("sync conflict")
)

// KindOf returns the stable machine-checkable kind string for an error
// crossing the library boundary, or "internal" for anything unclassified.
// Callers that prefer errors.Is can match the sentinels directly.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrDecryption):
		return "decryption_error"
	case errors.Is(err, ErrLegacyDecode):
		return "legacy_decode_fallback"
	case errors.Is(err, ErrWrongPassphrase):
		return "wrong_passphrase"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrInvalidShare):
		return "invalid_share"
	case errors.Is(err, ErrSyncConflict):
		return "sync_conflict"
	case errors.Is(err, ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, ErrRemoteRejected):
		return "remote_rejected"
	case errors.Is(err, ErrSyncInProgress):
		return "sync_in_progress"
	case errors.Is(err, ErrDeviceNotTrusted):
		return "device_not_trusted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnrecoverableContent):
		return "unrecoverable_content"
	case errors.Is(err, ErrInvalidData), errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidFilter):
		return "invalid_data"
	default:
		return "internal"
	}
}
