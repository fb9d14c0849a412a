package types

import "time"

// Recovery quorum: RecoveryShareTotal shares are issued once at registration
// and RecoveryShareThreshold valid, previously-unused shares reconstruct the
// master secret. Shares are never derivable from each other.
const (
	RecoveryShareTotal     = 12
	RecoveryShareThreshold = 8
)

// RecoveryShare is one share of the split master secret. The payload is held
// by the user; the store keeps only the fingerprint and the consumed flag so
// that replayed shares can be rejected.
type RecoveryShare struct {
	Index   byte   `json:"index"`
	Payload []byte `json:"payload"`
}

// ShareRecord is the locally persisted bookkeeping for one issued share.
type ShareRecord struct {
	Index       byte       `json:"index"`
	Fingerprint string     `json:"fingerprint"`
	IssuedAt    time.Time  `json:"issued_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}
