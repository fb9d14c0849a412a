package envelope

import (
	"encoding/json"
	"strings"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// Payload is the sensitive part of a record: the fields that are only ever
// stored encrypted.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// DecodeFailedPlaceholder is returned in place of content that could not be
// recovered from a corrupted payload. Callers can display it as-is.
const DecodeFailedPlaceholder = "(decoding failed)"

// EncodePayload serializes a payload for encryption.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses a decrypted payload. Well-formed payloads are JSON;
// data migrated from the old client may instead use a buggy concatenation
// format, which is recovered heuristically and reported with ErrLegacyDecode
// alongside the usable result. Data with no recoverable structure yields
// placeholder content, also with ErrLegacyDecode; never a failure that
// crashes the caller.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err == nil {
		return p, nil
	}
	return decodeLegacyPayload(string(data))
}

// decodeLegacyPayload recovers title/body from the old concatenation format,
// which glued literal "title" and "description" markers directly onto the
// field values. Kept as a compatibility shim until legacy data is migrated;
// delete this once the migration completes.
func decodeLegacyPayload(s string) (Payload, error) {
	const (
		titleMarker = "title"
		descMarker  = "description"
	)

	ti := strings.Index(s, titleMarker)
	di := strings.Index(s, descMarker)

	p := Payload{Title: DecodeFailedPlaceholder, Body: DecodeFailedPlaceholder}
	switch {
	case ti >= 0 && di > ti:
		p.Title = strings.TrimSpace(s[ti+len(titleMarker) : di])
		p.Body = strings.TrimSpace(s[di+len(descMarker):])
	case ti >= 0:
		p.Title = strings.TrimSpace(s[ti+len(titleMarker):])
		p.Body = ""
	case di >= 0:
		p.Title = ""
		p.Body = strings.TrimSpace(s[di+len(descMarker):])
	}
	return p, types.ErrLegacyDecode
}
