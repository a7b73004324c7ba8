package fieldsync

import (
	"encoding/json"

	"github.com/shiftboard/shiftsync/internal/store"
)

// Envelope is the stored form of a field at sync/{name}.
type Envelope struct {
	// Value is the field's document.
	Value json.RawMessage `json:"value"`

	// DeviceID of the writer, used to drop our own echoes.
	DeviceID string `json:"deviceId"`

	// UpdatedAt is the write time in unix milliseconds.
	UpdatedAt int64 `json:"updatedAt"`

	// OpID identifies the write; replaying an op whose id is already stored is a
	// no-op.
	OpID string `json:"opId,omitempty"`

	// Epoch increases on every authoritative overwrite. Writes prepared against an
	// older epoch are discarded instead of merged.
	Epoch int64 `json:"epoch,omitempty"`
}

// DecodeEnvelope parses a stored field. A bare value without envelope members is
// wrapped as-is so data written by other tools still loads.
func DecodeEnvelope(raw json.RawMessage) (*Envelope, bool) {
	if store.IsNull(raw) {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err == nil {
		if _, hasValue := probe["value"]; hasValue {
			if _, hasDevice := probe["deviceId"]; hasDevice {
				var env Envelope
				if err := json.Unmarshal(raw, &env); err == nil {
					return &env, true
				}
			}
		}
	}
	if !json.Valid(raw) {
		return nil, false
	}
	return &Envelope{Value: raw}, true
}
