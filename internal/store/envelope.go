package store

import (
	"encoding/json"
	"time"
)

// Envelope is the sync representation of one entity version. Payload holds
// the JSON encoding owned by the entity's repository.
type Envelope struct {
	Kind       Kind            `json:"kind"`
	ID         string          `json:"id"`
	Version    int64           `json:"version"`
	ModifiedAt time.Time       `json:"modified_at"`
	DeviceID   string          `json:"device_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Newer reports whether e wins last-writer-wins against other. Ties fall
// back to the higher version, then to the device id so every replica picks
// the same winner.
func (e Envelope) Newer(other Envelope) bool {
	if !e.ModifiedAt.Equal(other.ModifiedAt) {
		return e.ModifiedAt.After(other.ModifiedAt)
	}
	if e.Version != other.Version {
		return e.Version > other.Version
	}
	return e.DeviceID > other.DeviceID
}
