package hachimi

import "github.com/google/uuid"

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// The agent tags every utterance with one so log lines and spans from
// the same chat correlate.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
