package orbcore

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for agent handle ids, signup session ids, and PCP request ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Now returns the current monotonic instant, used to stamp Input envelopes
// (spec §3 "source_ts").
func Now() time.Time {
	return time.Now()
}
