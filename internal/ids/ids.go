// Package ids generates identifiers for checks, payments, queue items,
// conflicts and wire envelopes.
package ids

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator interface {
	New() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so ids
// created later sort later. Safe for concurrent use.
type UUIDv7 struct{}

// New returns a new hyphenated UUIDv7. Panics if the random source fails.
func (UUIDv7) New() string {
	return uuid.Must(uuid.NewV7()).String()
}
