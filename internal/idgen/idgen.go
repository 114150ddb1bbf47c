// Package idgen generates identifiers for tasks, sessions, connections and events.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// EventID returns a lexically sortable ULID for an event.
func EventID() string {
	return ulid.Make().String()
}
