// Package id generates identifiers for outbox messages and ledger entries.
package id

import (
	"github.com/google/uuid"
)

// ID is a UUID. Stored as uuid in PostgreSQL and as text elsewhere.
type ID = uuid.UUID

// New returns a UUIDv7, so identifiers sort by creation time.
func New() ID {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return v
}

// Parse converts s to an ID.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// IsNil reports whether v is the zero UUID.
func IsNil(v ID) bool {
	return v == uuid.Nil
}
