package caserelay

import "github.com/google/uuid"

// IDFunc generates entity and job identifiers.
type IDFunc func() string

// NewID returns a time-ordered UUIDv7, falling back to a random UUID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
