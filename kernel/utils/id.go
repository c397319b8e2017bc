package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a random identifier for a device or address space.
func GenerateID() string {
	return uuid.NewString()
}

// ShortID returns the first 8 characters of an identifier, for log lines.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
