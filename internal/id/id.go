package id

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Request generates a process-unique request identifier (UUID v4).
func Request() string {
	return uuid.NewString()
}

// Short generates a short random hex ID (16 characters) used to tell
// connections apart in logs.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
