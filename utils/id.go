package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID generates a secure random hex ID
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to less secure ID if robust source fails
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// ShortID returns a truncated form of an ID suitable for log fields
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
