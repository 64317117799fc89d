// Package id provides random identifier suffixes for devspawn resources.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Suffix returns an 8-character random hex string, suitable for
// disambiguating container names.
func Suffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based suffix if crypto/rand fails (extremely unlikely)
		return hex.EncodeToString([]byte(time.Now().Format("150405.0")))[:8]
	}
	return hex.EncodeToString(b)
}
