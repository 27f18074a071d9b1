package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortHash returns the first 16 hex chars of the SHA-256 of s. Used to keep
// device ids and pairing codes out of logs while still correlating lines.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
