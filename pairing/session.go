package pairing

import (
	"strings"
	"time"
)

const (
	// Alphabet excludes glyphs that read alike on a small screen or sound
	// alike when spoken (0/O, 1/I, 5/S, 8/B ...).
	Alphabet = "ACEFHJKLMNPRTUVWXY3479"

	CodeLength = 6

	DefaultTTL         = 24 * time.Hour
	DefaultMaxAttempts = 256
	DefaultOpTimeout   = 2 * time.Second

	keyPrefix = "pairing.code:"
)

// Session binds a short code shown on a device to the device-chosen state
// and a secret token. Field names are the wire shape returned to devices.
type Session struct {
	Code       string `json:"code"`
	State      string `json:"state"`
	Token      string `json:"token"`
	Expiration int    `json:"expiration"` // seconds
}

// normalizeCode upper-cases code and reports whether it can be a code at all.
func normalizeCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return "", false
		}
	}
	return code, true
}
