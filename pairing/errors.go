package pairing

import "errors"

var (
	// ErrCodeSpaceExhausted is returned when every draw in MaxAttempts hit a
	// live code. The caller may retry later.
	ErrCodeSpaceExhausted = errors.New("pairing: no free code after max attempts")

	ErrSessionNotFound = errors.New("pairing: session not found or expired")

	// ErrStateMismatch means the code exists but was issued for another state.
	// The session is consumed anyway.
	ErrStateMismatch = errors.New("pairing: state does not match")
)
