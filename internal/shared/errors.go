package shared

import "errors"

var (
	// ErrSessionNotFound indicates the session cookie names no live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionSignature indicates a session cookie that was not issued by us.
	ErrSessionSignature = errors.New("session signature mismatch")
	// ErrMissingSecret is returned when production runs without a session secret.
	ErrMissingSecret = errors.New("session secret required in production")
)
