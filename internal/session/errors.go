package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication failures.
// Use errors.Is(err, session.ErrAuthentication) to check.
var (
	// ErrAuthentication means the handshake was rejected, failed in transit,
	// or returned a malformed response.
	ErrAuthentication = errors.New("session: authentication failed")

	// ErrSessionDiscovery means the handshake succeeded but the header or
	// field carrying the credential was missing.
	ErrSessionDiscovery = errors.New("session: credential not found in response")
)

// AuthError wraps a sentinel with the strategy, the handshake step that
// failed, and whatever the backend said about it.
type AuthError struct {
	Strategy   string
	Step       string
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("session: %s %s: HTTP %d: %s", e.Strategy, e.Step, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("session: %s %s: %s", e.Strategy, e.Step, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
