// Package mieapi provides a client for the WebChart JSON API. It resolves
// logical endpoint names, encodes calls into the backend's base64 path
// convention, attaches the session cookie, classifies responses, and retries
// once after forcing a session refresh.
package mieapi

import (
	"errors"
	"fmt"
)

// Sentinel errors for response classification.
// Use errors.Is(err, mieapi.ErrTransport) to check.
var (
	// ErrTransport covers network errors and non-2xx responses.
	ErrTransport = errors.New("mieapi: transport failure")

	// ErrApplication covers 2xx responses whose payload reports an error.
	// The backend reports expired sessions this way.
	ErrApplication = errors.New("mieapi: application failure")
)

// APIError wraps a sentinel with the call that failed and what the backend
// returned.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int    // 0 when no response was received
	Code       string // payload status sentinel, application failures only
	Message    string
	RequestID  string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("mieapi: %s %s: status %s: %s", e.Method, e.Endpoint, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("mieapi: %s %s: HTTP %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("mieapi: %s %s: %s", e.Method, e.Endpoint, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err should trigger a forced session refresh
// and a retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrApplication)
}
