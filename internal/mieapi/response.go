package mieapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mieweb/mieapi-go/internal/session"
)

// maxMessageLen bounds error messages taken from response bodies.
const maxMessageLen = 512

// defaultAppMessage is used when an error payload carries no message.
const defaultAppMessage = "API request failed"

// emptyResponseMessage reports a 2xx response without a body. The backend
// answers this way for some expired sessions, so it is retryable.
const emptyResponseMessage = "empty response"

// envelope is the part of a response payload that signals success.
// Backends that wrap results report {"meta":{"status":"200",...}}; others
// have no meta and rely on the HTTP status alone.
type envelope struct {
	Meta *struct {
		Status  json.RawMessage `json:"status"`
		Message string          `json:"message"`
	} `json:"meta"`
}

// classify turns an HTTP status and body into either a payload or an
// *APIError. It is the one place response shapes are inspected. When
// wantJSON is false a non-JSON or empty 2xx body is returned as is.
func classify(status int, body []byte, wantJSON bool) (json.RawMessage, *APIError) {
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, &APIError{
			StatusCode: status,
			Message:    bodyMessage(status, body),
			Err:        ErrTransport,
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		if !wantJSON {
			return nil, nil
		}

		return nil, &APIError{
			StatusCode: status,
			Message:    emptyResponseMessage,
			Err:        ErrApplication,
		}
	}

	if !json.Valid(trimmed) {
		if !wantJSON {
			return body, nil
		}

		return nil, &APIError{
			StatusCode: status,
			Message:    "response is not JSON: " + truncate(string(trimmed)),
			Err:        ErrApplication,
		}
	}

	if trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Meta != nil && len(env.Meta.Status) > 0 {
			if !session.StatusOK(env.Meta.Status) {
				msg := env.Meta.Message
				if msg == "" {
					msg = defaultAppMessage
				}

				return nil, &APIError{
					StatusCode: status,
					Code:       strings.Trim(string(env.Meta.Status), `"`),
					Message:    msg,
					Err:        ErrApplication,
				}
			}
		}
	}

	return json.RawMessage(trimmed), nil
}

func bodyMessage(status int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(status)
	}

	return truncate(msg)
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}

	return s[:maxMessageLen] + "..."
}
