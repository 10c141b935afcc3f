package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mieweb/mieapi-go/internal/mieapi"
	"github.com/mieweb/mieapi-go/internal/session"
)

// errorBody is the JSON shape of every gateway error response.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	endpoint := r.PathValue("endpoint")
	if endpoint == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing endpoint"))

		return
	}

	var body any

	if r.Method != http.MethodGet {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, http.StatusRequestEntityTooLarge, err)

			return
		}

		if len(raw) > 0 {
			if !json.Valid(raw) {
				s.writeError(w, http.StatusBadRequest, errors.New("request body is not valid JSON"))

				return
			}

			body = json.RawMessage(raw)
		}

		if r.Method == http.MethodPut {
			body = mieapi.NormalizePutBody(body)
		}
	}

	payload, err := s.api.Call(r.Context(), r.Method, endpoint, r.URL.Query(), body)
	if err != nil {
		s.writeError(w, statusFor(err), err)

		return
	}

	s.writePayload(w, payload)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	payload, err := s.api.FetchLayout(r.Context(), mieapi.LayoutRequest{
		Module: r.PathValue("module"),
		Name:   r.PathValue("name"),
		Params: r.URL.Query(),
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)

		return
	}

	s.writePayload(w, payload)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statusFor maps a client error onto the gateway's response code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mieapi.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, mieapi.ErrApplication):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrAuthentication), errors.Is(err, session.ErrSessionDiscovery):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// errEmptyPayload is returned to callers when the backend produced no body.
var errEmptyPayload = errors.New("backend returned an empty response")

func (s *Server) writePayload(w http.ResponseWriter, payload json.RawMessage) {
	if len(payload) == 0 {
		s.writeError(w, http.StatusBadGateway, errEmptyPayload)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	reqID := w.Header().Get(requestIDHeader)

	// A canceled client is not worth a warning.
	if !errors.Is(err, context.Canceled) {
		s.logger.Warn("gateway request failed",
			slog.Int("status", status),
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), RequestID: reqID})
}
