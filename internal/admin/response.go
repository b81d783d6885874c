package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jaaacki/asterisk-api/internal/ari"
	"github.com/jaaacki/asterisk-api/internal/call"
)

// envelope is the standard API response wrapper. All JSON responses use this
// format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// readJSON decodes the request body into dst, returning a client-facing
// message on failure.
func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return "invalid JSON body: " + err.Error()
	}
	return ""
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, call.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrSynthesisTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, call.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, call.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, call.ErrNotConfigured):
		return http.StatusNotImplemented
	case errors.Is(err, call.ErrUpstream), errors.Is(err, call.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps err to a status and writes it.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// writeSwitchError maps raw switch client errors: the switch's 404 passes
// through, everything else is a bad gateway.
func writeSwitchError(w http.ResponseWriter, err error) {
	var apiErr *ari.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		writeError(w, http.StatusNotFound, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}
