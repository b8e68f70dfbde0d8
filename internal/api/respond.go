package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/logging"
)

// maxBodyBytes caps request bodies. Webhook payloads are the largest
// legitimate input and stay well under this.
const maxBodyBytes = 1 << 20

// APIError is the JSON shape of every error response.
type APIError struct {
	ErrorMessage string `json:"error"`
	Code         string `json:"code,omitempty"`
	StatusCode   int    `json:"status_code"`
	Timestamp    int64  `json:"timestamp"`
	RequestID    string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// writeJSON writes v with the given status. Encoding failures are logged;
// by then the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps a service error onto the transport: status and code from
// the error kind, message sanitized so internals never leak to clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= 500 {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Msg("Request error")
	}
	writeErrorResponse(w, r, status, errors.Code(err), errors.Message(err))
}

// writeErrorResponse writes a consistent error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		RequestID:    logging.RequestID(r.Context()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Validation("Invalid JSON body")
	}
	return nil
}
