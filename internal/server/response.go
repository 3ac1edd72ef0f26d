package server

import (
	"encoding/json/v2"
	"log/slog"
	"net/http"

	syncerr "github.com/marginapp/margin-sync/internal/errors"
)

// Envelope provides a consistent JSON response structure.
type Envelope struct {
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Success bool   `json:"success"`
}

// writeJSON writes a JSON response with the given status using json/v2.
func writeJSON(w http.ResponseWriter, status int, data any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	envelope := Envelope{
		Success: status < 400,
		Data:    data,
	}
	if err := json.MarshalWrite(w, envelope); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response with the given status.
func writeError(w http.ResponseWriter, status int, message, code string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	envelope := Envelope{
		Success: false,
		Error:   message,
		Code:    code,
	}
	if err := json.MarshalWrite(w, envelope); err != nil {
		logger.Error("failed to encode error response", "error", err)
	}
}

// handleError maps a classified error to its HTTP status. Unclassified
// errors become 500s with a generic message.
func handleError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var serr *syncerr.Error
	if syncerr.As(err, &serr) {
		writeError(w, serr.Code.HTTPStatus(), serr.Message, string(serr.Code), logger)
		return
	}
	logger.Error("unclassified error in handler", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error", string(syncerr.CodeUnknown), logger)
}
