package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/viewmodel"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeGone           = "GONE"
	ErrCodeBackendError   = "BACKEND_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeDomainError maps package sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound),
		errors.Is(err, chat.ErrExchangeNotFound),
		errors.Is(err, editing.ErrUnknownEditRequest),
		errors.Is(err, editing.ErrSnapshotNotFound),
		errors.Is(err, editing.ErrEntryNotFound),
		errors.Is(err, viewmodel.ErrUnknownResponse):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, editing.ErrConcurrentEdit):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, editing.ErrExcluded), errors.Is(err, editing.ErrReadOnly):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, editing.ErrSessionDisposed):
		writeError(w, http.StatusGone, ErrCodeGone, err.Error())
	case errors.Is(err, editing.ErrInvalidEditRequest), errors.Is(err, viewmodel.ErrPartOutOfRange):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
