package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warpfluidics/warpd/internal/cell"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeHardware      = "hardware_fault"
	ErrCodeTimeout       = "hardware_timeout"
	ErrCodeEmergencyStop = "emergency_stopped"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCellError maps the cell error taxonomy onto HTTP statuses:
//
//	validation, missing confirmation       -> 400
//	unknown sequence                       -> 404
//	locked, already running, stopped state -> 409
//	hardware fault                         -> 502
//	hardware timeout                       -> 504
func writeCellError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cell.ErrUnknownSequence):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, cell.ErrNotConfirmed):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, cell.ErrValidation):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, cell.ErrLocked), errors.Is(err, cell.ErrAlreadyRunning), errors.Is(err, cell.ErrNoActiveRun):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, cell.ErrEmergencyStopped):
		writeError(w, http.StatusConflict, ErrCodeEmergencyStop, err.Error())
	case errors.Is(err, cell.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, cell.ErrHardwareFault):
		writeError(w, http.StatusBadGateway, ErrCodeHardware, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
