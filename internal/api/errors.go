package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pi-dev/pi-server/internal/sandbox"
	"github.com/pi-dev/pi-server/internal/store"
	"github.com/pi-dev/pi-server/internal/workspace"
)

// Error codes returned in API responses
const (
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeInvalidPath    = "INVALID_PATH"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNoSandbox      = "NO_SANDBOX"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// APIError is the structured error body.
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := APIError{Code: ErrCodeInternalError, Message: err.Error()}
	status := http.StatusInternalServerError

	var conflict *workspace.ConflictError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, workspace.ErrNotFound):
		apiErr.Code = ErrCodeNotFound
		status = http.StatusNotFound

	case errors.Is(err, store.ErrExists):
		apiErr.Code = ErrCodeAlreadyExists
		status = http.StatusConflict

	case errors.Is(err, workspace.ErrInvalidPath):
		apiErr.Code = ErrCodeInvalidPath
		status = http.StatusBadRequest

	case errors.As(err, &conflict):
		apiErr.Code = ErrCodeConflict
		apiErr.Details = map[string]any{"serverModified": conflict.ServerMtime}
		status = http.StatusConflict

	case errors.Is(err, sandbox.ErrNoSandbox):
		apiErr.Code = ErrCodeNoSandbox
		status = http.StatusConflict

	case errors.Is(err, sandbox.ErrRuntimeUnavailable), errors.Is(err, sandbox.ErrImageMissing):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiErr)
}

func writeValidationError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{Code: ErrCodeInvalidRequest, Message: message})
}

func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{Code: ErrCodeUnauthorized, Message: message})
}
