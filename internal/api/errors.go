package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/homecore/internal/automation"
	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/service"
	"github.com/nerrad567/homecore/internal/state"
)

// ErrorBody is the structured part of an error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse is the envelope of every error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeTimeout      = "timeout"
	ErrCodeUpstream     = "upstream_error"
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
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps a package sentinel error to its HTTP status.
// Unrecognised errors become a 500 without leaking the error text.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
		return
	}

	body := ErrorBody{Code: code, Message: err.Error()}
	var ipe *service.InvalidParamsError
	if errors.As(err, &ipe) {
		body.Details = map[string]any{"missing": ipe.Missing, "invalid": ipe.Invalid}
	}
	writeJSON(w, status, ErrorResponse{Error: body})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrEntityNotFound),
		errors.Is(err, automation.ErrAutomationNotFound),
		errors.Is(err, service.ErrServiceNotFound),
		errors.Is(err, integration.ErrDescriptorNotFound),
		errors.Is(err, integration.ErrConfigNotFound),
		errors.Is(err, integration.ErrNotLoaded):
		return http.StatusNotFound, ErrCodeNotFound

	case errors.Is(err, service.ErrInvalidParams),
		errors.Is(err, service.ErrInvalidTarget),
		errors.Is(err, automation.ErrValidation),
		errors.Is(err, automation.ErrUnknownTrigger),
		errors.Is(err, integration.ErrInvalidConfig):
		return http.StatusBadRequest, ErrCodeValidation

	case errors.Is(err, service.ErrEntityUnavailable):
		return http.StatusConflict, ErrCodeUnavailable

	case errors.Is(err, automation.ErrAutomationExists),
		errors.Is(err, integration.ErrCatalogCollision),
		errors.Is(err, integration.ErrDiscoveryInProgress):
		return http.StatusConflict, ErrCodeConflict

	case errors.Is(err, integration.ErrAdapterTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout

	case errors.Is(err, integration.ErrAdapterError):
		return http.StatusBadGateway, ErrCodeUpstream

	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// decodeJSON decodes a request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
