package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"llmnode/internal/engine"
	"llmnode/internal/manager"
	"llmnode/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case manager.IsModelNotFound(err), manager.IsJobNotFound(err):
		return http.StatusNotFound
	case manager.IsBadRequest(err):
		return http.StatusBadRequest
	case engine.IsTokenization(err):
		return http.StatusUnprocessableEntity
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case manager.IsBudgetExceeded(err), manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case engine.IsLoadError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status, counts backpressure and writes the JSON body.
func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	switch {
	case manager.IsTooBusy(err):
		IncrementBackpressure("queue")
	case manager.IsBudgetExceeded(err):
		IncrementBackpressure("vram_budget")
	}
	writeJSONError(w, status, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
