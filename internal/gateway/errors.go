package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/types"
)

// apiError is the body of every non-2xx response: {"error":{"code","message"}}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// errorStatus maps the control plane's error taxonomy to an HTTP status,
// per the gateway's external interface contract.
func errorStatus(err error) int {
	var validationErr *types.ValidationError
	var notFoundErr *types.NotFoundError
	var engineLaunchErr *types.EngineLaunchError
	var engineRunErr *types.EngineRunError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrURLRequired),
		errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, types.ErrInvalidLimit),
		errors.Is(err, types.ErrInvalidMetric),
		errors.Is(err, types.ErrInvalidWindow),
		errors.Is(err, types.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr), errors.Is(err, types.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrMemoryPressure), errors.Is(err, types.ErrMemoryExhausted):
		return http.StatusServiceUnavailable
	case errors.As(err, &engineLaunchErr), errors.As(err, &engineRunErr):
		return http.StatusInternalServerError
	case errors.Is(err, types.ErrPoolClosed), errors.Is(err, types.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "memory_pressure"
	default:
		return "internal_error"
	}
}

// writeError writes a non-2xx JSON error envelope, deriving the status
// code and error code from err's concrete type.
func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: errorCode(status), Message: err.Error()}})
}

// writeJSON buffers the encode before writing so an encoding failure never
// produces a partially-written body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("gateway: failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal_error","message":"failed to encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("gateway: failed to write response")
	}
}
