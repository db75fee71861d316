package httpapi

import (
	"encoding/json"
	"net/http"

	"hydrad/internal/router"
	"hydrad/pkg/types"
)

// statusFor maps a routing failure onto an HTTP status code.
func statusFor(err error) int {
	kind, ok := router.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case router.KindBadRequest, router.KindCanceled:
		return http.StatusBadRequest
	case router.KindOverloaded:
		return http.StatusTooManyRequests
	case router.KindDeadline, router.KindTimeout:
		return http.StatusGatewayTimeout
	case router.KindNodeUnreachable, router.KindAllFailed, router.KindMalformed, router.KindFallbackExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeRoutedError includes the route decision so callers can see what was
// tried before the request failed.
func writeRoutedError(w http.ResponseWriter, err error, decision types.RouteDecision) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("scheduler_queue")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error:    err.Error(),
		Code:     status,
		Decision: &decision,
	})
}
