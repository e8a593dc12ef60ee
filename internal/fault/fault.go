// Package fault defines the error kinds shared by the queue, planner and
// executor. Callers wrap one of the sentinels with context and match with
// errors.Is.
package fault

import (
	"errors"
	"net/http"
)

var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrStaleDispatch          = errors.New("stale dispatch")
	ErrDangerousActionBlocked = errors.New("dangerous action blocked")
	ErrInvalidPlan            = errors.New("invalid plan")
	ErrUpstreamTimeout        = errors.New("upstream timeout")
	ErrUpstreamFailure        = errors.New("upstream failure")
)

var kinds = []struct {
	err    error
	code   string
	status int
}{
	{ErrValidation, "validation_error", http.StatusBadRequest},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrStaleDispatch, "stale_dispatch", http.StatusConflict},
	{ErrDangerousActionBlocked, "dangerous_action_blocked", http.StatusForbidden},
	{ErrInvalidPlan, "invalid_plan", http.StatusUnprocessableEntity},
	{ErrUpstreamTimeout, "upstream_timeout", http.StatusGatewayTimeout},
	{ErrUpstreamFailure, "upstream_failure", http.StatusBadGateway},
}

// Code returns a stable machine-readable code for err, or "internal_error"
// when err does not wrap a known kind.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal_error"
}

// HTTPStatus maps err onto the HTTP status used by the API binding.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
