package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("missing bearer token")
	ErrRateLimited  = errors.New("rate limited")
)

// NewKind tags an operation with an error kind.
func NewKind(op string, kind error) error {
	return fmt.Errorf("%s: %w", op, kind)
}

// WrapKind tags an operation with an error kind and its cause.
func WrapKind(op string, kind, err error) error {
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, model.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrResolutionConflict),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRateLimited), errors.Is(err, model.ErrBackpressure):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// codeFor returns the machine-readable code of err.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnauthorized):
		return "auth_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return types.ErrorCode(err)
}
