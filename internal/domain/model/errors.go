package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel error kinds. Rich error types below match them via errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrAuth               = errors.New("authentication failed")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrResolutionConflict = errors.New("conflict already resolved")
	ErrNotFound           = errors.New("not found")
	ErrSessionNotActive   = errors.New("session not active")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrBackpressure       = errors.New("backpressure")
	ErrForbidden          = errors.New("forbidden")
)

// ValidationError rejects a single submission.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthError refuses a connection or request.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// Is matches ErrAuth.
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// InsufficientDataError is returned when too few judges have scored. Retryable.
type InsufficientDataError struct {
	Key  AggregateKey
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s/%s/%s: have %d judges, need %d",
		e.Key.SessionID, e.Key.TeamID, e.Key.CriterionID, e.Have, e.Need)
}

// Is matches ErrInsufficientData.
func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// ResolutionConflictError rejects a second resolution of the same conflict.
type ResolutionConflictError struct {
	ConflictID string
	Status     ConflictStatus
	ResolvedAt time.Time
}

func (e *ResolutionConflictError) Error() string {
	return fmt.Sprintf("conflict %s already %s at %s", e.ConflictID, e.Status, e.ResolvedAt.Format(time.RFC3339))
}

// Is matches ErrResolutionConflict.
func (e *ResolutionConflictError) Is(target error) bool { return target == ErrResolutionConflict }
