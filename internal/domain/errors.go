package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("job already in terminal state")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrStaleTimestamp    = errors.New("webhook timestamp outside tolerance")
	ErrNonceReplayed     = errors.New("webhook nonce already used")
	ErrDispatchTransient = errors.New("engine dispatch failed transiently")
	ErrDispatchRejected  = errors.New("engine rejected dispatch")
	ErrDuplicateKey      = errors.New("duplicate idempotency key")
)

// ValidationError is reported to callers verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
