package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyClosed      = errors.New("consultation already closed")
	ErrDeliveryFailed     = errors.New("message delivery failed")
	ErrSessionExpired     = errors.New("session expired")
	ErrUserExists         = errors.New("user already exists")
	ErrConflict           = errors.New("conflicting write")
)

// ErrEndOfStream terminates a channel receive or a notification subscription.
var ErrEndOfStream = errors.New("end of stream")

// ValidationError names the first registration field that failed validation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UndeliveredError is returned for a queued message that could not be
// delivered before the reconnect budget ran out. Body is preserved so the
// caller can resend it.
type UndeliveredError struct {
	ConsultationID  string
	ClientMessageID string
	Body            string
	Cause           error
}

func (e *UndeliveredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("message %s undelivered: %v", e.ClientMessageID, e.Cause)
	}
	return fmt.Sprintf("message %s undelivered", e.ClientMessageID)
}

func (e *UndeliveredError) Unwrap() error {
	return ErrDeliveryFailed
}
