package idempotency

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies an error category on the wire.
type Code string

const (
	// CodeConflict means a live record shares the key but not the content.
	CodeConflict Code = "IDEMPOTENCY_CONFLICT"

	// CodeInProgress means another request holds the claim right now.
	CodeInProgress Code = "IDEMPOTENCY_IN_PROGRESS"

	// CodeValidation means the key or the body could not be used.
	CodeValidation Code = "IDEMPOTENCY_VALIDATION"

	// CodeStorageUnavailable means no durable claim could be taken.
	CodeStorageUnavailable Code = "IDEMPOTENCY_STORE_UNAVAILABLE"
)

// ConflictError reports a body mismatch on a live key.
// Diff is never empty.
type ConflictError struct {
	Code Code

	// Key is the idempotency key both requests share.
	Key string

	CurrentHash  string
	OriginalHash string

	// Diff lists every differing leaf as "path: old → new".
	Diff []string

	// OriginalTimestamp is when the original request claimed the key.
	OriginalTimestamp time.Time

	// RetryAfter is how long until the original record expires and the key
	// can carry a different body.
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: request body differs from the original request for key %q (%d difference(s))",
		e.Code, e.Key, len(e.Diff))
}

// InProgressError reports that an identical request holds the claim.
type InProgressError struct {
	Code       Code
	Key        string
	Since      time.Time
	RetryAfter time.Duration
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("%s: a request with key %q is still being processed", e.Code, e.Key)
}

// ValidationError reports a malformed key, tenant or body.
type ValidationError struct {
	Code    Code
	Field   string // "key", "tenant" or "body"
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageUnavailableError reports that the record store could not be reached
// after retries. The layer fails closed on it.
type StorageUnavailableError struct {
	Code       Code
	Op         string
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempt(s): %v", e.Code, e.Op, e.Attempts, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// IsConflict returns true if err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsInProgress returns true if err is or wraps an *InProgressError.
func IsInProgress(err error) bool {
	var ie *InProgressError
	return errors.As(err, &ie)
}

// IsValidation returns true if err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorageUnavailable returns true if err is or wraps a *StorageUnavailableError.
func IsStorageUnavailable(err error) bool {
	var se *StorageUnavailableError
	return errors.As(err, &se)
}

// CodeOf returns the Code carried by err, or "" for foreign errors.
func CodeOf(err error) Code {
	var (
		ce *ConflictError
		ie *InProgressError
		ve *ValidationError
		se *StorageUnavailableError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &ie):
		return ie.Code
	case errors.As(err, &ve):
		return ve.Code
	case errors.As(err, &se):
		return se.Code
	}
	return ""
}

func newValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Code: CodeValidation, Field: field, Message: message, Err: err}
}
