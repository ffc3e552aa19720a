package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/idem/internal/idempotency"
)

// Codes for failures outside the idempotency taxonomy.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeInternal        = "INTERNAL"
)

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ConflictDetails is the details object of a 409 IDEMPOTENCY_CONFLICT.
type ConflictDetails struct {
	OriginalKey       string   `json:"original_key"`
	CurrentHash       string   `json:"current_hash"`
	OriginalHash      string   `json:"original_hash"`
	DiffSummary       []string `json:"diff_summary"`
	OriginalTimestamp string   `json:"original_timestamp"`
	RetryAfter        int64    `json:"retry_after"`
}

// errorResponse maps err to a status, extra headers and a body.
// Storage and internal errors never expose their cause.
func errorResponse(err error) (int, http.Header, ErrorBody) {
	header := http.Header{}

	var (
		ce *idempotency.ConflictError
		ie *idempotency.InProgressError
		ve *idempotency.ValidationError
		se *idempotency.StorageUnavailableError
	)
	switch {
	case errors.As(err, &ce):
		header.Set(HeaderConflict, "content-mismatch")
		return http.StatusConflict, header, ErrorBody{Error: ErrorDetail{
			Code:    string(ce.Code),
			Message: "Request body differs from the original request made with this idempotency key.",
			Details: ConflictDetails{
				OriginalKey:       ce.Key,
				CurrentHash:       ce.CurrentHash,
				OriginalHash:      ce.OriginalHash,
				DiffSummary:       ce.Diff,
				OriginalTimestamp: ce.OriginalTimestamp.UTC().Format(time.RFC3339Nano),
				RetryAfter:        seconds(ce.RetryAfter),
			},
		}}

	case errors.As(err, &ie):
		retry := seconds(ie.RetryAfter)
		header.Set(HeaderStatus, "in-progress")
		header.Set(HeaderRetryAfter, strconv.FormatInt(retry, 10))
		return http.StatusConflict, header, ErrorBody{Error: ErrorDetail{
			Code:    string(ie.Code),
			Message: "A request with this idempotency key is still being processed.",
			Details: map[string]any{
				"original_key": ie.Key,
				"retry_after":  retry,
			},
		}}

	case errors.As(err, &ve):
		return http.StatusBadRequest, header, ErrorBody{Error: ErrorDetail{
			Code:    string(ve.Code),
			Message: ve.Message,
			Details: map[string]any{"field": ve.Field},
		}}

	case errors.As(err, &se):
		retry := seconds(se.RetryAfter)
		header.Set(HeaderRetryAfter, strconv.FormatInt(retry, 10))
		return http.StatusServiceUnavailable, header, ErrorBody{Error: ErrorDetail{
			Code:    string(se.Code),
			Message: "Idempotency store is unavailable; the request was not processed.",
			Details: map[string]any{"retry_after": retry},
		}}
	}

	return http.StatusInternalServerError, header, ErrorBody{Error: ErrorDetail{
		Code:    CodeInternal,
		Message: "Internal error.",
	}}
}

func unauthenticated() ErrorBody {
	return ErrorBody{Error: ErrorDetail{
		Code:    CodeUnauthenticated,
		Message: HeaderTenantID + " header is required",
	}}
}

// seconds rounds d up to whole seconds, minimum 1.
func seconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
