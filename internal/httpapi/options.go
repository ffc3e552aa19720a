package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

// Header names on the wire.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTenantID       = "X-Tenant-ID"
	HeaderReplayed       = "Idempotent-Replayed"
	HeaderConflict       = "X-Idempotency-Conflict"
	HeaderStatus         = "X-Idempotency-Status"
	HeaderRetryAfter     = "Retry-After"
)

// ReplayStatus selects the status code of replayed responses.
type ReplayStatus string

const (
	// ReplayOriginal reproduces the stored status code.
	ReplayOriginal ReplayStatus = "original"

	// ReplayOK always replays with 200 OK.
	ReplayOK ReplayStatus = "ok"
)

// ParseReplayStatus parses a --replay-status flag value.
func ParseReplayStatus(s string) (ReplayStatus, bool) {
	switch ReplayStatus(s) {
	case ReplayOriginal, "":
		return ReplayOriginal, true
	case ReplayOK:
		return ReplayOK, true
	}
	return "", false
}

// DefaultMaxBodyBytes bounds request bodies read for hashing.
const DefaultMaxBodyBytes = 1 << 20

// MiddlewareOptions configures the middleware.
type MiddlewareOptions struct {
	ReplayStatus    ReplayStatus
	MaxBodyBytes    int64
	CompleteTimeout time.Duration
	Methods         map[string]bool
	Logger          *slog.Logger

	// Tenant extracts the tenant id. Defaults to the X-Tenant-ID header.
	Tenant func(*http.Request) string
}

// Options is the type for the options for the middleware.
type Options func(*MiddlewareOptions)

// WithReplayStatus sets how replayed responses report their status.
func WithReplayStatus(mode ReplayStatus) Options {
	return func(o *MiddlewareOptions) {
		o.ReplayStatus = mode
	}
}

// WithMaxBodyBytes bounds the request body size.
func WithMaxBodyBytes(n int64) Options {
	return func(o *MiddlewareOptions) {
		o.MaxBodyBytes = n
	}
}

// WithCompleteTimeout bounds the detached Complete call after the handler.
func WithCompleteTimeout(d time.Duration) Options {
	return func(o *MiddlewareOptions) {
		o.CompleteTimeout = d
	}
}

// WithMethods replaces the set of methods the middleware guards.
func WithMethods(methods ...string) Options {
	return func(o *MiddlewareOptions) {
		o.Methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			o.Methods[m] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Options {
	return func(o *MiddlewareOptions) {
		o.Logger = logger
	}
}

// WithTenantFunc replaces the tenant resolver.
func WithTenantFunc(fn func(*http.Request) string) Options {
	return func(o *MiddlewareOptions) {
		o.Tenant = fn
	}
}

func defaultOptions() *MiddlewareOptions {
	return &MiddlewareOptions{
		ReplayStatus:    ReplayOriginal,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		CompleteTimeout: 10 * time.Second,
		Methods: map[string]bool{
			http.MethodPost:   true,
			http.MethodPut:    true,
			http.MethodPatch:  true,
			http.MethodDelete: true,
		},
		Tenant: func(r *http.Request) string {
			return r.Header.Get(HeaderTenantID)
		},
	}
}
