package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound means no record exists for the (tenant, key) pair.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyCompleted means Complete was called twice for one claim.
	ErrAlreadyCompleted = errors.New("record already completed")

	// ErrClaimLost means the presented claim token no longer owns the record.
	ErrClaimLost = errors.New("claim token does not own record")

	// ErrUnavailable wraps backend failures where the store cannot be reached or
	// cannot take the write right now. Callers must fail closed.
	ErrUnavailable = errors.New("store unavailable")
)

// Record is one idempotency record.
// Response fields are populated if and only if Status is StatusCompleted.
type Record struct {
	TenantID        string
	IdempotencyKey  string
	RoutePattern    string
	ContentHash     string
	RequestSnapshot []byte // canonical normalised request body
	Status          Status

	ClaimToken    string
	TTL           time.Duration // baked at claim time; lease extensions reuse it
	PolicyVersion string

	ResponseStatus  int
	ResponseBody    []byte
	ResponseHeaders map[string][]string

	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time // zero while pending
}

// Live reports whether the record is still authoritative at now.
// A record at or past ExpiresAt is logically absent.
func (r Record) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// ClaimParams describes an attempt to claim a key.
type ClaimParams struct {
	TenantID        string
	IdempotencyKey  string
	RoutePattern    string
	ContentHash     string
	RequestSnapshot []byte
	ClaimToken      string
	TTL             time.Duration
	PolicyVersion   string
	Now             time.Time
}

// Validate rejects params that would violate record invariants.
func (p ClaimParams) Validate() error {
	switch {
	case p.TenantID == "":
		return fmt.Errorf("claim: tenant id is required")
	case p.IdempotencyKey == "":
		return fmt.Errorf("claim: idempotency key is required")
	case p.ContentHash == "":
		return fmt.Errorf("claim: content hash is required")
	case p.ClaimToken == "":
		return fmt.Errorf("claim: claim token is required")
	case p.TTL < time.Millisecond:
		return fmt.Errorf("claim: ttl must be at least 1ms, got %s", p.TTL)
	case p.Now.IsZero():
		return fmt.Errorf("claim: now is required")
	}
	return nil
}

// Record builds the PENDING record a successful claim writes.
func (p ClaimParams) Record() Record {
	now := Truncate(p.Now)
	return Record{
		TenantID:        p.TenantID,
		IdempotencyKey:  p.IdempotencyKey,
		RoutePattern:    p.RoutePattern,
		ContentHash:     p.ContentHash,
		RequestSnapshot: p.RequestSnapshot,
		Status:          StatusPending,
		ClaimToken:      p.ClaimToken,
		TTL:             p.TTL,
		PolicyVersion:   p.PolicyVersion,
		CreatedAt:       now,
		ExpiresAt:       Truncate(now.Add(p.TTL)),
	}
}

// ClaimResult is the outcome of a Claim.
//
// When Claimed is true, Record is the new PENDING record owned by the caller.
// Otherwise Record is the live record that blocked the claim.
type ClaimResult struct {
	Claimed   bool
	Reclaimed bool // an expired record was overwritten
	Record    Record
}

// CompleteParams records a handler's response against a claim.
type CompleteParams struct {
	TenantID        string
	IdempotencyKey  string
	ClaimToken      string
	ResponseStatus  int
	ResponseBody    []byte
	ResponseHeaders map[string][]string
	Now             time.Time
}

// Validate rejects params that would violate record invariants.
func (p CompleteParams) Validate() error {
	switch {
	case p.TenantID == "" || p.IdempotencyKey == "":
		return fmt.Errorf("complete: tenant id and idempotency key are required")
	case p.ClaimToken == "":
		return fmt.Errorf("complete: claim token is required")
	case p.ResponseStatus < 100 || p.ResponseStatus > 599:
		return fmt.Errorf("complete: response status %d out of range", p.ResponseStatus)
	case p.Now.IsZero():
		return fmt.Errorf("complete: now is required")
	}
	return nil
}

// RouteUsage summarises records for one route of one tenant.
type RouteUsage struct {
	RoutePattern string
	Pending      int64
	Completed    int64
}

// Truncate drops precision below what the backends persist, so records read
// back compare equal to the ones written.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// EncodeHeaders serialises response headers for storage. Nil encodes as "{}".
func EncodeHeaders(h map[string][]string) (string, error) {
	if h == nil {
		h = map[string][]string{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	return string(data), nil
}

// DecodeHeaders parses stored response headers.
func DecodeHeaders(data string) (map[string][]string, error) {
	h := map[string][]string{}
	if data == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
