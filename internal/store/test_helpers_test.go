package store

import (
	"path/filepath"
	"testing"
	"time"
)

var baseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestClaim creates claim params with minimal required fields.
func createTestClaim(tenant, key, hash, token string, now time.Time) ClaimParams {
	return ClaimParams{
		TenantID:        tenant,
		IdempotencyKey:  key,
		RoutePattern:    "POST /holds",
		ContentHash:     hash,
		RequestSnapshot: []byte(`{"room":"101"}`),
		ClaimToken:      token,
		TTL:             30 * time.Minute,
		PolicyVersion:   "test-1",
		Now:             now,
	}
}

// createTestCompletion completes a claim with a 201 response.
func createTestCompletion(tenant, key, token string, now time.Time) CompleteParams {
	return CompleteParams{
		TenantID:        tenant,
		IdempotencyKey:  key,
		ClaimToken:      token,
		ResponseStatus:  201,
		ResponseBody:    []byte(`{"hold_id":"H1"}`),
		ResponseHeaders: map[string][]string{"Content-Type": {"application/json"}},
		Now:             now,
	}
}
