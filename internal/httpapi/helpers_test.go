package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/idem/internal/idempotency"
	"github.com/roach88/idem/internal/store"
	"github.com/roach88/idem/internal/testutil"
)

var baseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	holdBody      = `{"room_id":"101","customer_info":{"name":"Ada"},"request_id":"r-1"}`
	holdBodyRetry = `{"customer_info":{"name":"Ada"},"room_id":"101","request_id":"r-2"}`
	otherHoldBody = `{"room_id":"102","customer_info":{"name":"Ada"},"request_id":"r-3"}`
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() idempotency.RetryConfig {
	return idempotency.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

// createTestCoordinator wires a coordinator over a temp-dir SQLite store.
func createTestCoordinator(t *testing.T) (*idempotency.Coordinator, *testutil.ManualClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return createTestCoordinatorWith(t, s)
}

func createTestCoordinatorWith(t *testing.T, s idempotency.RecordStore) (*idempotency.Coordinator, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(baseTime)
	coord, err := idempotency.New(idempotency.Config{
		Store:  s,
		Clock:  clock,
		Tokens: testutil.NewCountingGenerator("tok"),
		Logger: discardLogger(),
		Retry:  fastRetry(),
	})
	require.NoError(t, err)
	return coord, clock
}

func newRequest(method, target, tenant, key, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(HeaderTenantID, tenant)
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// errorEnvelope decodes error bodies with typed details.
type errorEnvelope[D any] struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details D      `json:"details"`
	} `json:"error"`
}

func decodeError[D any](t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope[D] {
	t.Helper()
	var env errorEnvelope[D]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}
