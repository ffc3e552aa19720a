package httpapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newChiServer(t *testing.T, calls *atomic.Int64) chi.Router {
	t.Helper()
	coord, _ := createTestCoordinator(t)
	mw := NewMiddleware(coord, WithLogger(discardLogger()))

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(mw.Handler)
		r.Post("/holds", func(w http.ResponseWriter, req *http.Request) {
			calls.Add(1)
			w.Header().Set("X-Hold-Server", "demo")
			writeJSON(w, http.StatusCreated, map[string]string{"hold_id": "H1"})
		})
		r.Get("/holds/{id}", func(w http.ResponseWriter, req *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusOK, map[string]string{"hold_id": chi.URLParam(req, "id")})
		})
		r.Post("/invoices/{id}/drafts", func(w http.ResponseWriter, req *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invoice is closed"})
		})
		r.Post("/payments", func(w http.ResponseWriter, req *http.Request) {
			calls.Add(1)
			panic("gateway exploded")
		})
	})
	return r
}

func TestChi_ProceedThenReplay(t *testing.T) {
	var calls atomic.Int64
	r := newChiServer(t, &calls)

	first := serve(r, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	require.Equal(t, http.StatusCreated, first.Code)
	assert.JSONEq(t, `{"hold_id":"H1"}`, first.Body.String())
	assert.NotEmpty(t, first.Header().Get(HeaderIdempotencyKey))

	second := serve(r, newRequest(http.MethodPost, "/holds", "T1", "", holdBodyRetry))
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, `{"hold_id":"H1"}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, "demo", second.Header().Get("X-Hold-Server"))
	assert.Equal(t, int64(1), calls.Load())
}

func TestChi_RoutePatternFromGroup(t *testing.T) {
	var calls atomic.Int64
	r := newChiServer(t, &calls)

	first := serve(r, newRequest(http.MethodPost, "/invoices/42/drafts", "T1", "", `{"lines":[]}`))
	second := serve(r, newRequest(http.MethodPost, "/invoices/42/drafts", "T1", "", `{"lines":[]}`))

	assert.Equal(t, http.StatusUnprocessableEntity, first.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.JSONEq(t, `{"error":"invoice is closed"}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Contains(t, first.Header().Get(HeaderIdempotencyKey), ":POST:/invoices/{id}/drafts:")
	assert.Equal(t, int64(1), calls.Load())
}

func TestChi_PanicCompletesWithInternalError(t *testing.T) {
	var calls atomic.Int64
	r := newChiServer(t, &calls)

	first := serve(r, newRequest(http.MethodPost, "/payments", "T1", "pay-1", `{"amount":100}`))
	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, CodeInternal, decodeError[map[string]any](t, first).Error.Code)

	second := serve(r, newRequest(http.MethodPost, "/payments", "T1", "pay-1", `{"amount":100}`))
	assert.Equal(t, http.StatusInternalServerError, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(1), calls.Load())
}

func TestChi_Conflict(t *testing.T) {
	var calls atomic.Int64
	r := newChiServer(t, &calls)

	serve(r, newRequest(http.MethodPost, "/holds", "T1", "order-1", holdBody))
	rec := serve(r, newRequest(http.MethodPost, "/holds", "T1", "order-1", otherHoldBody))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "content-mismatch", rec.Header().Get(HeaderConflict))
	env := decodeError[ConflictDetails](t, rec)
	assert.Equal(t, []string{"room_id: '101' → '102'"}, env.Error.Details.DiffSummary)
	assert.Equal(t, int64(1), calls.Load())
}

func TestChi_MissingTenant(t *testing.T) {
	var calls atomic.Int64
	r := newChiServer(t, &calls)

	rec := serve(r, newRequest(http.MethodPost, "/holds", "", "", holdBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthenticated, decodeError[map[string]any](t, rec).Error.Code)
	assert.Equal(t, int64(0), calls.Load())
}

func TestChi_UnguardedRequestsPassThrough(t *testing.T) {
	var calls atomic.Int64
	r := newChiServer(t, &calls)

	for i := 0; i < 2; i++ {
		rec := serve(r, newRequest(http.MethodGet, "/holds/H7", "", "", ""))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"hold_id":"H7"}`, rec.Body.String())
		assert.Empty(t, rec.Header().Get(HeaderReplayed))
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestHandler_RawPathFallback(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	mw := NewMiddleware(coord, WithLogger(discardLogger()))

	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoices/{id}/drafts", func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusCreated, map[string]string{"invoice": req.PathValue("id")})
	})
	h := mw.Handler(mux)

	first := serve(h, newRequest(http.MethodPost, "/invoices/42/drafts", "T1", "", `{"lines":[]}`))
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Contains(t, first.Header().Get(HeaderIdempotencyKey), ":POST:/invoices/{id}/drafts:")

	second := serve(h, newRequest(http.MethodPost, "/invoices/42/drafts", "T1", "", `{"lines":[]}`))
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, `{"invoice":"42"}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(1), calls.Load())
}
