package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/roach88/idem/internal/idempotency"
	"github.com/roach88/idem/internal/idempotency/mocks"
	"github.com/roach88/idem/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// holdServer is a gin engine with a counting POST /holds handler.
type holdServer struct {
	engine *gin.Engine
	calls  atomic.Int64
}

func newHoldServer(t *testing.T, coord *idempotency.Coordinator, opts ...Options) *holdServer {
	t.Helper()
	opts = append([]Options{WithLogger(discardLogger())}, opts...)
	mw := NewMiddleware(coord, opts...)

	s := &holdServer{engine: gin.New()}
	s.engine.Use(gin.Recovery(), mw.Gin())
	s.engine.POST("/holds", func(c *gin.Context) {
		n := s.calls.Add(1)
		c.Header("X-Hold-Server", "demo")
		c.JSON(http.StatusCreated, gin.H{"hold_id": fmt.Sprintf("H%d", n)})
	})
	s.engine.GET("/holds/:id", func(c *gin.Context) {
		s.calls.Add(1)
		c.JSON(http.StatusOK, gin.H{"hold_id": c.Param("id")})
	})
	return s
}

func TestGin_ProceedThenReplay(t *testing.T) {
	coord, clock := createTestCoordinator(t)
	s := newHoldServer(t, coord)

	first := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	require.Equal(t, http.StatusCreated, first.Code)
	assert.JSONEq(t, `{"hold_id":"H1"}`, first.Body.String())
	assert.Empty(t, first.Header().Get(HeaderReplayed))
	key := first.Header().Get(HeaderIdempotencyKey)
	assert.True(t, strings.HasPrefix(key, "T1:POST:/holds:"), key)

	clock.Advance(time.Minute)
	second := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBodyRetry))
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, `{"hold_id":"H1"}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, key, second.Header().Get(HeaderIdempotencyKey))
	assert.Equal(t, "demo", second.Header().Get("X-Hold-Server"))
	assert.Contains(t, second.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, int64(1), s.calls.Load())
}

func TestGin_ReplayOKMode(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	s := newHoldServer(t, coord, WithReplayStatus(ReplayOK))

	first := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	require.Equal(t, http.StatusCreated, first.Code)

	second := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"hold_id":"H1"}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
}

func TestGin_DifferentBodiesProceedIndependently(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	s := newHoldServer(t, coord)

	a := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	b := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", otherHoldBody))

	assert.JSONEq(t, `{"hold_id":"H1"}`, a.Body.String())
	assert.JSONEq(t, `{"hold_id":"H2"}`, b.Body.String())
	assert.Empty(t, b.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(2), s.calls.Load())
}

func TestGin_SuppliedKeyConflict(t *testing.T) {
	coord, clock := createTestCoordinator(t)
	s := newHoldServer(t, coord)

	first := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "order-1", holdBody))
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, "order-1", first.Header().Get(HeaderIdempotencyKey))

	clock.Advance(10 * time.Minute)
	second := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "order-1", otherHoldBody))
	require.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "content-mismatch", second.Header().Get(HeaderConflict))

	env := decodeError[ConflictDetails](t, second)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", env.Error.Code)
	assert.Equal(t, "order-1", env.Error.Details.OriginalKey)
	assert.NotEqual(t, env.Error.Details.OriginalHash, env.Error.Details.CurrentHash)
	assert.Equal(t, []string{"room_id: '101' → '102'"}, env.Error.Details.DiffSummary)
	assert.Equal(t, "2025-01-01T00:00:00Z", env.Error.Details.OriginalTimestamp)
	assert.Equal(t, int64(20*60), env.Error.Details.RetryAfter)
	assert.Equal(t, int64(1), s.calls.Load())
}

func TestGin_InProgress(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	mw := NewMiddleware(coord, WithLogger(discardLogger()))

	entered := make(chan struct{})
	release := make(chan struct{})
	engine := gin.New()
	engine.Use(mw.Gin())
	engine.POST("/payments", func(c *gin.Context) {
		close(entered)
		<-release
		c.JSON(http.StatusCreated, gin.H{"payment_id": "P1"})
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var first *httptest.ResponseRecorder
	go func() {
		defer wg.Done()
		first = serve(engine, newRequest(http.MethodPost, "/payments", "T1", "pay-1", `{"amount":100}`))
	}()
	<-entered

	second := serve(engine, newRequest(http.MethodPost, "/payments", "T1", "pay-1", `{"amount":100}`))
	require.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "in-progress", second.Header().Get(HeaderStatus))
	assert.Equal(t, "1", second.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "IDEMPOTENCY_IN_PROGRESS", decodeError[map[string]any](t, second).Error.Code)

	close(release)
	wg.Wait()
	assert.Equal(t, http.StatusCreated, first.Code)

	third := serve(engine, newRequest(http.MethodPost, "/payments", "T1", "pay-1", `{"amount":100}`))
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get(HeaderReplayed))
}

func TestGin_ConcurrentIdenticalRequestsRunHandlerOnce(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	s := newHoldServer(t, coord)

	const n = 12
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), s.calls.Load())
	for _, code := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusConflict}, code)
	}
}

func TestGin_TenantIsolation(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	s := newHoldServer(t, coord)

	a := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "shared", holdBody))
	b := serve(s.engine, newRequest(http.MethodPost, "/holds", "T2", "shared", otherHoldBody))

	assert.Equal(t, http.StatusCreated, a.Code)
	assert.Equal(t, http.StatusCreated, b.Code)
	assert.Empty(t, b.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(2), s.calls.Load())
}

func TestGin_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing tenant",
			req:        newRequest(http.MethodPost, "/holds", "", "", holdBody),
			wantStatus: http.StatusUnauthorized,
			wantCode:   CodeUnauthenticated,
		},
		{
			name:       "malformed body",
			req:        newRequest(http.MethodPost, "/holds", "T1", "", `{"room_id":`),
			wantStatus: http.StatusBadRequest,
			wantCode:   "IDEMPOTENCY_VALIDATION",
		},
		{
			name:       "bad key",
			req:        newRequest(http.MethodPost, "/holds", "T1", strings.Repeat("k", 256), holdBody),
			wantStatus: http.StatusBadRequest,
			wantCode:   "IDEMPOTENCY_VALIDATION",
		},
		{
			name:       "body too large",
			req:        newRequest(http.MethodPost, "/holds", "T1", "", `{"note":"`+strings.Repeat("x", 200)+`"}`),
			wantStatus: http.StatusBadRequest,
			wantCode:   "IDEMPOTENCY_VALIDATION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord, _ := createTestCoordinator(t)
			s := newHoldServer(t, coord, WithMaxBodyBytes(128))

			rec := serve(s.engine, tt.req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError[map[string]any](t, rec).Error.Code)
			assert.Equal(t, int64(0), s.calls.Load())
		})
	}
}

func TestGin_StoreUnavailableFailsClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)
	mockStore.EXPECT().
		Claim(gomock.Any(), gomock.Any()).
		Return(store.ClaimResult{}, fmt.Errorf("claim: %w", store.ErrUnavailable)).
		Times(3)

	coord, _ := createTestCoordinatorWith(t, mockStore)
	s := newHoldServer(t, coord)

	rec := serve(s.engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "IDEMPOTENCY_STORE_UNAVAILABLE", decodeError[map[string]any](t, rec).Error.Code)
	assert.Equal(t, int64(0), s.calls.Load())
}

func TestGin_ErrorResponsesAreReplayed(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	mw := NewMiddleware(coord, WithLogger(discardLogger()))

	var calls atomic.Int64
	engine := gin.New()
	engine.Use(mw.Gin())
	engine.POST("/invoices/:id/drafts", func(c *gin.Context) {
		calls.Add(1)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invoice is closed"})
	})

	first := serve(engine, newRequest(http.MethodPost, "/invoices/42/drafts", "T1", "", `{"lines":[]}`))
	second := serve(engine, newRequest(http.MethodPost, "/invoices/42/drafts", "T1", "", `{"lines":[]}`))

	assert.Equal(t, http.StatusUnprocessableEntity, first.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(1), calls.Load())
	assert.Contains(t, first.Header().Get(HeaderIdempotencyKey), ":POST:/invoices/{id}/drafts:")
}

func TestGin_PanicCompletesWithInternalError(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	mw := NewMiddleware(coord, WithLogger(discardLogger()))

	var calls atomic.Int64
	engine := gin.New()
	engine.Use(gin.CustomRecovery(func(c *gin.Context, _ any) {}), mw.Gin())
	engine.POST("/holds", func(c *gin.Context) {
		calls.Add(1)
		panic("handler exploded")
	})

	first := serve(engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, CodeInternal, decodeError[map[string]any](t, first).Error.Code)

	// The claim was completed, so a retry replays instead of staying in progress.
	second := serve(engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	assert.Equal(t, http.StatusInternalServerError, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, int64(1), calls.Load())
}

func TestGin_UnguardedRequestsPassThrough(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	s := newHoldServer(t, coord)

	for i := 0; i < 2; i++ {
		rec := serve(s.engine, newRequest(http.MethodGet, "/holds/H1", "", "", ""))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(HeaderReplayed))
	}
	assert.Equal(t, int64(2), s.calls.Load())

	// Unmatched routes never reach the coordinator.
	rec := serve(s.engine, newRequest(http.MethodPost, "/nowhere", "", "", holdBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGin_BodyIsRestoredForHandler(t *testing.T) {
	coord, _ := createTestCoordinator(t)
	mw := NewMiddleware(coord, WithLogger(discardLogger()))

	engine := gin.New()
	engine.Use(mw.Gin())
	engine.POST("/holds", func(c *gin.Context) {
		var req struct {
			RoomID string `json:"room_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"room_id": req.RoomID})
	})

	rec := serve(engine, newRequest(http.MethodPost, "/holds", "T1", "", holdBody))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"room_id":"101"}`, rec.Body.String())
}
