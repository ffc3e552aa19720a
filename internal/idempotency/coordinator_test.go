package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/roach88/idem/internal/idempotency/mocks"
	"github.com/roach88/idem/internal/idgen"
	"github.com/roach88/idem/internal/store"
	"github.com/roach88/idem/internal/testutil"
	"github.com/roach88/idem/internal/ttlpolicy"
)

const holdBody = `{"room_id":"101","customer_info":{"name":"Ada","phone":"+1-555-0100"},"request_id":"r-1"}`

type fixture struct {
	coord *Coordinator
	store *store.Store
	clock *testutil.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewManualClock(baseTime)
	coord, err := New(Config{
		Store:  s,
		Clock:  clock,
		Tokens: testutil.NewCountingGenerator("tok"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)
	return &fixture{coord: coord, store: s, clock: clock}
}

func holdRequest(tenant, body string) Request {
	return Request{TenantID: tenant, Method: "POST", Route: "/holds", Body: []byte(body)}
}

func created() Response {
	return Response{
		Status: 201,
		Body:   []byte(`{"hold_id":"H1"}`),
		Header: map[string][]string{"Content-Type": {"application/json"}},
	}
}

func TestBegin_ProceedThenReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.coord.Begin(ctx, holdRequest("T1", holdBody))
	require.NoError(t, err)
	require.Equal(t, OutcomeProceed, d.Outcome)
	require.NotNil(t, d.Claim)
	assert.True(t, d.Derived)
	assert.Equal(t, "POST /holds", d.RoutePattern)
	assert.Equal(t, "T1:POST:/holds:"+d.ContentHash, d.Key)
	assert.Equal(t, ttlpolicy.CategoryHold, d.TTL.Category)
	assert.Equal(t, baseTime.Add(30*time.Minute), d.Record.ExpiresAt)

	_, err = d.Claim.Complete(ctx, created())
	require.NoError(t, err)

	// Volatile fields and key order do not change the hash.
	again := `{"customer_info":{"phone":"+1-555-0100","name":"Ada"},"room_id":"101","request_id":"r-2"}`
	f.clock.Advance(time.Minute)
	replay, err := f.coord.Begin(ctx, holdRequest("T1", again))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, replay.Outcome)
	assert.Nil(t, replay.Claim)
	require.NotNil(t, replay.Replay)
	assert.Equal(t, 201, replay.Replay.Status)
	assert.Equal(t, `{"hold_id":"H1"}`, string(replay.Replay.Body))
	assert.Equal(t, d.Key, replay.Key)
}

func TestBegin_ConflictOnSuppliedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := holdRequest("T1", holdBody)
	req.Key = "client-key-1"
	d, err := f.coord.Begin(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Derived)
	_, err = d.Claim.Complete(ctx, created())
	require.NoError(t, err)

	changed := holdRequest("T1", `{"room_id":"101","customer_info":{"name":"Ada","phone":"+1-555-9999"}}`)
	changed.Key = "client-key-1"
	f.clock.Advance(5 * time.Minute)
	_, err = f.coord.Begin(ctx, changed)

	var ce *ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "client-key-1", ce.Key)
	assert.Contains(t, ce.Diff, "customer_info.phone: '+1-555-0100' → '+1-555-9999'")
	assert.Equal(t, baseTime, ce.OriginalTimestamp)
	assert.Equal(t, 25*time.Minute, ce.RetryAfter)
	assert.NotEqual(t, ce.CurrentHash, ce.OriginalHash)
}

func TestBegin_InProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Begin(ctx, holdRequest("T1", holdBody))
	require.NoError(t, err)

	_, err = f.coord.Begin(ctx, holdRequest("T1", holdBody))
	assert.True(t, IsInProgress(err), "got %v", err)
}

func TestBegin_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d1, err := f.coord.Begin(ctx, holdRequest("T1", holdBody))
	require.NoError(t, err)
	d2, err := f.coord.Begin(ctx, holdRequest("T2", holdBody))
	require.NoError(t, err)

	assert.Equal(t, OutcomeProceed, d1.Outcome)
	assert.Equal(t, OutcomeProceed, d2.Outcome)
	assert.NotEqual(t, d1.Key, d2.Key)
	assert.Equal(t, d1.ContentHash, d2.ContentHash)
}

func TestBegin_ExpiredRecordIsProcessedAsNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.coord.Begin(ctx, holdRequest("T1", holdBody))
	require.NoError(t, err)
	_, err = d.Claim.Complete(ctx, created())
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	again, err := f.coord.Begin(ctx, holdRequest("T1", holdBody))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, again.Outcome)
	assert.Equal(t, baseTime.Add(time.Hour), again.Record.ExpiresAt)
}

func TestBegin_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing tenant", holdRequest("", holdBody), "tenant"},
		{"bad body", holdRequest("T1", `{"a":`), "body"},
		{"trailing data", holdRequest("T1", `{} {}`), "body"},
		{"bad key", Request{TenantID: "T1", Method: "POST", Route: "/holds", Key: "bad\x01key", Body: []byte(`{}`)}, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Begin(ctx, tt.req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, CodeValidation, ve.Code)
		})
	}
}

func TestBegin_EmptyBodyIsNull(t *testing.T) {
	f := newFixture(t)

	d, err := f.coord.Begin(context.Background(), holdRequest("T1", ""))
	require.NoError(t, err)
	assert.Equal(t, "74234e98afe7498f", d.ContentHash)
}

func TestBegin_ConcurrentIdenticalRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 12
	var proceeds, inProgress atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.coord.Begin(ctx, holdRequest("T1", holdBody))
			switch {
			case err == nil && d.Outcome == OutcomeProceed:
				proceeds.Add(1)
			case IsInProgress(err):
				inProgress.Add(1)
			default:
				t.Errorf("unexpected result: %v %v", d, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), proceeds.Load())
	assert.Equal(t, int32(n-1), inProgress.Load())
}

func TestSetPolicy_AppliesToNewClaimsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.Begin(ctx, holdRequest("T1", `{"n":1}`))
	require.NoError(t, err)

	p := ttlpolicy.Default()
	p.Version = "v2"
	p.Categories[ttlpolicy.CategoryHold] = ttlpolicy.Duration(5 * time.Minute)
	require.NoError(t, f.coord.SetPolicy(p))
	assert.Equal(t, "v2", f.coord.Policy().Version)

	second, err := f.coord.Begin(ctx, holdRequest("T1", `{"n":2}`))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(5*time.Minute), second.Record.ExpiresAt)
	assert.Equal(t, "v2", second.Record.PolicyVersion)

	stored, err := f.store.Get(ctx, "T1", first.Key)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(30*time.Minute), stored.ExpiresAt)
	assert.Equal(t, "builtin-1", stored.PolicyVersion)
}

func TestSetPolicy_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	assert.Error(t, f.coord.SetPolicy(nil))
	assert.Error(t, f.coord.SetPolicy(&ttlpolicy.Policy{Version: "x"}))
	assert.Equal(t, "builtin-1", f.coord.Policy().Version)
}

func TestClaim_CompleteAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.coord.Begin(ctx, holdRequest("T1", holdBody))
	require.NoError(t, err)

	rec, err := d.Claim.Complete(ctx, created())
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, store.StatusCompleted, d.Claim.Record().Status)

	_, err = d.Claim.Complete(ctx, Response{Status: 500})
	assert.ErrorIs(t, err, store.ErrAlreadyCompleted)
}

func TestClaim_KeepAliveExtendsLease(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewManualClock(baseTime)
	coord, err := New(Config{
		Store:             s,
		Clock:             clock,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		KeepAliveInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	d, err := coord.Begin(ctx, holdRequest("T1", holdBody))
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	kaCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Claim.KeepAlive(kaCtx) }()

	want := baseTime.Add(50 * time.Minute)
	require.Eventually(t, func() bool {
		rec, err := s.Get(ctx, "T1", d.Key)
		return err == nil && rec.ExpiresAt.Equal(want)
	}, 2*time.Second, 5*time.Millisecond)

	stop()
	assert.NoError(t, <-done)
	assert.Equal(t, want, d.Claim.Record().ExpiresAt)
}

func TestClaim_KeepAliveStopsWhenClaimLost(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)

	coord, err := New(Config{
		Store:             mockStore,
		Clock:             testutil.NewManualClock(baseTime),
		Tokens:            idgen.NewFixedGenerator("tok-1"),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		KeepAliveInterval: time.Millisecond,
	})
	require.NoError(t, err)

	rec := liveRecord("aaaa", store.StatusPending)
	mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{Claimed: true, Record: rec}, nil)
	mockStore.EXPECT().
		Extend(gomock.Any(), "t1", "k1", "tok-1", gomock.Any()).
		Return(store.Record{}, store.ErrClaimLost)

	d, err := coord.Begin(context.Background(), holdRequest("T1", holdBody))
	require.NoError(t, err)

	err = d.Claim.KeepAlive(context.Background())
	assert.ErrorIs(t, err, store.ErrClaimLost)
}

func TestBegin_RetriesUnavailableStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)

	coord, err := New(Config{
		Store:  mockStore,
		Clock:  testutil.NewManualClock(baseTime),
		Tokens: idgen.NewFixedGenerator("tok-1"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, err)

	rec := liveRecord("aaaa", store.StatusPending)
	gomock.InOrder(
		mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{}, store.ErrUnavailable),
		mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{Claimed: true, Record: rec}, nil),
	)

	d, err := coord.Begin(context.Background(), holdRequest("T1", holdBody))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)
}

func TestBegin_RetryFindsOwnCommittedClaim(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)

	coord, err := New(Config{
		Store:  mockStore,
		Clock:  testutil.NewManualClock(baseTime),
		Tokens: idgen.NewFixedGenerator("tok-1"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  RetryConfig{Attempts: 2, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	// First attempt committed but reported failure; the retry sees our token.
	rec := liveRecord("aaaa", store.StatusPending)
	gomock.InOrder(
		mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{}, store.ErrUnavailable),
		mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{Claimed: false, Record: rec}, nil),
	)

	d, err := coord.Begin(context.Background(), holdRequest("T1", holdBody))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, d.Outcome)
}

func TestBegin_FailsClosedWhenStoreUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)

	coord, err := New(Config{
		Store:  mockStore,
		Clock:  testutil.NewManualClock(baseTime),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  RetryConfig{Attempts: 3, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	mockStore.EXPECT().
		Claim(gomock.Any(), gomock.Any()).
		Return(store.ClaimResult{}, store.ErrUnavailable).
		Times(3)

	d, err := coord.Begin(context.Background(), holdRequest("T1", holdBody))
	assert.Nil(t, d)

	var se *StorageUnavailableError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 3, se.Attempts)
	assert.Equal(t, "claim", se.Op)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestBegin_NonTransientErrorIsNotRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)

	coord, err := New(Config{
		Store:  mockStore,
		Clock:  testutil.NewManualClock(baseTime),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{}, assert.AnError).Times(1)

	_, err = coord.Begin(context.Background(), holdRequest("T1", holdBody))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, IsStorageUnavailable(err))
}

func TestComplete_UnavailableLeavesClaimOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)

	coord, err := New(Config{
		Store:  mockStore,
		Clock:  testutil.NewManualClock(baseTime),
		Tokens: idgen.NewFixedGenerator("tok-1"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  RetryConfig{Attempts: 1},
	})
	require.NoError(t, err)

	rec := liveRecord("aaaa", store.StatusPending)
	done := liveRecord("aaaa", store.StatusCompleted)
	mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{Claimed: true, Record: rec}, nil)
	gomock.InOrder(
		mockStore.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(store.Record{}, store.ErrUnavailable),
		mockStore.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(done, nil),
	)

	d, err := coord.Begin(context.Background(), holdRequest("T1", holdBody))
	require.NoError(t, err)

	_, err = d.Claim.Complete(context.Background(), created())
	assert.True(t, IsStorageUnavailable(err))

	got, err := d.Claim.Complete(context.Background(), created())
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestComplete_RetryFindsOwnWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockStore := mocks.NewMockRecordStore(ctrl)

	coord, err := New(Config{
		Store:  mockStore,
		Clock:  testutil.NewManualClock(baseTime),
		Tokens: idgen.NewFixedGenerator("tok-1"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  RetryConfig{Attempts: 2, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	rec := liveRecord("aaaa", store.StatusPending)
	done := liveRecord("aaaa", store.StatusCompleted)
	mockStore.EXPECT().Claim(gomock.Any(), gomock.Any()).Return(store.ClaimResult{Claimed: true, Record: rec}, nil)
	gomock.InOrder(
		mockStore.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(store.Record{}, store.ErrUnavailable),
		mockStore.EXPECT().Complete(gomock.Any(), gomock.Any()).Return(store.Record{}, store.ErrAlreadyCompleted),
		mockStore.EXPECT().Get(gomock.Any(), "t1", "k1").Return(done, nil),
	)

	d, err := coord.Begin(context.Background(), holdRequest("T1", holdBody))
	require.NoError(t, err)

	got, err := d.Claim.Complete(context.Background(), created())
	require.NoError(t, err)
	assert.Equal(t, 201, got.ResponseStatus)
}
