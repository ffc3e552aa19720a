package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idem/internal/store"
)

var baseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func claimParams(key, token string, now time.Time) store.ClaimParams {
	return store.ClaimParams{
		TenantID:        "t1",
		IdempotencyKey:  key,
		RoutePattern:    "POST /holds",
		ContentHash:     "aaaa",
		RequestSnapshot: []byte(`{"room":"101"}`),
		ClaimToken:      token,
		TTL:             30 * time.Minute,
		PolicyVersion:   "test-1",
		Now:             now,
	}
}

type serverError string

func (e serverError) Error() string { return string(e) }
func (serverError) RedisError()     {}

func TestIsUnavailable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"redis nil", redis.Nil, false},
		{"closed", redis.ErrClosed, true},
		{"eof", fmt.Errorf("read: %w", io.EOF), true},
		{"deadline", context.DeadlineExceeded, true},
		{"loading", serverError("LOADING Redis is loading the dataset in memory"), true},
		{"readonly", serverError("READONLY You can't write against a read only replica."), true},
		{"wrong type", serverError("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUnavailable(tc.err))
		})
	}
}

func TestClassify(t *testing.T) {
	err := classify(redis.ErrClosed)
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), "mysql://nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse redis url")
}

func TestClaimLifecycle(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	res, err := s.Claim(ctx, claimParams("k1", "tok-1", baseTime))
	require.NoError(t, err)
	assert.True(t, res.Claimed)
	assert.False(t, res.Reclaimed)
	assert.Equal(t, store.StatusPending, res.Record.Status)

	blocked, err := s.Claim(ctx, claimParams("k1", "tok-2", baseTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, blocked.Claimed)
	assert.Equal(t, "tok-1", blocked.Record.ClaimToken)
	assert.Equal(t, baseTime.Add(30*time.Minute), blocked.Record.ExpiresAt)
	assert.Equal(t, 30*time.Minute, blocked.Record.TTL)
	assert.Equal(t, `{"room":"101"}`, string(blocked.Record.RequestSnapshot))

	rec, err := s.Complete(ctx, store.CompleteParams{
		TenantID:        "t1",
		IdempotencyKey:  "k1",
		ClaimToken:      "tok-1",
		ResponseStatus:  201,
		ResponseBody:    []byte(`{"hold_id":"H1"}`),
		ResponseHeaders: map[string][]string{"Content-Type": {"application/json"}},
		Now:             baseTime.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, 201, rec.ResponseStatus)
	assert.Equal(t, `{"hold_id":"H1"}`, string(rec.ResponseBody))
	assert.Equal(t, []string{"application/json"}, rec.ResponseHeaders["Content-Type"])
	assert.Equal(t, baseTime.Add(time.Second), rec.CompletedAt)

	_, err = s.Complete(ctx, store.CompleteParams{
		TenantID: "t1", IdempotencyKey: "k1", ClaimToken: "tok-1", ResponseStatus: 500, Now: baseTime,
	})
	assert.True(t, errors.Is(err, store.ErrAlreadyCompleted), "got %v", err)

	// Expiry is exclusive: at exactly ExpiresAt the record may be reclaimed.
	reclaimed, err := s.Claim(ctx, claimParams("k1", "tok-3", baseTime.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.True(t, reclaimed.Claimed)
	assert.True(t, reclaimed.Reclaimed)

	got, err := s.Get(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Zero(t, got.ResponseStatus)
	assert.True(t, got.CompletedAt.IsZero())

	_, err = s.Extend(ctx, "t1", "k1", "tok-1", baseTime.Add(2*time.Hour))
	assert.True(t, errors.Is(err, store.ErrClaimLost), "got %v", err)

	extended, err := s.Extend(ctx, "t1", "k1", "tok-3", baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(2*time.Hour), extended.ExpiresAt)

	// Expiry never moves backwards.
	same, err := s.Extend(ctx, "t1", "k1", "tok-3", baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(2*time.Hour), same.ExpiresAt)
}

func TestComplete_NotFound(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Complete(context.Background(), store.CompleteParams{
		TenantID: "t1", IdempotencyKey: "missing", ClaimToken: "tok", ResponseStatus: 200, Now: baseTime,
	})
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	_, err = s.Get(context.Background(), "t1", "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}

func TestClaim_TenantsAreIsolated(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a := claimParams("shared", "tok-a", baseTime)
	b := claimParams("shared", "tok-b", baseTime)
	b.TenantID = "t2"

	resA, err := s.Claim(ctx, a)
	require.NoError(t, err)
	resB, err := s.Claim(ctx, b)
	require.NoError(t, err)
	assert.True(t, resA.Claimed)
	assert.True(t, resB.Claimed)
}

func TestClaim_ConcurrentExactlyOneWins(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Claim(ctx, claimParams("race", fmt.Sprintf("tok-%d", i), baseTime))
			if assert.NoError(t, err) && res.Claimed {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestSweepAndList(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	short := claimParams("short", "tok-1", baseTime)
	short.TTL = time.Minute
	_, err := s.Claim(ctx, short)
	require.NoError(t, err)
	_, err = s.Claim(ctx, claimParams("long", "tok-2", baseTime.Add(time.Second)))
	require.NoError(t, err)
	pay := claimParams("pay", "tok-3", baseTime)
	pay.RoutePattern = "POST /payments"
	_, err = s.Claim(ctx, pay)
	require.NoError(t, err)
	_, err = s.Complete(ctx, store.CompleteParams{
		TenantID: "t1", IdempotencyKey: "pay", ClaimToken: "tok-3", ResponseStatus: 200, Now: baseTime,
	})
	require.NoError(t, err)

	records, err := s.ListByRoute(ctx, "t1", "POST /holds", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "long", records[0].IdempotencyKey)
	assert.Equal(t, "short", records[1].IdempotencyKey)

	limited, err := s.ListByRoute(ctx, "t1", "POST /holds", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	usage, err := s.UsageByRoute(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []store.RouteUsage{
		{RoutePattern: "POST /holds", Pending: 2},
		{RoutePattern: "POST /payments", Completed: 1},
	}, usage)

	removed, err := s.Sweep(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	removed, err = s.Sweep(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, "t1", "short")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	records, err = s.ListByRoute(ctx, "t1", "POST /holds", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	removed, err = s.Sweep(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	usage, err = s.UsageByRoute(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestSweep_SpansTenantsInOneCall(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t2"} {
		p := claimParams("same-key", "tok-"+tenant, baseTime)
		p.TenantID = tenant
		_, err := s.Claim(ctx, p)
		require.NoError(t, err)
	}

	removed, err := s.Sweep(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	for _, tenant := range []string{"t1", "t2"} {
		_, err := s.Get(ctx, tenant, "same-key")
		assert.True(t, errors.Is(err, store.ErrNotFound), "tenant %s: got %v", tenant, err)
		usage, err := s.UsageByRoute(ctx, tenant)
		require.NoError(t, err)
		assert.Empty(t, usage, "tenant %s", tenant)
	}
}

func TestPing_ClosedClient(t *testing.T) {
	s, _ := createTestStore(t)
	require.NoError(t, s.rdb.Close())

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable), "got %v", err)
}
