package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idem/internal/store"
)

var baseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore opens the database named by IDEM_TEST_POSTGRES_DSN and
// clears the records table. Skips when the variable is unset.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("IDEM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IDEM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, "TRUNCATE idempotency_records")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
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

func TestIsUnavailable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection failure", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, true},
		{"admin shutdown", &pgconn.PgError{Code: pgerrcode.AdminShutdown}, true},
		{"too many connections", &pgconn.PgError{Code: pgerrcode.TooManyConnections}, true},
		{"serialization", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgerrcode.SerializationFailure}), true},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUnavailable(tc.err))
		})
	}
}

func TestClassify(t *testing.T) {
	err := classify(&pgconn.PgError{Code: pgerrcode.AdminShutdown})
	assert.True(t, errors.Is(err, store.ErrUnavailable))

	plain := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	assert.Equal(t, error(plain), classify(plain))
}

func TestClaimLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	res, err := s.Claim(ctx, claimParams("k1", "tok-1", baseTime))
	require.NoError(t, err)
	assert.True(t, res.Claimed)
	assert.False(t, res.Reclaimed)

	blocked, err := s.Claim(ctx, claimParams("k1", "tok-2", baseTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, blocked.Claimed)
	assert.Equal(t, "tok-1", blocked.Record.ClaimToken)

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
	assert.Equal(t, []string{"application/json"}, rec.ResponseHeaders["Content-Type"])

	_, err = s.Complete(ctx, store.CompleteParams{
		TenantID: "t1", IdempotencyKey: "k1", ClaimToken: "tok-1", ResponseStatus: 500, Now: baseTime,
	})
	assert.True(t, errors.Is(err, store.ErrAlreadyCompleted), "got %v", err)

	reclaimed, err := s.Claim(ctx, claimParams("k1", "tok-3", baseTime.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.True(t, reclaimed.Claimed)
	assert.True(t, reclaimed.Reclaimed)

	_, err = s.Extend(ctx, "t1", "k1", "tok-1", baseTime.Add(2*time.Hour))
	assert.True(t, errors.Is(err, store.ErrClaimLost), "got %v", err)

	extended, err := s.Extend(ctx, "t1", "k1", "tok-3", baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(2*time.Hour), extended.ExpiresAt)
}

func TestClaim_ConcurrentExactlyOneWins(t *testing.T) {
	s := createTestStore(t)
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
	s := createTestStore(t)
	ctx := context.Background()

	short := claimParams("short", "tok-1", baseTime)
	short.TTL = time.Minute
	_, err := s.Claim(ctx, short)
	require.NoError(t, err)
	_, err = s.Claim(ctx, claimParams("long", "tok-2", baseTime))
	require.NoError(t, err)

	records, err := s.ListByRoute(ctx, "t1", "POST /holds", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	usage, err := s.UsageByRoute(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []store.RouteUsage{{RoutePattern: "POST /holds", Pending: 2}}, usage)

	removed, err := s.Sweep(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	removed, err = s.Sweep(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, "t1", "short")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
}
