package idempotency

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idem/internal/canon"
	"github.com/roach88/idem/internal/store"
)

var baseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func liveRecord(hash string, status store.Status) store.Record {
	rec := store.Record{
		TenantID:        "t1",
		IdempotencyKey:  "k1",
		RoutePattern:    "POST /holds",
		ContentHash:     hash,
		RequestSnapshot: []byte(`{"customer_info":{"phone":"+1-555-0100"}}`),
		Status:          status,
		ClaimToken:      "tok-1",
		TTL:             30 * time.Minute,
		CreatedAt:       baseTime,
		ExpiresAt:       baseTime.Add(30 * time.Minute),
	}
	if status == store.StatusCompleted {
		rec.ResponseStatus = 201
		rec.ResponseBody = []byte(`{"hold_id":"H1"}`)
		rec.ResponseHeaders = map[string][]string{"Content-Type": {"application/json"}}
		rec.CompletedAt = baseTime.Add(time.Second)
	}
	return rec
}

func TestResolve_Claimed(t *testing.T) {
	rec := liveRecord("aaaa", store.StatusPending)
	res, err := Resolve(Attempt{Key: "k1", ContentHash: "aaaa"}, store.ClaimResult{Claimed: true, Record: rec}, baseTime)

	require.NoError(t, err)
	assert.Equal(t, OutcomeProceed, res.Outcome)
	assert.Nil(t, res.Replay)
}

func TestResolve_Replay(t *testing.T) {
	rec := liveRecord("aaaa", store.StatusCompleted)
	res, err := Resolve(Attempt{Key: "k1", ContentHash: "aaaa"}, store.ClaimResult{Record: rec}, baseTime.Add(time.Minute))

	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, res.Outcome)
	require.NotNil(t, res.Replay)
	assert.Equal(t, 201, res.Replay.Status)
	assert.Equal(t, `{"hold_id":"H1"}`, string(res.Replay.Body))
	assert.Equal(t, []string{"application/json"}, res.Replay.Header["Content-Type"])
}

func TestResolve_InProgress(t *testing.T) {
	rec := liveRecord("aaaa", store.StatusPending)
	res, err := Resolve(Attempt{Key: "k1", ContentHash: "aaaa"}, store.ClaimResult{Record: rec}, baseTime.Add(time.Minute))

	assert.Equal(t, OutcomeInProgress, res.Outcome)
	require.True(t, IsInProgress(err))

	var ie *InProgressError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, CodeInProgress, ie.Code)
	assert.Equal(t, InProgressRetryAfter, ie.RetryAfter)
	assert.Equal(t, baseTime, ie.Since)
}

func TestResolve_ConflictBeatsStatus(t *testing.T) {
	for _, status := range []store.Status{store.StatusPending, store.StatusCompleted} {
		t.Run(string(status), func(t *testing.T) {
			rec := liveRecord("aaaa", status)
			current := canon.MustParse(`{"customer_info":{"phone":"+1-555-9999"}}`)

			res, err := Resolve(Attempt{Key: "k1", ContentHash: "bbbb", Snapshot: current}, store.ClaimResult{Record: rec}, baseTime.Add(10*time.Minute))

			assert.Equal(t, OutcomeConflict, res.Outcome)
			var ce *ConflictError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, CodeConflict, ce.Code)
			assert.Equal(t, "k1", ce.Key)
			assert.Equal(t, "bbbb", ce.CurrentHash)
			assert.Equal(t, "aaaa", ce.OriginalHash)
			assert.Equal(t, baseTime, ce.OriginalTimestamp)
			assert.Equal(t, 20*time.Minute, ce.RetryAfter)
			assert.Equal(t, []string{"customer_info.phone: '+1-555-0100' → '+1-555-9999'"}, ce.Diff)
		})
	}
}

func TestResolve_ConflictDiffNeverEmpty(t *testing.T) {
	rec := liveRecord("aaaa", store.StatusCompleted)
	same := canon.MustParse(string(rec.RequestSnapshot))

	_, err := Resolve(Attempt{Key: "k1", ContentHash: "bbbb", Snapshot: same}, store.ClaimResult{Record: rec}, baseTime)

	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"$: 'aaaa' → 'bbbb'"}, ce.Diff)
}
