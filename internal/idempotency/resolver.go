package idempotency

import (
	"time"

	"github.com/roach88/idem/internal/canon"
	"github.com/roach88/idem/internal/store"
)

// Outcome is what the caller should do with a request.
type Outcome string

const (
	// OutcomeProceed means the caller holds the claim and must run the
	// handler, then complete the claim.
	OutcomeProceed Outcome = "PROCEED"

	// OutcomeReplay means a completed response exists for this request.
	OutcomeReplay Outcome = "REPLAY"

	// OutcomeConflict means the key is live with a different body.
	OutcomeConflict Outcome = "CONFLICT"

	// OutcomeInProgress means an identical request holds the claim.
	OutcomeInProgress Outcome = "IN_PROGRESS"
)

// InProgressRetryAfter is the retry hint given to requests that find an
// identical request still running.
const InProgressRetryAfter = time.Second

// Attempt is what is known about an incoming request at claim time.
type Attempt struct {
	Key         string
	ContentHash string
	Snapshot    canon.Value // normalised body
}

// Replay is a stored response to return in place of running the handler.
type Replay struct {
	Status      int
	Body        []byte
	Header      map[string][]string
	CompletedAt time.Time
}

// Resolution is the resolver's verdict on a claim result.
type Resolution struct {
	Outcome Outcome
	Record  store.Record
	Replay  *Replay // set for OutcomeReplay
}

// Resolve interprets a claim result for an attempt.
//
// A won claim resolves to PROCEED. Otherwise the blocking record decides:
// same content and COMPLETED is REPLAY; same content and PENDING returns an
// *InProgressError; different content returns a *ConflictError with a diff
// of the two snapshots. Resolve never blocks.
func Resolve(a Attempt, res store.ClaimResult, now time.Time) (Resolution, error) {
	rec := res.Record
	if res.Claimed {
		return Resolution{Outcome: OutcomeProceed, Record: rec}, nil
	}

	if rec.ContentHash != a.ContentHash {
		return Resolution{Outcome: OutcomeConflict, Record: rec}, conflict(a, rec, now)
	}

	if rec.Status == store.StatusCompleted {
		return Resolution{
			Outcome: OutcomeReplay,
			Record:  rec,
			Replay: &Replay{
				Status:      rec.ResponseStatus,
				Body:        rec.ResponseBody,
				Header:      rec.ResponseHeaders,
				CompletedAt: rec.CompletedAt,
			},
		}, nil
	}

	return Resolution{Outcome: OutcomeInProgress, Record: rec}, &InProgressError{
		Code:       CodeInProgress,
		Key:        a.Key,
		Since:      rec.CreatedAt,
		RetryAfter: InProgressRetryAfter,
	}
}

func conflict(a Attempt, rec store.Record, now time.Time) *ConflictError {
	original, err := canon.Parse(rec.RequestSnapshot)
	if err != nil {
		original = canon.Null{}
	}
	current := a.Snapshot
	if current == nil {
		current = canon.Null{}
	}

	diff := Diff(original, current)
	if len(diff) == 0 {
		// Same normalised tree stored under a different hash, e.g. after a
		// normalisation change. Still a conflict; name the root.
		diff = []string{line("", "'"+rec.ContentHash+"'", "'"+a.ContentHash+"'")}
	}

	retry := rec.ExpiresAt.Sub(now)
	if retry < 0 {
		retry = 0
	}

	return &ConflictError{
		Code:              CodeConflict,
		Key:               a.Key,
		CurrentHash:       a.ContentHash,
		OriginalHash:      rec.ContentHash,
		Diff:              diff,
		OriginalTimestamp: rec.CreatedAt,
		RetryAfter:        retry,
	}
}
