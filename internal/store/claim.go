package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claim atomically claims (tenant, key) for the caller.
//
// The claim is a single conditional upsert: a new row is inserted, or an
// existing row is overwritten only when it has expired at p.Now
// (expires_at <= now). A live row is left untouched and returned so the
// caller can decide between replay, conflict and in-progress.
//
// Transactions start with BEGIN IMMEDIATE (see Open), so the pre-read, the
// upsert and the read-back observe one serialisation point.
func (s *Store) Claim(ctx context.Context, p ClaimParams) (ClaimResult, error) {
	if err := p.Validate(); err != nil {
		return ClaimResult{}, err
	}
	rec := p.Record()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim: begin tx: %w", classify(err))
	}
	defer tx.Rollback() // No-op if committed

	var existed bool
	var prevExpiry int64
	err = tx.QueryRowContext(ctx, `
		SELECT expires_at FROM idempotency_records
		WHERE tenant_id = ? AND idempotency_key = ?
	`, rec.TenantID, rec.IdempotencyKey).Scan(&prevExpiry)
	switch {
	case err == nil:
		existed = true
	case errors.Is(err, sql.ErrNoRows):
	default:
		return ClaimResult{}, fmt.Errorf("claim: pre-read: %w", classify(err))
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records
		(tenant_id, idempotency_key, route_pattern, content_hash, request_snapshot,
		 status, claim_token, ttl_ms, policy_version,
		 response_status, response_body, response_headers,
		 created_at, expires_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?, NULL)
		ON CONFLICT(tenant_id, idempotency_key) DO UPDATE SET
			route_pattern    = excluded.route_pattern,
			content_hash     = excluded.content_hash,
			request_snapshot = excluded.request_snapshot,
			status           = excluded.status,
			claim_token      = excluded.claim_token,
			ttl_ms           = excluded.ttl_ms,
			policy_version   = excluded.policy_version,
			response_status  = NULL,
			response_body    = NULL,
			response_headers = NULL,
			created_at       = excluded.created_at,
			expires_at       = excluded.expires_at,
			completed_at     = NULL
		WHERE idempotency_records.expires_at <= excluded.created_at
	`,
		rec.TenantID,
		rec.IdempotencyKey,
		rec.RoutePattern,
		rec.ContentHash,
		string(rec.RequestSnapshot),
		string(rec.Status),
		rec.ClaimToken,
		rec.TTL.Milliseconds(),
		rec.PolicyVersion,
		toMillis(rec.CreatedAt),
		toMillis(rec.ExpiresAt),
	)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim: upsert: %w", classify(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim: rows affected: %w", classify(err))
	}

	out := ClaimResult{Claimed: rowsAffected > 0}
	if out.Claimed {
		out.Reclaimed = existed
		out.Record = rec
	} else {
		// Live row blocked the claim; read it back inside the same tx.
		out.Record, err = getRecord(ctx, tx, rec.TenantID, rec.IdempotencyKey)
		if err != nil {
			return ClaimResult{}, fmt.Errorf("claim: read existing: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ClaimResult{}, fmt.Errorf("claim: commit: %w", classify(err))
	}
	return out, nil
}

// Complete transitions a PENDING record held by p.ClaimToken to COMPLETED and
// returns the stored record.
//
// Returns ErrNotFound if the record is gone, ErrAlreadyCompleted if this claim
// already completed it, and ErrClaimLost if another claim now owns the key.
func (s *Store) Complete(ctx context.Context, p CompleteParams) (Record, error) {
	if err := p.Validate(); err != nil {
		return Record{}, err
	}
	headers, err := EncodeHeaders(p.ResponseHeaders)
	if err != nil {
		return Record{}, fmt.Errorf("complete: %w", err)
	}
	body := p.ResponseBody
	if body == nil {
		body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("complete: begin tx: %w", classify(err))
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'COMPLETED',
		    response_status = ?,
		    response_body = ?,
		    response_headers = ?,
		    completed_at = ?
		WHERE tenant_id = ? AND idempotency_key = ?
		  AND claim_token = ? AND status = 'PENDING'
	`,
		p.ResponseStatus,
		body,
		headers,
		toMillis(Truncate(p.Now)),
		p.TenantID,
		p.IdempotencyKey,
		p.ClaimToken,
	)
	if err != nil {
		return Record{}, fmt.Errorf("complete: update: %w", classify(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("complete: rows affected: %w", classify(err))
	}

	rec, err := getRecord(ctx, tx, p.TenantID, p.IdempotencyKey)
	if err != nil {
		return Record{}, fmt.Errorf("complete: %w", err)
	}

	if rowsAffected == 0 {
		return Record{}, fmt.Errorf("complete: %w", completeRejection(rec, p.ClaimToken))
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("complete: commit: %w", classify(err))
	}
	return rec, nil
}

// completeRejection explains why an update matched no row.
func completeRejection(rec Record, token string) error {
	if rec.ClaimToken != token {
		return ErrClaimLost
	}
	return ErrAlreadyCompleted
}

// Extend pushes the expiry of a PENDING record held by token forward to
// expiresAt. Expiry never moves backwards.
//
// Returns ErrNotFound, ErrAlreadyCompleted or ErrClaimLost like Complete.
func (s *Store) Extend(ctx context.Context, tenantID, key, token string, expiresAt time.Time) (Record, error) {
	if tenantID == "" || key == "" || token == "" {
		return Record{}, fmt.Errorf("extend: tenant id, key and token are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("extend: begin tx: %w", classify(err))
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		UPDATE idempotency_records
		SET expires_at = MAX(expires_at, ?)
		WHERE tenant_id = ? AND idempotency_key = ?
		  AND claim_token = ? AND status = 'PENDING'
	`, toMillis(Truncate(expiresAt)), tenantID, key, token)
	if err != nil {
		return Record{}, fmt.Errorf("extend: update: %w", classify(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("extend: rows affected: %w", classify(err))
	}

	rec, err := getRecord(ctx, tx, tenantID, key)
	if err != nil {
		return Record{}, fmt.Errorf("extend: %w", err)
	}
	if rowsAffected == 0 {
		return Record{}, fmt.Errorf("extend: %w", completeRejection(rec, token))
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("extend: commit: %w", classify(err))
	}
	return rec, nil
}
