package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/idem/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `
	tenant_id, idempotency_key, route_pattern, content_hash, request_snapshot,
	status, claim_token, ttl_ms, policy_version,
	response_status, response_body, response_headers,
	created_at, expires_at, completed_at`

// Store is the PostgreSQL-backed record store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn and applies the schema.
// Safe to call against an already-initialised database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", classify(err))
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", classify(err))
	}

	return &Store{pool: pool}, nil
}

// New wraps an existing pool. The schema must already be applied.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", classify(err))
	}
	return nil
}

// Claim atomically claims (tenant, key). See store.Store.Claim.
//
// RETURNING (xmax = 0) is true for a fresh insert and false when an expired
// row was overwritten. No row comes back when a live record blocked the claim.
func (s *Store) Claim(ctx context.Context, p store.ClaimParams) (store.ClaimResult, error) {
	if err := p.Validate(); err != nil {
		return store.ClaimResult{}, err
	}
	rec := p.Record()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.ClaimResult{}, fmt.Errorf("claim: begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx) // No-op if committed

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO idempotency_records
		(tenant_id, idempotency_key, route_pattern, content_hash, request_snapshot,
		 status, claim_token, ttl_ms, policy_version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, idempotency_key) DO UPDATE SET
			route_pattern    = EXCLUDED.route_pattern,
			content_hash     = EXCLUDED.content_hash,
			request_snapshot = EXCLUDED.request_snapshot,
			status           = EXCLUDED.status,
			claim_token      = EXCLUDED.claim_token,
			ttl_ms           = EXCLUDED.ttl_ms,
			policy_version   = EXCLUDED.policy_version,
			response_status  = NULL,
			response_body    = NULL,
			response_headers = NULL,
			created_at       = EXCLUDED.created_at,
			expires_at       = EXCLUDED.expires_at,
			completed_at     = NULL
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at
		RETURNING (xmax = 0)
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
		rec.CreatedAt,
		rec.ExpiresAt,
	).Scan(&inserted)

	var out store.ClaimResult
	switch {
	case err == nil:
		out = store.ClaimResult{Claimed: true, Reclaimed: !inserted, Record: rec}
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := getRecord(ctx, tx, rec.TenantID, rec.IdempotencyKey)
		if err != nil {
			return store.ClaimResult{}, fmt.Errorf("claim: read existing: %w", err)
		}
		out = store.ClaimResult{Record: existing}
	default:
		return store.ClaimResult{}, fmt.Errorf("claim: upsert: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return store.ClaimResult{}, fmt.Errorf("claim: commit: %w", classify(err))
	}
	return out, nil
}

// Complete transitions a PENDING record held by p.ClaimToken to COMPLETED.
// See store.Store.Complete for the error contract.
func (s *Store) Complete(ctx context.Context, p store.CompleteParams) (store.Record, error) {
	if err := p.Validate(); err != nil {
		return store.Record{}, err
	}
	headers, err := store.EncodeHeaders(p.ResponseHeaders)
	if err != nil {
		return store.Record{}, fmt.Errorf("complete: %w", err)
	}
	body := p.ResponseBody
	if body == nil {
		body = []byte{}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE idempotency_records
		SET status = 'COMPLETED',
		    response_status = $1,
		    response_body = $2,
		    response_headers = $3,
		    completed_at = $4
		WHERE tenant_id = $5 AND idempotency_key = $6
		  AND claim_token = $7 AND status = 'PENDING'
		RETURNING `+recordColumns,
		p.ResponseStatus,
		body,
		headers,
		store.Truncate(p.Now),
		p.TenantID,
		p.IdempotencyKey,
		p.ClaimToken,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, fmt.Errorf("complete: %w", s.rejection(ctx, p.TenantID, p.IdempotencyKey, p.ClaimToken))
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("complete: %w", err)
	}
	return rec, nil
}

// Extend pushes the expiry of a PENDING record held by token forward.
func (s *Store) Extend(ctx context.Context, tenantID, key, token string, expiresAt time.Time) (store.Record, error) {
	if tenantID == "" || key == "" || token == "" {
		return store.Record{}, fmt.Errorf("extend: tenant id, key and token are required")
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE idempotency_records
		SET expires_at = GREATEST(expires_at, $1)
		WHERE tenant_id = $2 AND idempotency_key = $3
		  AND claim_token = $4 AND status = 'PENDING'
		RETURNING `+recordColumns,
		store.Truncate(expiresAt), tenantID, key, token,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, fmt.Errorf("extend: %w", s.rejection(ctx, tenantID, key, token))
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("extend: %w", err)
	}
	return rec, nil
}

// rejection explains why a token-guarded update matched no row.
func (s *Store) rejection(ctx context.Context, tenantID, key, token string) error {
	rec, err := getRecord(ctx, s.pool, tenantID, key)
	if err != nil {
		return err
	}
	if rec.ClaimToken != token {
		return store.ErrClaimLost
	}
	return store.ErrAlreadyCompleted
}

// Get returns the record for (tenant, key), live or not.
func (s *Store) Get(ctx context.Context, tenantID, key string) (store.Record, error) {
	rec, err := getRecord(ctx, s.pool, tenantID, key)
	if err != nil {
		return store.Record{}, fmt.Errorf("get: %w", err)
	}
	return rec, nil
}

// ListByRoute returns up to limit records of one tenant for a route pattern,
// newest first. A limit <= 0 means no limit.
func (s *Store) ListByRoute(ctx context.Context, tenantID, routePattern string, limit int) ([]store.Record, error) {
	var lim any // NULL means ALL
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE tenant_id = $1 AND route_pattern = $2
		ORDER BY created_at DESC, idempotency_key COLLATE "C" ASC
		LIMIT $3
	`, tenantID, routePattern, lim)
	if err != nil {
		return nil, fmt.Errorf("list by route: %w", classify(err))
	}
	defer rows.Close()

	records := []store.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list by route: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list by route: iterate: %w", classify(err))
	}
	return records, nil
}

// UsageByRoute counts a tenant's records per route pattern, ordered by route.
func (s *Store) UsageByRoute(ctx context.Context, tenantID string) ([]store.RouteUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route_pattern,
		       COUNT(*) FILTER (WHERE status = 'PENDING'),
		       COUNT(*) FILTER (WHERE status = 'COMPLETED')
		FROM idempotency_records
		WHERE tenant_id = $1
		GROUP BY route_pattern
		ORDER BY route_pattern COLLATE "C" ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("usage by route: %w", classify(err))
	}
	defer rows.Close()

	usage := []store.RouteUsage{}
	for rows.Next() {
		var u store.RouteUsage
		if err := rows.Scan(&u.RoutePattern, &u.Pending, &u.Completed); err != nil {
			return nil, fmt.Errorf("usage by route: scan: %w", err)
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage by route: iterate: %w", classify(err))
	}
	return usage, nil
}

// Sweep deletes every record whose expiry is strictly before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE expires_at < $1
	`, store.Truncate(now))
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q querier, tenantID, key string) (store.Record, error) {
	row := q.QueryRow(ctx, `SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

// scanRecord reads one row selected with recordColumns.
func scanRecord(row pgx.Row) (store.Record, error) {
	var (
		rec         store.Record
		snapshot    string
		status      string
		ttlMillis   int64
		respStatus  *int32
		respBody    []byte
		respHeaders *string
		createdAt   time.Time
		expiresAt   time.Time
		completedAt *time.Time
	)
	err := row.Scan(
		&rec.TenantID,
		&rec.IdempotencyKey,
		&rec.RoutePattern,
		&rec.ContentHash,
		&snapshot,
		&status,
		&rec.ClaimToken,
		&ttlMillis,
		&rec.PolicyVersion,
		&respStatus,
		&respBody,
		&respHeaders,
		&createdAt,
		&expiresAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, err
		}
		return store.Record{}, fmt.Errorf("scan record: %w", classify(err))
	}

	rec.RequestSnapshot = []byte(snapshot)
	rec.Status = store.Status(status)
	rec.TTL = time.Duration(ttlMillis) * time.Millisecond
	rec.CreatedAt = store.Truncate(createdAt)
	rec.ExpiresAt = store.Truncate(expiresAt)

	if rec.Status == store.StatusCompleted && respStatus != nil {
		rec.ResponseStatus = int(*respStatus)
		rec.ResponseBody = respBody
		if rec.ResponseBody == nil {
			rec.ResponseBody = []byte{}
		}
		var raw string
		if respHeaders != nil {
			raw = *respHeaders
		}
		rec.ResponseHeaders, err = store.DecodeHeaders(raw)
		if err != nil {
			return store.Record{}, fmt.Errorf("scan record: %w", err)
		}
	}
	if completedAt != nil {
		rec.CompletedAt = store.Truncate(*completedAt)
	}
	return rec, nil
}
