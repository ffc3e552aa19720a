package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const recordColumns = `
	tenant_id, idempotency_key, route_pattern, content_hash, request_snapshot,
	status, claim_token, ttl_ms, policy_version,
	response_status, response_body, response_headers,
	created_at, expires_at, completed_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Get returns the record for (tenant, key), live or not.
// Returns ErrNotFound if no row exists.
func (s *Store) Get(ctx context.Context, tenantID, key string) (Record, error) {
	rec, err := getRecord(ctx, s.db, tenantID, key)
	if err != nil {
		return Record{}, fmt.Errorf("get: %w", err)
	}
	return rec, nil
}

func getRecord(ctx context.Context, q querier, tenantID, key string) (Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE tenant_id = ? AND idempotency_key = ?
	`, tenantID, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListByRoute returns up to limit records of one tenant for a route pattern,
// newest first. A limit <= 0 means no limit.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListByRoute(ctx context.Context, tenantID, routePattern string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unbounded
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM idempotency_records
		WHERE tenant_id = ? AND route_pattern = ?
		ORDER BY created_at DESC, idempotency_key COLLATE BINARY ASC
		LIMIT ?
	`, tenantID, routePattern, limit)
	if err != nil {
		return nil, fmt.Errorf("list by route: %w", classify(err))
	}
	defer rows.Close()

	records := []Record{}
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
func (s *Store) UsageByRoute(ctx context.Context, tenantID string) ([]RouteUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route_pattern,
		       SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END)
		FROM idempotency_records
		WHERE tenant_id = ?
		GROUP BY route_pattern
		ORDER BY route_pattern COLLATE BINARY ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("usage by route: %w", classify(err))
	}
	defer rows.Close()

	usage := []RouteUsage{}
	for rows.Next() {
		var u RouteUsage
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

// scanRecord reads one row selected with recordColumns.
func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                  Record
		snapshot             string
		status               string
		ttlMillis            int64
		respStatus           sql.NullInt64
		respBody             []byte
		respHeaders          sql.NullString
		createdAt, expiresAt int64
		completedAt          sql.NullInt64
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
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan record: %w", classify(err))
	}

	rec.RequestSnapshot = []byte(snapshot)
	rec.Status = Status(status)
	rec.TTL = time.Duration(ttlMillis) * time.Millisecond
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)

	if rec.Status == StatusCompleted {
		rec.ResponseStatus = int(respStatus.Int64)
		rec.ResponseBody = respBody
		if rec.ResponseBody == nil {
			rec.ResponseBody = []byte{}
		}
		rec.ResponseHeaders, err = DecodeHeaders(respHeaders.String)
		if err != nil {
			return Record{}, fmt.Errorf("scan record: %w", err)
		}
	}
	if completedAt.Valid {
		rec.CompletedAt = fromMillis(completedAt.Int64)
	}
	return rec, nil
}
