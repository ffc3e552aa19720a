package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/idem/internal/store"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "idem"

// sweepBatch bounds the records one sweep script call deletes.
const sweepBatch = 500

// Store is the Redis-backed record store.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// Open connects to the server at url (redis://[user:pass@]host:port/db).
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	s := New(redis.NewClient(opts), DefaultPrefix)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return s, nil
}

// New wraps an existing client. An empty prefix means DefaultPrefix. The
// client must talk to a single primary; see the package doc.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", classify(err))
	}
	return nil
}

// Tenant and route are length-prefixed so values containing ':' cannot
// collide.
func (s *Store) recordKey(tenantID, key string) string {
	return fmt.Sprintf("%s:rec:%d:%s:%s", s.prefix, len(tenantID), tenantID, key)
}

func (s *Store) expiryKey() string {
	return s.prefix + ":expiry"
}

func (s *Store) tenantKey(tenantID string) string {
	return fmt.Sprintf("%s:tenant:%d:%s", s.prefix, len(tenantID), tenantID)
}

func (s *Store) routeKey(tenantID, route string) string {
	return fmt.Sprintf("%s:route:%d:%s:%s", s.prefix, len(tenantID), tenantID, route)
}

// Claim atomically claims (tenant, key). See store.Store.Claim.
func (s *Store) Claim(ctx context.Context, p store.ClaimParams) (store.ClaimResult, error) {
	if err := p.Validate(); err != nil {
		return store.ClaimResult{}, err
	}
	rec := p.Record()
	routeIdx := s.routeKey(rec.TenantID, rec.RoutePattern)
	tenantIdx := s.tenantKey(rec.TenantID)

	created := strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10)
	expires := strconv.FormatInt(rec.ExpiresAt.UnixMilli(), 10)
	args := []any{
		created, rec.IdempotencyKey, created, expires,
		rec.TenantID,
		rec.RoutePattern,
		rec.ContentHash,
		string(rec.RequestSnapshot),
		rec.ClaimToken,
		rec.TTL.Milliseconds(),
		rec.PolicyVersion,
	}

	keys := []string{s.recordKey(rec.TenantID, rec.IdempotencyKey), s.expiryKey(), routeIdx, tenantIdx}
	reply, err := claimScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return store.ClaimResult{}, fmt.Errorf("claim: %w", classify(err))
	}
	if len(reply) < 2 {
		return store.ClaimResult{}, fmt.Errorf("claim: unexpected reply %v", reply)
	}

	if code, _ := reply[0].(int64); code == replyOK {
		reclaimed, _ := reply[1].(int64)
		return store.ClaimResult{Claimed: true, Reclaimed: reclaimed == 1, Record: rec}, nil
	}
	if len(reply) < 3 {
		return store.ClaimResult{}, fmt.Errorf("claim: unexpected reply %v", reply)
	}
	existing, err := parseRecord(reply[2])
	if err != nil {
		return store.ClaimResult{}, fmt.Errorf("claim: read existing: %w", err)
	}
	return store.ClaimResult{Record: existing}, nil
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

	reply, err := completeScript.Run(ctx, s.rdb,
		[]string{s.recordKey(p.TenantID, p.IdempotencyKey)},
		p.ClaimToken,
		p.ResponseStatus,
		string(p.ResponseBody),
		headers,
		store.Truncate(p.Now).UnixMilli(),
	).Slice()
	if err != nil {
		return store.Record{}, fmt.Errorf("complete: %w", classify(err))
	}
	rec, err := guardedReply(reply)
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

	reply, err := extendScript.Run(ctx, s.rdb,
		[]string{s.recordKey(tenantID, key), s.expiryKey()},
		token,
		store.Truncate(expiresAt).UnixMilli(),
	).Slice()
	if err != nil {
		return store.Record{}, fmt.Errorf("extend: %w", classify(err))
	}
	rec, err := guardedReply(reply)
	if err != nil {
		return store.Record{}, fmt.Errorf("extend: %w", err)
	}
	return rec, nil
}

// guardedReply maps the reply of a token-guarded script to a record or one
// of the store sentinels.
func guardedReply(reply []any) (store.Record, error) {
	if len(reply) == 0 {
		return store.Record{}, errors.New("empty reply")
	}
	code, _ := reply[0].(int64)
	switch code {
	case replyNotFound:
		return store.Record{}, store.ErrNotFound
	case replyClaimLost:
		return store.Record{}, store.ErrClaimLost
	case replyCompleted:
		return store.Record{}, store.ErrAlreadyCompleted
	}
	if len(reply) < 2 {
		return store.Record{}, fmt.Errorf("unexpected reply %v", reply)
	}
	return parseRecord(reply[1])
}

// Get returns the record for (tenant, key), live or not.
func (s *Store) Get(ctx context.Context, tenantID, key string) (store.Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.recordKey(tenantID, key)).Result()
	if err != nil {
		return store.Record{}, fmt.Errorf("get: %w", classify(err))
	}
	if len(fields) == 0 {
		return store.Record{}, fmt.Errorf("get: %w", store.ErrNotFound)
	}
	rec, err := fromFields(fields)
	if err != nil {
		return store.Record{}, fmt.Errorf("get: %w", err)
	}
	return rec, nil
}

// ListByRoute returns up to limit records of one tenant for a route pattern,
// newest first. A limit <= 0 means no limit.
func (s *Store) ListByRoute(ctx context.Context, tenantID, routePattern string, limit int) ([]store.Record, error) {
	keys, err := s.rdb.ZRange(ctx, s.routeKey(tenantID, routePattern), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list by route: %w", classify(err))
	}
	all, err := s.loadAll(ctx, tenantID, keys)
	if err != nil {
		return nil, fmt.Errorf("list by route: %w", err)
	}

	records := make([]store.Record, 0, len(all))
	for _, rec := range all {
		if rec.RoutePattern == routePattern {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].IdempotencyKey < records[j].IdempotencyKey
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// UsageByRoute counts a tenant's records per route pattern, ordered by route.
func (s *Store) UsageByRoute(ctx context.Context, tenantID string) ([]store.RouteUsage, error) {
	keys, err := s.rdb.ZRange(ctx, s.tenantKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("usage by route: %w", classify(err))
	}
	all, err := s.loadAll(ctx, tenantID, keys)
	if err != nil {
		return nil, fmt.Errorf("usage by route: %w", err)
	}

	byRoute := map[string]*store.RouteUsage{}
	for _, rec := range all {
		u, ok := byRoute[rec.RoutePattern]
		if !ok {
			u = &store.RouteUsage{RoutePattern: rec.RoutePattern}
			byRoute[rec.RoutePattern] = u
		}
		switch rec.Status {
		case store.StatusPending:
			u.Pending++
		case store.StatusCompleted:
			u.Completed++
		}
	}

	usage := make([]store.RouteUsage, 0, len(byRoute))
	for _, u := range byRoute {
		usage = append(usage, *u)
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].RoutePattern < usage[j].RoutePattern })
	return usage, nil
}

// loadAll fetches the records for keys in one pipeline, skipping any that
// were swept since the index was read.
func (s *Store) loadAll(ctx context.Context, tenantID string, keys []string) ([]store.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(tenantID, key))
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	records := make([]store.Record, 0, len(keys))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := fromFields(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Sweep deletes every record whose expiry is strictly before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	cutoff := store.Truncate(now).UnixMilli()
	var removed int64
	for {
		reply, err := sweepScript.Run(ctx, s.rdb, []string{s.expiryKey()}, cutoff, sweepBatch).Int64Slice()
		if err != nil {
			return removed, fmt.Errorf("sweep: %w", classify(err))
		}
		if len(reply) < 2 {
			return removed, fmt.Errorf("sweep: unexpected reply %v", reply)
		}
		removed += reply[0]
		if reply[1] < sweepBatch {
			return removed, nil
		}
	}
}

// parseRecord decodes a flat HGETALL reply from a script.
func parseRecord(v any) (store.Record, error) {
	flat, ok := v.([]any)
	if !ok || len(flat)%2 != 0 {
		return store.Record{}, fmt.Errorf("unexpected record reply %v", v)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		name, _ := flat[i].(string)
		value, _ := flat[i+1].(string)
		fields[name] = value
	}
	if len(fields) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return fromFields(fields)
}

func fromFields(f map[string]string) (store.Record, error) {
	rec := store.Record{
		TenantID:        f["tenant_id"],
		IdempotencyKey:  f["idempotency_key"],
		RoutePattern:    f["route_pattern"],
		ContentHash:     f["content_hash"],
		RequestSnapshot: []byte(f["request_snapshot"]),
		Status:          store.Status(f["status"]),
		ClaimToken:      f["claim_token"],
		PolicyVersion:   f["policy_version"],
	}

	ttl, err := millis(f, "ttl_ms")
	if err != nil {
		return store.Record{}, err
	}
	rec.TTL = time.Duration(ttl) * time.Millisecond

	created, err := millis(f, "created_at")
	if err != nil {
		return store.Record{}, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()

	expires, err := millis(f, "expires_at")
	if err != nil {
		return store.Record{}, err
	}
	rec.ExpiresAt = time.UnixMilli(expires).UTC()

	if rec.Status != store.StatusCompleted {
		return rec, nil
	}

	status, err := strconv.Atoi(f["response_status"])
	if err != nil {
		return store.Record{}, fmt.Errorf("decode record: response_status: %w", err)
	}
	rec.ResponseStatus = status
	rec.ResponseBody = []byte(f["response_body"])
	rec.ResponseHeaders, err = store.DecodeHeaders(f["response_headers"])
	if err != nil {
		return store.Record{}, fmt.Errorf("decode record: %w", err)
	}
	completed, err := millis(f, "completed_at")
	if err != nil {
		return store.Record{}, err
	}
	rec.CompletedAt = time.UnixMilli(completed).UTC()
	return rec, nil
}

func millis(f map[string]string, name string) (int64, error) {
	v, err := strconv.ParseInt(f[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode record: %s: %w", name, err)
	}
	return v, nil
}
