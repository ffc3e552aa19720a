package redisstore

import "github.com/redis/go-redis/v9"

// Reply codes shared by the scripts.
const (
	replyOK        = 1
	replyNotFound  = 0
	replyClaimLost = -1
	replyCompleted = -2
)

// claimScript writes a PENDING record unless a live one exists.
//
// KEYS: record, expiry index, route index, tenant index.
// ARGV: now, idempotency key, created_at, expires_at, tenant id, route
// pattern, content hash, request snapshot, claim token, ttl_ms, policy
// version. Replies {1, reclaimed} on success or {0, 0, HGETALL} when blocked.
// Reclaiming drops the key from the old index sets named in the record, which
// are not in KEYS; single primary only.
var claimScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
local reclaimed = 0
if exp then
	if tonumber(exp) > tonumber(ARGV[1]) then
		return {0, 0, redis.call('HGETALL', KEYS[1])}
	end
	local old = redis.call('HMGET', KEYS[1], 'route_index', 'tenant_index')
	if old[1] then redis.call('ZREM', old[1], ARGV[2]) end
	if old[2] then redis.call('ZREM', old[2], ARGV[2]) end
	redis.call('DEL', KEYS[1])
	reclaimed = 1
end
redis.call('HSET', KEYS[1],
	'tenant_id', ARGV[5],
	'idempotency_key', ARGV[2],
	'route_pattern', ARGV[6],
	'content_hash', ARGV[7],
	'request_snapshot', ARGV[8],
	'status', 'PENDING',
	'claim_token', ARGV[9],
	'ttl_ms', ARGV[10],
	'policy_version', ARGV[11],
	'created_at', ARGV[3],
	'expires_at', ARGV[4],
	'route_index', KEYS[3],
	'tenant_index', KEYS[4])
redis.call('ZADD', KEYS[2], ARGV[4], KEYS[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[2])
return {1, reclaimed}
`)

// completeScript stores the response on a PENDING record held by the token.
//
// KEYS: record. ARGV: token, status, body, headers, completed_at.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0}
end
if redis.call('HGET', KEYS[1], 'claim_token') ~= ARGV[1] then
	return {-1}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then
	return {-2}
end
redis.call('HSET', KEYS[1],
	'status', 'COMPLETED',
	'response_status', ARGV[2],
	'response_body', ARGV[3],
	'response_headers', ARGV[4],
	'completed_at', ARGV[5])
return {1, redis.call('HGETALL', KEYS[1])}
`)

// extendScript moves the expiry of a PENDING record forward, never back.
//
// KEYS: record, expiry index. ARGV: token, expires_at.
var extendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {0}
end
if redis.call('HGET', KEYS[1], 'claim_token') ~= ARGV[1] then
	return {-1}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then
	return {-2}
end
if tonumber(ARGV[2]) > tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then
	redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[2], KEYS[1])
end
return {1, redis.call('HGETALL', KEYS[1])}
`)

// sweepScript deletes up to ARGV[2] records that expired strictly before
// ARGV[1]. KEYS: expiry index. Replies {removed, scanned}. Record and index
// keys come from the data, not KEYS; single primary only.
var sweepScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local removed = 0
for _, rec in ipairs(members) do
	local f = redis.call('HMGET', rec, 'idempotency_key', 'route_index', 'tenant_index')
	if f[1] then
		if f[2] then redis.call('ZREM', f[2], f[1]) end
		if f[3] then redis.call('ZREM', f[3], f[1]) end
		redis.call('DEL', rec)
		removed = removed + 1
	end
	redis.call('ZREM', KEYS[1], rec)
end
return {removed, #members}
`)
