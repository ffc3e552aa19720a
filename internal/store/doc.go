// Package store provides durable storage for idempotency records.
//
// One record exists per (tenant_id, idempotency_key). The store is the only
// component that mutates records and the only shared mutable resource in the
// layer, so every coordination guarantee funnels through it.
//
// # Atomic claim
//
// Claim is a single conditional insert:
//
//	INSERT ... ON CONFLICT(tenant_id, idempotency_key) DO UPDATE ...
//	WHERE idempotency_records.expires_at <= excluded.created_at
//
// A fresh key is inserted; an expired record is overwritten in place; a live
// record is left untouched and returned to the caller. Exactly one concurrent
// caller can observe Claimed=true for a given live key.
//
// # Claim tokens
//
// Every claim carries a token. Complete and Extend must present it, so a handler
// whose record expired and was reclaimed can never overwrite the new claim.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - _txlock=immediate: transactions take the write lock up front, so claims from
//     several processes sharing one file serialise instead of failing on upgrade
//
// Timestamps are stored as Unix milliseconds. Backend failures that mean the
// database cannot be used right now are wrapped with ErrUnavailable.
//
// Subpackages pgstore and redisstore implement the same contract on
// PostgreSQL and Redis.
package store
