// Package redisstore is the Redis record store, for deployments that already
// run Redis next to the API processes.
//
// Records are hashes. A sorted set scored by expiry drives Sweep, and one
// sorted set per tenant and per (tenant, route) backs the inspection queries.
// Claim, Complete and Extend are Lua scripts, so each is a single atomic step
// on the server.
//
// The store needs a single Redis primary (with or without replicas); Redis
// Cluster is not supported. The claim and sweep scripts reach keys that are
// not declared in KEYS (index keys recorded inside the record hash, and
// record keys listed in the expiry index), and the expiry index spans every
// tenant, so no hash tag scheme could keep one script inside one slot. New
// takes a *redis.Client rather than a redis.UniversalClient for this reason.
package redisstore
