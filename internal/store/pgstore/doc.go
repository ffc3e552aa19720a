// Package pgstore is the PostgreSQL record store, for deployments where
// several processes share one idempotency table.
//
// It has the same semantics as the SQLite store in the parent package and
// returns the same sentinel errors. The claim is one INSERT ... ON CONFLICT
// DO UPDATE ... WHERE statement; PostgreSQL's row lock on the conflicting
// tuple serialises concurrent claims for one key while leaving distinct keys
// fully parallel.
package pgstore
