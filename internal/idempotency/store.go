package idempotency

import (
	"context"
	"time"

	"github.com/roach88/idem/internal/store"
)

//go:generate mockgen -source=store.go -destination=mocks/mock_record_store.go -package=mocks

// RecordStore is the durable backend the coordinator claims keys in.
// Both store.Store (SQLite) and pgstore.Store (PostgreSQL) satisfy it.
type RecordStore interface {
	Claim(ctx context.Context, p store.ClaimParams) (store.ClaimResult, error)
	Complete(ctx context.Context, p store.CompleteParams) (store.Record, error)
	Extend(ctx context.Context, tenantID, key, token string, expiresAt time.Time) (store.Record, error)
	Get(ctx context.Context, tenantID, key string) (store.Record, error)
}
