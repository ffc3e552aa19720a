package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/idem/internal/idempotency"
	"github.com/roach88/idem/internal/reaper"
	"github.com/roach88/idem/internal/store"
	"github.com/roach88/idem/internal/store/pgstore"
	"github.com/roach88/idem/internal/store/redisstore"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// recordStore is what the commands need from either backend.
type recordStore interface {
	idempotency.RecordStore
	reaper.Sweeper
	ListByRoute(ctx context.Context, tenantID, routePattern string, limit int) ([]store.Record, error)
	UsageByRoute(ctx context.Context, tenantID string) ([]store.RouteUsage, error)
	Ping(ctx context.Context) error
	Close() error
}

// StoreOptions selects and locates the record store.
type StoreOptions struct {
	Driver   string
	Database string // SQLite path, PostgreSQL DSN or Redis URL
}

func openStore(ctx context.Context, opts StoreOptions) (recordStore, error) {
	if opts.Database == "" {
		return nil, NewExitError(ExitCommandError, "--db is required").WithCode(ErrCodeStore)
	}

	switch opts.Driver {
	case DriverSQLite, "":
		st, err := store.Open(opts.Database)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err).WithCode(ErrCodeStore)
		}
		return st, nil

	case DriverPostgres:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		st, err := pgstore.Open(ctx, opts.Database)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect to postgres", err).WithCode(ErrCodeStore)
		}
		return st, nil

	case DriverRedis:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		st, err := redisstore.Open(ctx, opts.Database)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err).WithCode(ErrCodeStore)
		}
		return st, nil
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown driver %q: must be %s, %s or %s", opts.Driver, DriverSQLite, DriverPostgres, DriverRedis)).WithCode(ErrCodeStore)
}
