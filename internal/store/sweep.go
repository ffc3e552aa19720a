package store

import (
	"context"
	"fmt"
	"time"
)

// Sweep deletes every record, in any status, whose expiry is strictly before
// now and returns how many rows were removed. Safe to call repeatedly.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE expires_at < ?
	`, toMillis(Truncate(now)))
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", classify(err))
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep: rows affected: %w", classify(err))
	}
	return removed, nil
}
