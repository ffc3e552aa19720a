package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// classify wraps errors that mean the database cannot serve the request right
// now with ErrUnavailable. Everything else is returned unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if IsUnavailable(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// IsUnavailable reports whether err is a busy, locked, closed, I/O or
// timeout failure from SQLite or database/sql.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy,
			sqlite3.ErrLocked,
			sqlite3.ErrCantOpen,
			sqlite3.ErrIoErr,
			sqlite3.ErrFull,
			sqlite3.ErrReadonly,
			sqlite3.ErrProtocol:
			return true
		}
		return false
	}

	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
