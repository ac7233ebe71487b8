package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/switchyard/internal/types"
)

// wrapDBError wraps a database error with operation context. sql.ErrNoRows
// becomes types.ErrNotFound and unique-constraint violations become
// types.ErrConflict so callers can dispatch on kind.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, types.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation detects SQLite unique-constraint failures by message;
// the driver does not export a typed error for them.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// isBusy detects SQLITE_BUSY contention that is worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
