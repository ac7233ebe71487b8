package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

// Schema metadata keys.
const (
	metaVersion          = "version"
	metaLastClaimCleanup = "last_claim_cleanup"
)

// GetMeta returns the schema_metadata value for key, or "" when absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError("get metadata "+key, err)
	}
	return value, nil
}

// SetMeta upserts a schema_metadata key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_metadata (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return wrapDBError("set metadata "+key, err)
}

// GetMeta reads a schema_metadata value inside the transaction, "" when
// absent.
func (t *Tx) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := t.conn.QueryRowContext(ctx, `SELECT value FROM schema_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError("get metadata "+key, err)
	}
	return value, nil
}

// SetMeta upserts a schema_metadata key inside the transaction.
func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	return t.setMeta(ctx, key, value)
}

// setMeta upserts a schema_metadata key inside a transaction.
func (t *Tx) setMeta(ctx context.Context, key, value string) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO schema_metadata (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return wrapDBError("set metadata "+key, err)
}

// TryAcquireCleanupLock attempts the advisory compare-and-swap that makes
// stale sweeps single-writer across processes. It succeeds when the stored
// last_claim_cleanup timestamp is older than the self-heal window (or the
// key does not exist yet), atomically stamping it with now. Returns false
// when another sweeper holds a fresh stamp; the caller yields.
func (s *Store) TryAcquireCleanupLock(ctx context.Context, now time.Time) (bool, error) {
	stamp := utcSeconds(now).Format("2006-01-02 15:04:05")
	cutoff := utcSeconds(now.Add(-types.CleanupLockWindow)).Format("2006-01-02 15:04:05")

	// Seed the key so the CAS below has a row to contend on. A fresh seed
	// carries an ancient stamp, so the first sweeper always wins.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO schema_metadata (key, value, updated_at)
		VALUES (?, '1970-01-01 00:00:00', datetime('now'))
	`, metaLastClaimCleanup)
	if err != nil {
		return false, wrapDBError("seed cleanup lock", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE schema_metadata SET value = ?, updated_at = datetime('now')
		WHERE key = ? AND value < ?
	`, stamp, metaLastClaimCleanup, cutoff)
	if err != nil {
		return false, wrapDBError("acquire cleanup lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire cleanup lock: %w", err)
	}
	return n > 0, nil
}
