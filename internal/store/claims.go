package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/switchyard/internal/types"
)

const claimColumns = `id, session_id, repo_path, file_path, claim_mode, claimed_at,
	expires_at, last_heartbeat, escalated_from, metadata, is_active,
	released_at, deleted_at, deleted_reason`

// InsertClaim creates a claim row inside the transaction. The caller has
// already decided compatibility; this validates shape only.
func (t *Tx) InsertClaim(ctx context.Context, claim *types.FileClaim) error {
	if claim.SessionID == "" {
		return fmt.Errorf("claim session_id is empty: %w", types.ErrValidation)
	}
	if err := types.ValidateFilePath(claim.FilePath); err != nil {
		return err
	}
	if !claim.ClaimMode.IsValid() {
		return fmt.Errorf("invalid claim mode %q: %w", claim.ClaimMode, types.ErrValidation)
	}
	if err := types.ValidateMetadata(claim.Metadata); err != nil {
		return err
	}
	if claim.ExpiresAt.IsZero() {
		return fmt.Errorf("claim expires_at is unset: %w", types.ErrValidation)
	}

	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	now := utcSeconds(time.Now())
	if claim.ClaimedAt.IsZero() {
		claim.ClaimedAt = now
	}
	if claim.LastHeartbeat.IsZero() {
		claim.LastHeartbeat = now
	}
	claim.IsActive = true

	var escalatedFrom interface{}
	if claim.EscalatedFrom != nil {
		escalatedFrom = string(*claim.EscalatedFrom)
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO file_claims (
			id, session_id, repo_path, file_path, claim_mode, claimed_at,
			expires_at, last_heartbeat, escalated_from, metadata, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		claim.ID, claim.SessionID, claim.RepoPath, claim.FilePath, string(claim.ClaimMode),
		claim.ClaimedAt, utcSeconds(claim.ExpiresAt), claim.LastHeartbeat, escalatedFrom,
		types.EncodeMetadata(claim.Metadata),
	)
	if err != nil {
		return wrapDBError("insert claim", err)
	}
	return nil
}

// ActiveClaimsForFile lists active, non-expired claims on (repoPath,
// filePath), excluding excludeSessionID when non-empty. This is the
// compatibility-check read; it runs inside the acquire transaction so the
// check and the insert are atomic.
func (t *Tx) ActiveClaimsForFile(ctx context.Context, repoPath, filePath, excludeSessionID string, now time.Time) ([]*types.FileClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM file_claims
		WHERE repo_path = ? AND file_path = ? AND is_active = 1 AND expires_at > ?`
	args := []interface{}{repoPath, filePath, utcSeconds(now).Format(sqliteTime)}
	if excludeSessionID != "" {
		query += ` AND session_id != ?`
		args = append(args, excludeSessionID)
	}
	query += ` ORDER BY claimed_at, id`
	return queryClaims(ctx, t.conn, query, args...)
}

// GetClaim returns a claim by ID within the transaction, or nil.
func (t *Tx) GetClaim(ctx context.Context, id string) (*types.FileClaim, error) {
	return getClaim(ctx, t.conn, id)
}

// UpdateClaimMode escalates a claim in place, recording the prior mode.
func (t *Tx) UpdateClaimMode(ctx context.Context, id string, newMode, priorMode types.ClaimMode) error {
	result, err := t.conn.ExecContext(ctx, `
		UPDATE file_claims SET claim_mode = ?, escalated_from = ?, last_heartbeat = ?
		WHERE id = ? AND is_active = 1
	`, string(newMode), string(priorMode), utcSeconds(time.Now()), id)
	if err != nil {
		return wrapDBError("update claim mode", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update claim mode: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("active claim %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// ReleaseClaim deactivates one claim. Returns false when the claim was
// already inactive or absent (release is idempotent).
func (t *Tx) ReleaseClaim(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := t.conn.ExecContext(ctx, `
		UPDATE file_claims SET is_active = 0, released_at = ?
		WHERE id = ? AND is_active = 1
	`, utcSeconds(now), id)
	if err != nil {
		return false, wrapDBError("release claim", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release claim: %w", err)
	}
	return rows > 0, nil
}

// ReleaseAllForSession deactivates every active claim held by a session.
// Returns the number released.
func (t *Tx) ReleaseAllForSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	result, err := t.conn.ExecContext(ctx, `
		UPDATE file_claims SET is_active = 0, released_at = ?
		WHERE session_id = ? AND is_active = 1
	`, utcSeconds(now), sessionID)
	if err != nil {
		return 0, wrapDBError("release session claims", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release session claims: %w", err)
	}
	return int(rows), nil
}

// SweepClaimsForSession deactivates a dead or stale session's claims,
// recording why they went away. An explicit release by the owner uses
// ReleaseAllForSession instead, which carries no deleted_reason.
func (t *Tx) SweepClaimsForSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	result, err := t.conn.ExecContext(ctx, `
		UPDATE file_claims SET is_active = 0, deleted_at = ?, deleted_reason = 'stale'
		WHERE session_id = ? AND is_active = 1
	`, utcSeconds(now), sessionID)
	if err != nil {
		return 0, wrapDBError("sweep session claims", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep session claims: %w", err)
	}
	return int(rows), nil
}

// CleanupStaleClaims deactivates claims whose TTL lapsed or whose heartbeat
// went stale. repoPath empty means all repos. Returns the number swept.
func (t *Tx) CleanupStaleClaims(ctx context.Context, repoPath string, now time.Time) (int, error) {
	nowStamp := utcSeconds(now)
	heartbeatCutoff := utcSeconds(now.Add(-types.ClaimStaleHeartbeat))

	query := `
		UPDATE file_claims SET is_active = 0, deleted_at = ?, deleted_reason = 'stale'
		WHERE is_active = 1 AND (expires_at < ? OR last_heartbeat < ?)`
	args := []interface{}{nowStamp, nowStamp.Format(sqliteTime), heartbeatCutoff.Format(sqliteTime)}
	if repoPath != "" {
		query += ` AND repo_path = ?`
		args = append(args, repoPath)
	}

	result, err := t.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapDBError("cleanup stale claims", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup stale claims: %w", err)
	}
	return int(rows), nil
}

// GetClaim returns a claim by ID, or nil when absent.
func (s *Store) GetClaim(ctx context.Context, id string) (*types.FileClaim, error) {
	return getClaim(ctx, s.db, id)
}

// ActiveClaimsForSession lists a session's active claims, oldest first.
func (s *Store) ActiveClaimsForSession(ctx context.Context, sessionID string) ([]*types.FileClaim, error) {
	return queryClaims(ctx, s.db, `SELECT `+claimColumns+` FROM file_claims
		WHERE session_id = ? AND is_active = 1 ORDER BY claimed_at, id`, sessionID)
}

// ListClaims lists claims for a repo. includeInactive widens the listing to
// released and swept claims.
func (s *Store) ListClaims(ctx context.Context, repoPath string, includeInactive bool) ([]*types.FileClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM file_claims WHERE repo_path = ?`
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY claimed_at, id`
	return queryClaims(ctx, s.db, query, repoPath)
}

// ActiveClaimsForFile is the non-transactional variant of the compatibility
// read, for status displays.
func (s *Store) ActiveClaimsForFile(ctx context.Context, repoPath, filePath string, now time.Time) ([]*types.FileClaim, error) {
	return queryClaims(ctx, s.db, `SELECT `+claimColumns+` FROM file_claims
		WHERE repo_path = ? AND file_path = ? AND is_active = 1 AND expires_at > ?
		ORDER BY claimed_at, id`, repoPath, filePath, utcSeconds(now).Format(sqliteTime))
}

// TouchClaimsForSession refreshes last_heartbeat on a session's active
// claims, keeping them clear of the stale sweep while the session lives.
func (s *Store) TouchClaimsForSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE file_claims SET last_heartbeat = ? WHERE session_id = ? AND is_active = 1
	`, utcSeconds(now), sessionID)
	if err != nil {
		return 0, wrapDBError("touch session claims", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("touch session claims: %w", err)
	}
	return int(rows), nil
}

func getClaim(ctx context.Context, q querier, id string) (*types.FileClaim, error) {
	row := q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM file_claims WHERE id = ?`, id)
	claim, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get claim", err)
	}
	return claim, nil
}

func queryClaims(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.FileClaim, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list claims", err)
	}
	defer func() { _ = rows.Close() }()

	var claims []*types.FileClaim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, wrapDBError("scan claim", err)
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list claims", err)
	}
	return claims, nil
}

func scanClaim(row rowScanner) (*types.FileClaim, error) {
	var c types.FileClaim
	var mode string
	var escalatedFrom sql.NullString
	var metadata string
	var isActive int
	var releasedAt, deletedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.SessionID, &c.RepoPath, &c.FilePath, &mode, &c.ClaimedAt,
		&c.ExpiresAt, &c.LastHeartbeat, &escalatedFrom, &metadata, &isActive,
		&releasedAt, &deletedAt, &c.DeletedReason,
	)
	if err != nil {
		return nil, err
	}

	c.ClaimMode = types.ClaimMode(mode)
	if escalatedFrom.Valid {
		prior := types.ClaimMode(escalatedFrom.String)
		c.EscalatedFrom = &prior
	}
	c.Metadata = types.DecodeMetadata(metadata)
	c.IsActive = isActive != 0
	if releasedAt.Valid {
		c.ReleasedAt = &releasedAt.Time
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return &c, nil
}
