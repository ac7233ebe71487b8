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

// querier is implemented by *sql.DB and *sql.Conn, letting the row helpers
// serve both direct reads and transactional reads.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const sessionColumns = `id, pid, repo_path, worktree_path, worktree_name, is_main_repo,
	created_at, last_heartbeat, execution_mode, sandbox_id, prompt, status,
	output_log, budget_limit, template`

// sqliteTime is the store's native datetime string form.
const sqliteTime = "2006-01-02 15:04:05"

// InsertSession creates a session row inside the transaction. Timestamps
// are stamped here; the ID is generated when absent.
func (t *Tx) InsertSession(ctx context.Context, session *types.Session) error {
	if session.PID <= 0 {
		return fmt.Errorf("session pid %d must be positive: %w", session.PID, types.ErrValidation)
	}
	if session.RepoPath == "" {
		return fmt.Errorf("session repo_path is empty: %w", types.ErrValidation)
	}
	if !session.ExecutionMode.IsValid() {
		return fmt.Errorf("invalid execution mode %q: %w", session.ExecutionMode, types.ErrValidation)
	}
	if session.IsMainRepo != (session.WorktreeName == nil) {
		return fmt.Errorf("worktree_name must be null exactly for the main-repo session: %w", types.ErrValidation)
	}

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := utcSeconds(time.Now())
	session.CreatedAt = now
	session.LastHeartbeat = now

	isMain := 0
	if session.IsMainRepo {
		isMain = 1
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO sessions (
			id, pid, repo_path, worktree_path, worktree_name, is_main_repo,
			created_at, last_heartbeat, execution_mode, sandbox_id, prompt, status,
			output_log, budget_limit, template
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID, session.PID, session.RepoPath, session.WorktreePath, session.WorktreeName, isMain,
		session.CreatedAt, session.LastHeartbeat, string(session.ExecutionMode), session.SandboxID,
		session.Prompt, string(session.Status), session.OutputLog, session.BudgetLimit, session.Template,
	)
	if err != nil {
		return wrapDBError("insert session", err)
	}
	return nil
}

// GetSessionByPID returns the session registered for pid within the
// transaction, or nil when none exists.
func (t *Tx) GetSessionByPID(ctx context.Context, pid int) (*types.Session, error) {
	return getSessionBy(ctx, t.conn, "pid = ?", pid)
}

// GetSession returns the session by ID within the transaction, or nil.
func (t *Tx) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return getSessionBy(ctx, t.conn, "id = ?", id)
}

// SessionsForRepo lists sessions registered in repoPath within the
// transaction, oldest first.
func (t *Tx) SessionsForRepo(ctx context.Context, repoPath string) ([]*types.Session, error) {
	return listSessions(ctx, t.conn, "WHERE repo_path = ?", repoPath)
}

// AllSessions lists every registered session within the transaction,
// oldest first.
func (t *Tx) AllSessions(ctx context.Context) ([]*types.Session, error) {
	return listSessions(ctx, t.conn, "")
}

// DeleteSession removes a session row inside the transaction. Claims and
// subscriptions survive as history; callers release them separately.
func (t *Tx) DeleteSession(ctx context.Context, id string) error {
	result, err := t.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return wrapDBError("delete session", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// UpdateHeartbeatTx refreshes last_heartbeat for the session keyed by pid.
// Returns false when no such session exists.
func (t *Tx) UpdateHeartbeatTx(ctx context.Context, pid int, now time.Time) (bool, error) {
	return updateHeartbeat(ctx, t.conn, pid, now)
}

// GetSession returns a session by ID, or nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return getSessionBy(ctx, s.db, "id = ?", id)
}

// GetSessionByPID returns the session registered for pid, or nil.
func (s *Store) GetSessionByPID(ctx context.Context, pid int) (*types.Session, error) {
	return getSessionBy(ctx, s.db, "pid = ?", pid)
}

// SessionsForRepo lists sessions registered in repoPath, oldest first.
func (s *Store) SessionsForRepo(ctx context.Context, repoPath string) ([]*types.Session, error) {
	return listSessions(ctx, s.db, "WHERE repo_path = ?", repoPath)
}

// AllSessions lists every registered session, oldest first.
func (s *Store) AllSessions(ctx context.Context) ([]*types.Session, error) {
	return listSessions(ctx, s.db, "")
}

// UpdateHeartbeat refreshes last_heartbeat for the session keyed by pid.
// Idempotent: refreshing an already-fresh heartbeat succeeds. Returns false
// when no session is registered for pid.
func (s *Store) UpdateHeartbeat(ctx context.Context, pid int) (bool, error) {
	return updateHeartbeat(ctx, s.db, pid, time.Now())
}

// UpdateSessionStatus updates the agent-facing status fields of a session.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status types.SessionStatus, outputLog string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, output_log = ? WHERE id = ?
	`, string(status), outputLog, id)
	if err != nil {
		return wrapDBError("update session status", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// SetSessionSandbox records the remote sandbox backing a session.
func (s *Store) SetSessionSandbox(ctx context.Context, id, sandboxID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET sandbox_id = ?, execution_mode = 'remote' WHERE id = ?
	`, sandboxID, id)
	if err != nil {
		return wrapDBError("set session sandbox", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session sandbox: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func updateHeartbeat(ctx context.Context, q querier, pid int, now time.Time) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE sessions SET last_heartbeat = ? WHERE pid = ?
	`, utcSeconds(now), pid)
	if err != nil {
		return false, wrapDBError("update heartbeat", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	return rows > 0, nil
}

func getSessionBy(ctx context.Context, q querier, where string, args ...interface{}) (*types.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+where, args...)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get session", err)
	}
	return session, nil
}

func listSessions(ctx context.Context, q querier, where string, args ...interface{}) ([]*types.Session, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, wrapDBError("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, wrapDBError("scan session", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list sessions", err)
	}
	return sessions, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var worktreeName sql.NullString
	var isMain int
	var executionMode, status string
	var sandboxID sql.NullString
	var budgetLimit sql.NullFloat64

	err := row.Scan(
		&s.ID, &s.PID, &s.RepoPath, &s.WorktreePath, &worktreeName, &isMain,
		&s.CreatedAt, &s.LastHeartbeat, &executionMode, &sandboxID, &s.Prompt, &status,
		&s.OutputLog, &budgetLimit, &s.Template,
	)
	if err != nil {
		return nil, err
	}

	if worktreeName.Valid {
		s.WorktreeName = &worktreeName.String
	}
	s.IsMainRepo = isMain != 0
	s.ExecutionMode = types.ExecutionMode(executionMode)
	s.Status = types.SessionStatus(status)
	if sandboxID.Valid {
		s.SandboxID = &sandboxID.String
	}
	if budgetLimit.Valid {
		s.BudgetLimit = &budgetLimit.Float64
	}
	return &s, nil
}
