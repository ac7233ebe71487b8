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

const mergeEventColumns = `id, repo_path, branch_name, source_commit, target_branch,
	target_commit, merged_at, detected_at, notification_sent`

const subscriptionColumns = `id, session_id, repo_path, branch_name, target_branch,
	created_at, notified_at, is_active`

// InsertMergeEvent records a newly observed merge inside the transaction.
// The (repo, branch, target, source_commit) unique constraint makes a
// duplicate insert fail with a conflict; detectors check HasMergeEvent
// first and treat the constraint as a race backstop.
func (t *Tx) InsertMergeEvent(ctx context.Context, event *types.MergeEvent) error {
	if event.RepoPath == "" || event.BranchName == "" || event.TargetBranch == "" {
		return fmt.Errorf("merge event needs repo, branch, and target: %w", types.ErrValidation)
	}
	if event.SourceCommit == "" {
		return fmt.Errorf("merge event needs source commit: %w", types.ErrValidation)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := utcSeconds(time.Now())
	if event.MergedAt.IsZero() {
		event.MergedAt = now
	}
	event.DetectedAt = now

	sent := 0
	if event.NotificationSent {
		sent = 1
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO merge_events (
			id, repo_path, branch_name, source_commit, target_branch,
			target_commit, merged_at, detected_at, notification_sent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.RepoPath, event.BranchName, event.SourceCommit, event.TargetBranch,
		event.TargetCommit, utcSeconds(event.MergedAt), event.DetectedAt, sent,
	)
	if err != nil {
		return wrapDBError("insert merge event", err)
	}
	return nil
}

// HasMergeEvent reports whether this exact merge was already recorded.
func (t *Tx) HasMergeEvent(ctx context.Context, repoPath, branch, target, sourceCommit string) (bool, error) {
	var exists int
	err := t.conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM merge_events
			WHERE repo_path = ? AND branch_name = ? AND target_branch = ? AND source_commit = ?)
	`, repoPath, branch, target, sourceCommit).Scan(&exists)
	if err != nil {
		return false, wrapDBError("check merge event", err)
	}
	return exists != 0, nil
}

// MarkNotificationSent flips notification_sent once every subscriber has
// been signalled.
func (t *Tx) MarkNotificationSent(ctx context.Context, eventID string) error {
	result, err := t.conn.ExecContext(ctx, `
		UPDATE merge_events SET notification_sent = 1 WHERE id = ?
	`, eventID)
	if err != nil {
		return wrapDBError("mark notification sent", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("merge event %s: %w", eventID, types.ErrNotFound)
	}
	return nil
}

// GetMergeEvent returns a merge event by ID, or nil.
func (s *Store) GetMergeEvent(ctx context.Context, id string) (*types.MergeEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mergeEventColumns+` FROM merge_events WHERE id = ?`, id)
	event, err := scanMergeEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get merge event", err)
	}
	return event, nil
}

// MergeEventsForRepo lists merges recorded for a repo, newest first.
func (s *Store) MergeEventsForRepo(ctx context.Context, repoPath string, limit int) ([]*types.MergeEvent, error) {
	query := `SELECT ` + mergeEventColumns + ` FROM merge_events WHERE repo_path = ? ORDER BY detected_at DESC, id`
	args := []interface{}{repoPath}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryMergeEvents(ctx, s.db, query, args...)
}

// UnnotifiedMergeEvents lists merges whose subscribers have not all been
// signalled yet, oldest first.
func (s *Store) UnnotifiedMergeEvents(ctx context.Context, repoPath string) ([]*types.MergeEvent, error) {
	return queryMergeEvents(ctx, s.db, `SELECT `+mergeEventColumns+` FROM merge_events
		WHERE repo_path = ? AND notification_sent = 0 ORDER BY detected_at, id`, repoPath)
}

// InsertSubscription registers a session's interest in branch→target merges.
func (t *Tx) InsertSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.SessionID == "" || sub.RepoPath == "" || sub.BranchName == "" {
		return fmt.Errorf("subscription needs session, repo, and branch: %w", types.ErrValidation)
	}
	if sub.TargetBranch == "" {
		sub.TargetBranch = "main"
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = utcSeconds(time.Now())
	sub.IsActive = true

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO subscriptions (id, session_id, repo_path, branch_name, target_branch, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
	`, sub.ID, sub.SessionID, sub.RepoPath, sub.BranchName, sub.TargetBranch, sub.CreatedAt)
	if err != nil {
		return wrapDBError("insert subscription", err)
	}
	return nil
}

// NotifySubscriptions marks every active subscription matching (repo,
// branch, target) notified and inactive. Returns the subscriptions that
// were notified so the caller can fan out.
func (t *Tx) NotifySubscriptions(ctx context.Context, repoPath, branch, target string, now time.Time) ([]*types.Subscription, error) {
	matched, err := querySubscriptions(ctx, t.conn, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE repo_path = ? AND branch_name = ? AND target_branch = ? AND is_active = 1
		ORDER BY created_at, id`, repoPath, branch, target)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	stamp := utcSeconds(now)
	_, err = t.conn.ExecContext(ctx, `
		UPDATE subscriptions SET notified_at = ?, is_active = 0
		WHERE repo_path = ? AND branch_name = ? AND target_branch = ? AND is_active = 1
	`, stamp, repoPath, branch, target)
	if err != nil {
		return nil, wrapDBError("notify subscriptions", err)
	}
	for _, sub := range matched {
		notified := stamp
		sub.NotifiedAt = &notified
		sub.IsActive = false
	}
	return matched, nil
}

// DeactivateSubscriptionsForSession retires a departing session's
// subscriptions. Returns the number deactivated.
func (t *Tx) DeactivateSubscriptionsForSession(ctx context.Context, sessionID string) (int, error) {
	result, err := t.conn.ExecContext(ctx, `
		UPDATE subscriptions SET is_active = 0 WHERE session_id = ? AND is_active = 1
	`, sessionID)
	if err != nil {
		return 0, wrapDBError("deactivate session subscriptions", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deactivate session subscriptions: %w", err)
	}
	return int(rows), nil
}

// ActiveSubscriptionsForRepo lists a repo's active subscriptions.
func (s *Store) ActiveSubscriptionsForRepo(ctx context.Context, repoPath string) ([]*types.Subscription, error) {
	return querySubscriptions(ctx, s.db, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE repo_path = ? AND is_active = 1 ORDER BY created_at, id`, repoPath)
}

// SubscriptionsForSession lists a session's subscriptions, active first.
func (s *Store) SubscriptionsForSession(ctx context.Context, sessionID string) ([]*types.Subscription, error) {
	return querySubscriptions(ctx, s.db, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE session_id = ? ORDER BY is_active DESC, created_at, id`, sessionID)
}

// SubscriptionsForMerge lists every subscription (active or retired) that
// matches a merge's branch pair, for rebuilding notification payloads on
// redelivery.
func (s *Store) SubscriptionsForMerge(ctx context.Context, repoPath, branch, target string) ([]*types.Subscription, error) {
	return querySubscriptions(ctx, s.db, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE repo_path = ? AND branch_name = ? AND target_branch = ?
		ORDER BY created_at, id`, repoPath, branch, target)
}

// ReposWithActiveSubscriptions lists distinct repo paths that have at least
// one active subscription; the merge detector polls exactly these.
func (s *Store) ReposWithActiveSubscriptions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT repo_path FROM subscriptions WHERE is_active = 1 ORDER BY repo_path
	`)
	if err != nil {
		return nil, wrapDBError("list subscribed repos", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []string
	for rows.Next() {
		var repo string
		if err := rows.Scan(&repo); err != nil {
			return nil, wrapDBError("scan subscribed repo", err)
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list subscribed repos", err)
	}
	return repos, nil
}

func queryMergeEvents(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.MergeEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list merge events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.MergeEvent
	for rows.Next() {
		event, err := scanMergeEvent(rows)
		if err != nil {
			return nil, wrapDBError("scan merge event", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list merge events", err)
	}
	return events, nil
}

func scanMergeEvent(row rowScanner) (*types.MergeEvent, error) {
	var e types.MergeEvent
	var sent int
	err := row.Scan(
		&e.ID, &e.RepoPath, &e.BranchName, &e.SourceCommit, &e.TargetBranch,
		&e.TargetCommit, &e.MergedAt, &e.DetectedAt, &sent,
	)
	if err != nil {
		return nil, err
	}
	e.NotificationSent = sent != 0
	return &e, nil
}

func querySubscriptions(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.Subscription, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list subscriptions", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, wrapDBError("scan subscription", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list subscriptions", err)
	}
	return subs, nil
}

func scanSubscription(row rowScanner) (*types.Subscription, error) {
	var s types.Subscription
	var notifiedAt sql.NullTime
	var isActive int
	err := row.Scan(
		&s.ID, &s.SessionID, &s.RepoPath, &s.BranchName, &s.TargetBranch,
		&s.CreatedAt, &notifiedAt, &isActive,
	)
	if err != nil {
		return nil, err
	}
	if notifiedAt.Valid {
		s.NotifiedAt = &notifiedAt.Time
	}
	s.IsActive = isActive != 0
	return &s, nil
}
