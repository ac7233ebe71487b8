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

const resolutionColumns = `id, session_id, repo_path, file_path, conflict_type, base_commit,
	source_commit, target_commit, resolution_strategy, confidence_score,
	conflict_markers, resolved_content, detected_at, resolved_at,
	auto_fix_suggestion_id, metadata`

const suggestionColumns = `id, conflict_resolution_id, repo_path, file_path, conflict_type,
	suggested_resolution, confidence_score, explanation, risks, strategy_used,
	base_content, source_content, target_content, generated_at, applied_at,
	was_auto_applied`

// InsertConflictResolution records a detected conflict inside the transaction.
func (t *Tx) InsertConflictResolution(ctx context.Context, res *types.ConflictResolution) error {
	if res.RepoPath == "" {
		return fmt.Errorf("conflict resolution needs repo_path: %w", types.ErrValidation)
	}
	if err := types.ValidateFilePath(res.FilePath); err != nil {
		return err
	}
	if !res.ConflictType.IsValid() {
		return fmt.Errorf("invalid conflict type %q: %w", res.ConflictType, types.ErrValidation)
	}
	if res.ResolutionStrategy != "" && !res.ResolutionStrategy.IsValid() {
		return fmt.Errorf("invalid resolution strategy %q: %w", res.ResolutionStrategy, types.ErrValidation)
	}
	if err := types.ValidateConfidence(res.ConfidenceScore); err != nil {
		return err
	}
	if err := types.ValidateMetadata(res.Metadata); err != nil {
		return err
	}

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	res.DetectedAt = utcSeconds(time.Now())

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO conflict_resolutions (
			id, session_id, repo_path, file_path, conflict_type, base_commit,
			source_commit, target_commit, resolution_strategy, confidence_score,
			conflict_markers, resolved_content, detected_at, auto_fix_suggestion_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.ID, res.SessionID, res.RepoPath, res.FilePath, string(res.ConflictType), res.BaseCommit,
		res.SourceCommit, res.TargetCommit, string(res.ResolutionStrategy), res.ConfidenceScore,
		res.ConflictMarkers, res.ResolvedContent, res.DetectedAt, res.AutoFixSuggestionID,
		types.EncodeMetadata(res.Metadata),
	)
	if err != nil {
		return wrapDBError("insert conflict resolution", err)
	}
	return nil
}

// MarkResolutionResolved records the final state of a conflict.
func (t *Tx) MarkResolutionResolved(ctx context.Context, id string, strategy types.ResolutionStrategy, resolvedContent, suggestionID string, now time.Time) error {
	if !strategy.IsValid() {
		return fmt.Errorf("invalid resolution strategy %q: %w", strategy, types.ErrValidation)
	}
	var suggestion interface{}
	if suggestionID != "" {
		suggestion = suggestionID
	}
	result, err := t.conn.ExecContext(ctx, `
		UPDATE conflict_resolutions
		SET resolution_strategy = ?, resolved_content = ?, resolved_at = ?, auto_fix_suggestion_id = ?
		WHERE id = ?
	`, string(strategy), resolvedContent, utcSeconds(now), suggestion, id)
	if err != nil {
		return wrapDBError("mark resolution resolved", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark resolution resolved: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conflict resolution %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// InsertSuggestion persists one strategy-chain candidate.
func (t *Tx) InsertSuggestion(ctx context.Context, sug *types.AutoFixSuggestion) error {
	if sug.ConflictResolutionID == "" {
		return fmt.Errorf("suggestion needs conflict_resolution_id: %w", types.ErrValidation)
	}
	if err := types.ValidateFilePath(sug.FilePath); err != nil {
		return err
	}
	if !sug.ConflictType.IsValid() {
		return fmt.Errorf("invalid conflict type %q: %w", sug.ConflictType, types.ErrValidation)
	}
	if err := types.ValidateConfidence(sug.ConfidenceScore); err != nil {
		return err
	}

	if sug.ID == "" {
		sug.ID = uuid.NewString()
	}
	sug.GeneratedAt = utcSeconds(time.Now())

	autoApplied := 0
	if sug.WasAutoApplied {
		autoApplied = 1
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO auto_fix_suggestions (
			id, conflict_resolution_id, repo_path, file_path, conflict_type,
			suggested_resolution, confidence_score, explanation, risks, strategy_used,
			base_content, source_content, target_content, generated_at, was_auto_applied
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sug.ID, sug.ConflictResolutionID, sug.RepoPath, sug.FilePath, string(sug.ConflictType),
		sug.SuggestedResolution, sug.ConfidenceScore, sug.Explanation, types.EncodeStrings(sug.Risks), sug.StrategyUsed,
		sug.BaseContent, sug.SourceContent, sug.TargetContent, sug.GeneratedAt, autoApplied,
	)
	if err != nil {
		return wrapDBError("insert suggestion", err)
	}
	return nil
}

// MarkSuggestionApplied stamps a suggestion as applied.
func (t *Tx) MarkSuggestionApplied(ctx context.Context, id string, autoApplied bool, now time.Time) error {
	applied := 0
	if autoApplied {
		applied = 1
	}
	result, err := t.conn.ExecContext(ctx, `
		UPDATE auto_fix_suggestions SET applied_at = ?, was_auto_applied = ? WHERE id = ?
	`, utcSeconds(now), applied, id)
	if err != nil {
		return wrapDBError("mark suggestion applied", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark suggestion applied: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("suggestion %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// GetConflictResolution returns a resolution by ID, or nil.
func (s *Store) GetConflictResolution(ctx context.Context, id string) (*types.ConflictResolution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resolutionColumns+` FROM conflict_resolutions WHERE id = ?`, id)
	res, err := scanResolution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get conflict resolution", err)
	}
	return res, nil
}

// ResolutionsForRepo lists conflicts recorded for a repo, newest first.
func (s *Store) ResolutionsForRepo(ctx context.Context, repoPath string, limit int) ([]*types.ConflictResolution, error) {
	query := `SELECT ` + resolutionColumns + ` FROM conflict_resolutions
		WHERE repo_path = ? ORDER BY detected_at DESC, id`
	args := []interface{}{repoPath}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list conflict resolutions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ConflictResolution
	for rows.Next() {
		res, err := scanResolution(rows)
		if err != nil {
			return nil, wrapDBError("scan conflict resolution", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list conflict resolutions", err)
	}
	return out, nil
}

// GetSuggestion returns a suggestion by ID, or nil.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*types.AutoFixSuggestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM auto_fix_suggestions WHERE id = ?`, id)
	sug, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get suggestion", err)
	}
	return sug, nil
}

// SuggestionsForResolution lists a conflict's candidates, best first.
func (s *Store) SuggestionsForResolution(ctx context.Context, resolutionID string) ([]*types.AutoFixSuggestion, error) {
	return querySuggestions(ctx, s.db, `SELECT `+suggestionColumns+` FROM auto_fix_suggestions
		WHERE conflict_resolution_id = ? ORDER BY confidence_score DESC, id`, resolutionID)
}

// SuggestionsForFile lists pending candidates for a file, best first.
func (s *Store) SuggestionsForFile(ctx context.Context, repoPath, filePath string) ([]*types.AutoFixSuggestion, error) {
	return querySuggestions(ctx, s.db, `SELECT `+suggestionColumns+` FROM auto_fix_suggestions
		WHERE repo_path = ? AND file_path = ? AND applied_at IS NULL
		ORDER BY confidence_score DESC, id`, repoPath, filePath)
}

func querySuggestions(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.AutoFixSuggestion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list suggestions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.AutoFixSuggestion
	for rows.Next() {
		sug, err := scanSuggestion(rows)
		if err != nil {
			return nil, wrapDBError("scan suggestion", err)
		}
		out = append(out, sug)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list suggestions", err)
	}
	return out, nil
}

func scanResolution(row rowScanner) (*types.ConflictResolution, error) {
	var r types.ConflictResolution
	var sessionID, suggestionID sql.NullString
	var conflictType, strategy string
	var resolvedAt sql.NullTime
	var metadata string

	err := row.Scan(
		&r.ID, &sessionID, &r.RepoPath, &r.FilePath, &conflictType, &r.BaseCommit,
		&r.SourceCommit, &r.TargetCommit, &strategy, &r.ConfidenceScore,
		&r.ConflictMarkers, &r.ResolvedContent, &r.DetectedAt, &resolvedAt,
		&suggestionID, &metadata,
	)
	if err != nil {
		return nil, err
	}

	if sessionID.Valid {
		r.SessionID = &sessionID.String
	}
	r.ConflictType = types.ConflictType(conflictType)
	r.ResolutionStrategy = types.ResolutionStrategy(strategy)
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	if suggestionID.Valid {
		r.AutoFixSuggestionID = &suggestionID.String
	}
	r.Metadata = types.DecodeMetadata(metadata)
	return &r, nil
}

func scanSuggestion(row rowScanner) (*types.AutoFixSuggestion, error) {
	var s types.AutoFixSuggestion
	var conflictType, risks string
	var appliedAt sql.NullTime
	var autoApplied int

	err := row.Scan(
		&s.ID, &s.ConflictResolutionID, &s.RepoPath, &s.FilePath, &conflictType,
		&s.SuggestedResolution, &s.ConfidenceScore, &s.Explanation, &risks, &s.StrategyUsed,
		&s.BaseContent, &s.SourceContent, &s.TargetContent, &s.GeneratedAt, &appliedAt,
		&autoApplied,
	)
	if err != nil {
		return nil, err
	}

	s.ConflictType = types.ConflictType(conflictType)
	s.Risks = types.DecodeStrings(risks)
	if appliedAt.Valid {
		s.AppliedAt = &appliedAt.Time
	}
	s.WasAutoApplied = autoApplied != 0
	return &s, nil
}
