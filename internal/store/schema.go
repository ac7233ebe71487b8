package store

const schema = `
-- Sessions table
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    pid INTEGER NOT NULL,
    repo_path TEXT NOT NULL,
    worktree_path TEXT NOT NULL,
    worktree_name TEXT,
    is_main_repo INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    -- Execution-mode fields for sandboxed sessions
    execution_mode TEXT NOT NULL DEFAULT '' CHECK(execution_mode IN ('', 'local', 'remote')),
    sandbox_id TEXT,
    prompt TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    output_log TEXT NOT NULL DEFAULT '',
    budget_limit REAL,
    template TEXT NOT NULL DEFAULT '',
    -- worktree_name is null exactly for the main-checkout session
    CHECK ((is_main_repo = 1 AND worktree_name IS NULL) OR (is_main_repo = 0 AND worktree_name IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_sessions_repo_path ON sessions(repo_path);
CREATE INDEX IF NOT EXISTS idx_sessions_pid ON sessions(pid);
CREATE INDEX IF NOT EXISTS idx_sessions_last_heartbeat ON sessions(last_heartbeat);

-- File claims table (cooperative advisory locks)
CREATE TABLE IF NOT EXISTS file_claims (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    repo_path TEXT NOT NULL,
    file_path TEXT NOT NULL,
    claim_mode TEXT NOT NULL CHECK(claim_mode IN ('EXCLUSIVE', 'SHARED', 'INTENT')),
    claimed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at DATETIME NOT NULL,
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    escalated_from TEXT CHECK(escalated_from IS NULL OR escalated_from IN ('EXCLUSIVE', 'SHARED', 'INTENT')),
    metadata TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    released_at DATETIME,
    deleted_at DATETIME,
    deleted_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_file_claims_session ON file_claims(session_id);
CREATE INDEX IF NOT EXISTS idx_file_claims_repo_file ON file_claims(repo_path, file_path);
CREATE INDEX IF NOT EXISTS idx_file_claims_active ON file_claims(is_active);

-- Merge events table: one row per observed branch->target merge
CREATE TABLE IF NOT EXISTS merge_events (
    id TEXT PRIMARY KEY,
    repo_path TEXT NOT NULL,
    branch_name TEXT NOT NULL,
    source_commit TEXT NOT NULL,
    target_branch TEXT NOT NULL,
    target_commit TEXT NOT NULL DEFAULT '',
    merged_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    notification_sent INTEGER NOT NULL DEFAULT 0,
    UNIQUE(repo_path, branch_name, target_branch, source_commit)
);

CREATE INDEX IF NOT EXISTS idx_merge_events_repo ON merge_events(repo_path, branch_name, target_branch);

-- Subscriptions table: session interest in branch->target merges
CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    repo_path TEXT NOT NULL,
    branch_name TEXT NOT NULL,
    target_branch TEXT NOT NULL DEFAULT 'main',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    notified_at DATETIME,
    is_active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_repo ON subscriptions(repo_path, is_active);
CREATE INDEX IF NOT EXISTS idx_subscriptions_session ON subscriptions(session_id);

-- Conflict resolutions table
CREATE TABLE IF NOT EXISTS conflict_resolutions (
    id TEXT PRIMARY KEY,
    session_id TEXT,
    repo_path TEXT NOT NULL,
    file_path TEXT NOT NULL,
    conflict_type TEXT NOT NULL CHECK(conflict_type IN ('TRIVIAL', 'STRUCTURAL', 'SEMANTIC', 'CONCURRENT_EDIT', 'UNKNOWN')),
    base_commit TEXT NOT NULL DEFAULT '',
    source_commit TEXT NOT NULL DEFAULT '',
    target_commit TEXT NOT NULL DEFAULT '',
    resolution_strategy TEXT NOT NULL DEFAULT '' CHECK(resolution_strategy IN ('', 'AUTO_FIX', 'MANUAL', 'HYBRID', 'ABANDONED')),
    confidence_score REAL NOT NULL DEFAULT 0 CHECK(confidence_score >= 0 AND confidence_score <= 1),
    conflict_markers TEXT NOT NULL DEFAULT '',
    resolved_content TEXT NOT NULL DEFAULT '',
    detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME,
    auto_fix_suggestion_id TEXT,
    metadata TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_repo_file ON conflict_resolutions(repo_path, file_path);
CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_session ON conflict_resolutions(session_id);

-- Auto-fix suggestions table
CREATE TABLE IF NOT EXISTS auto_fix_suggestions (
    id TEXT PRIMARY KEY,
    conflict_resolution_id TEXT NOT NULL,
    repo_path TEXT NOT NULL,
    file_path TEXT NOT NULL,
    conflict_type TEXT NOT NULL CHECK(conflict_type IN ('TRIVIAL', 'STRUCTURAL', 'SEMANTIC', 'CONCURRENT_EDIT', 'UNKNOWN')),
    suggested_resolution TEXT NOT NULL DEFAULT '',
    confidence_score REAL NOT NULL DEFAULT 0 CHECK(confidence_score >= 0 AND confidence_score <= 1),
    explanation TEXT NOT NULL DEFAULT '',
    risks TEXT NOT NULL DEFAULT '',
    strategy_used TEXT NOT NULL DEFAULT '',
    base_content TEXT NOT NULL DEFAULT '',
    source_content TEXT NOT NULL DEFAULT '',
    target_content TEXT NOT NULL DEFAULT '',
    generated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    applied_at DATETIME,
    was_auto_applied INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (conflict_resolution_id) REFERENCES conflict_resolutions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_auto_fix_suggestions_resolution ON auto_fix_suggestions(conflict_resolution_id);
CREATE INDEX IF NOT EXISTS idx_auto_fix_suggestions_repo_file ON auto_fix_suggestions(repo_path, file_path);

-- Budget tracking table: one row per accounting period
CREATE TABLE IF NOT EXISTS budget_tracking (
    id TEXT PRIMARY KEY,
    period TEXT NOT NULL CHECK(period IN ('daily', 'weekly', 'monthly')),
    period_start TEXT NOT NULL,
    budget_limit REAL NOT NULL DEFAULT 0,
    spent REAL NOT NULL DEFAULT 0 CHECK(spent >= 0),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(period, period_start)
);

-- Schema metadata: single-row-per-key map (version, advisory locks)
CREATE TABLE IF NOT EXISTS schema_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
