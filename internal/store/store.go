// Package store implements the coordinator's durable registry on SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
)

// Store is the durable registry of sessions, claims, merge events,
// subscriptions, conflict resolutions, suggestions, and budget periods.
// All mutations funnel through RunInTransaction; readers are non-blocking
// under WAL.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching to reduce SQLite startup
// time. Falls back to an in-memory cache when the filesystem cache cannot be
// created. Returns the cache directory path (empty string for in-memory).
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "switchyard", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	// Avoid the ~200ms JIT compilation overhead on every process start.
	_ = setupWASMCache()
}

// DefaultDBPath returns the per-user coordination database path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".switchyard", "sessions.db")
	}
	return filepath.Join(home, ".switchyard", "sessions.db")
}

// Open opens (creating if necessary) the coordination database at path,
// applies the baseline schema, and runs pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	// For :memory: databases, use shared cache so multiple connections see
	// the same data. WAL does not work for shared in-memory databases.
	var connStr string
	if path == ":memory:" {
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += "&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_time_format=sqlite"
		}
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are isolated per connection; force a single
	// connection so every handle sees the same data.
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; cap the pool to stop goroutine
		// pile-up on write-lock contention.
		maxConns := runtime.NumCPU() + 1
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	absPath := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		absPath, err = filepath.Abs(path)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
	}

	s := &Store{db: db, dbPath: absPath}

	if err := s.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close checkpoints the WAL and closes the database. Without the checkpoint,
// writes can be stranded in the -wal file between invocations.
func (s *Store) Close() error {
	s.closed.Store(true)
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the absolute path to the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}

// inMemory reports whether the store is backed by an in-memory database.
func (s *Store) inMemory() bool {
	return s.dbPath == ":memory:" || strings.Contains(s.dbPath, "mode=memory")
}

// CheckpointWAL flushes the WAL into the main database file, making the file
// safe to copy for backups.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	return err
}
