package store

import (
	"context"
	"embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/steveyegge/switchyard/internal/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// CurrentSchemaVersion is the version a freshly created database is stamped
// with. The baseline schema in schema.go always reflects this version.
const CurrentSchemaVersion = "v0.3.0"

// RunMigrations brings the database up to CurrentSchemaVersion.
//
// A fresh database (no recorded version) is stamped directly: the baseline
// schema already created every table at the current shape. An older database
// gets each pending v<semver>.sql applied in order, one transaction per
// file, with the version bumped inside the same transaction. The database
// file is backed up before the first pending migration; a failed migration
// restores the backup and returns a migration error.
func (s *Store) RunMigrations(ctx context.Context) error {
	current, err := s.GetMeta(ctx, metaVersion)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current == "" {
		return s.SetMeta(ctx, metaVersion, CurrentSchemaVersion)
	}
	if semver.Compare(current, CurrentSchemaVersion) >= 0 {
		return nil
	}

	pending, err := pendingMigrations(current)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		// Version lags but no script covers the gap; stamp and move on.
		return s.SetMeta(ctx, metaVersion, CurrentSchemaVersion)
	}

	backupPath := ""
	if !s.inMemory() {
		backupPath, err = s.backupDatabaseFile(ctx, current)
		if err != nil {
			return fmt.Errorf("pre-migration backup: %w: %v", types.ErrMigration, err)
		}
	}

	for _, m := range pending {
		if err := s.applyMigration(ctx, m); err != nil {
			if backupPath != "" {
				if restoreErr := RestoreBackup(s.dbPath, backupPath); restoreErr != nil {
					return fmt.Errorf("migration %s failed (%v) and backup restore failed (%v): %w",
						m.version, err, restoreErr, types.ErrMigration)
				}
			}
			return fmt.Errorf("migration %s: %v: %w", m.version, err, types.ErrMigration)
		}
	}
	return nil
}

type migration struct {
	version string // e.g. "v0.2.0"
	name    string // file name under migrations/
}

// pendingMigrations lists embedded scripts with a version above current,
// ascending.
func pendingMigrations(current string) ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []migration
	for _, e := range entries {
		name := e.Name()
		version := strings.TrimSuffix(name, ".sql")
		if !semver.IsValid(version) {
			return nil, fmt.Errorf("migration file %q is not v<semver>.sql: %w", name, types.ErrMigration)
		}
		if semver.Compare(version, current) > 0 {
			out = append(out, migration{version: version, name: name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.Compare(out[i].version, out[j].version) < 0
	})
	return out, nil
}

// applyMigration runs one script and bumps the version in the same
// transaction, so a failure leaves the database at the prior version.
func (s *Store) applyMigration(ctx context.Context, m migration) error {
	script, err := migrationFS.ReadFile("migrations/" + m.name)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.name, err)
	}
	return s.RunInTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.conn.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("exec %s: %w", m.name, err)
		}
		return tx.setMeta(ctx, metaVersion, m.version)
	})
}

// backupDatabaseFile checkpoints the WAL and copies the database file
// aside. Returns the backup path.
func (s *Store) backupDatabaseFile(ctx context.Context, fromVersion string) (string, error) {
	if err := s.CheckpointWAL(ctx); err != nil {
		return "", fmt.Errorf("checkpoint before backup: %w", err)
	}
	backupPath := fmt.Sprintf("%s.backup-%s", s.dbPath, fromVersion)
	if err := copyFile(s.dbPath, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

// RestoreBackup copies a migration backup over the database file. The
// database must not be open in this or any other process; callers close the
// store first.
func RestoreBackup(dbPath, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup %s: %w", backupPath, types.ErrNotFound)
	}
	// Drop WAL/SHM leftovers so the restored file is the whole state.
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return copyFile(backupPath, dbPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Sync()
}
