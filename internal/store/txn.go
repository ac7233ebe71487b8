package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is a handle on an open BEGIN IMMEDIATE transaction. All write
// operations hang off it; reads through it see the transaction's own writes.
type Tx struct {
	conn   *sql.Conn
	parent *Store
}

// RunInTransaction executes fn within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock up front,
// so concurrent writers serialize deterministically instead of deadlocking
// at commit. fn returning nil commits; an error or panic rolls back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	// Dedicated connection: every statement in the transaction must ride
	// the same underlying SQLite handle.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			// Rollback happens via the committed=false check above.
			panic(r)
		}
	}()

	tx := &Tx{conn: conn, parent: s}
	if err := fn(tx); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying with
// exponential backoff while the database reports SQLITE_BUSY. The busy
// timeout pragma covers most contention; this covers the begin itself.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxAttempts int, initialDelay time.Duration) error {
	delay := initialDelay
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// utcSeconds normalizes a timestamp to the store's native grain: UTC with
// one-second resolution.
func utcSeconds(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
