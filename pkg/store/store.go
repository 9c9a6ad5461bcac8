// Package store owns the PostgreSQL connection, transaction helpers, and
// schema migrations for the control plane.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// workspaceLockClass namespaces the per-workspace advisory locks used by run
// claim and start so they never collide with other advisory lock users.
const workspaceLockClass = 7201

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx so store code can run
// standalone or inside a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// WithTx runs fn inside a transaction, committing on success.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Safe to call even if committed (no-op)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// WithSavepoint runs fn inside a savepoint so a failure inside fn (for
// example a unique violation that will be resolved by replay) does not abort
// the enclosing transaction.
func WithSavepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint %s failed: %v (original: %w)", name, rbErr, err)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// LockWorkspace serializes run claim/start for one workspace. The lock is
// transaction-scoped and released automatically at commit or rollback.
func LockWorkspace(ctx context.Context, tx *sql.Tx, workspaceID string) error {
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock($1, hashtext($2))",
		workspaceLockClass, workspaceID,
	); err != nil {
		return fmt.Errorf("advisory lock workspace %s: %w", workspaceID, err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsRaisedException reports whether err is a RAISE EXCEPTION from a trigger
// or DO block (SQLSTATE P0001), e.g. the append-only guard on evt_events.
func IsRaisedException(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "P0001"
}
