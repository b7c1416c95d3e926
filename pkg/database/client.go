// Package database implements the relational index: a single SQLite file
// holding runs, test cases, and metadata, with the derived query surfaces
// the API layer reads (listings, histories, failure aggregates, groups).
//
// The index never stores log payloads; those live in the per-run log store
// and are referenced by offset. Index rows survive retention deletion of
// the on-disk artifacts.
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Client wraps the SQLite handle.
type Client struct {
	db *sql.DB
}

// NewClient opens (or creates) the index database, enables foreign keys, and
// applies the idempotent schema plus additive column migration.
func NewClient(ctx context.Context, path string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// churn between concurrent sessions.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	c := &Client{db: db}
	if err := c.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// DB exposes the underlying handle for health checks and tests.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// Health verifies the database answers a trivial query.
func (c *Client) Health(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
