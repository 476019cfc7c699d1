// Package db is the store adapter for the agenthub broker. It is the only
// package that builds SQL; every other component calls named operations and
// receives errors from the taxonomy in errors.go.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"
)

// defaultStoreWorkers bounds concurrent store calls so a slow query cannot
// stall the rest of the process.
const defaultStoreWorkers = 4

// DB wraps the database connection and the bounded worker pool that
// serializes access to it.
type DB struct {
	conn *sql.DB
	path string
	sem  *semaphore.Weighted
}

// Open opens an existing database and runs any pending migrations.
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s: run 'agenthub init' first", path)
	}
	return open(path, false)
}

// Initialize creates the database file, schema, and indexes. Safe to call on
// an existing database.
func Initialize(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(path, true)
}

func open(path string, create bool) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads while writes are serialized.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	if create {
		if _, err := conn.Exec(schema); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	db := &DB{
		conn: conn,
		path: path,
		sem:  semaphore.NewWeighted(defaultStoreWorkers),
	}

	if !create {
		// Idempotent: brings older databases up to the current schema.
		if _, err := conn.Exec(schema); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return mapError("ping", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetMaxOpenConns limits the connection pool. Long-running broker processes
// set this to 1 so the pool cannot grow under SQLite's single-writer model.
func (db *DB) SetMaxOpenConns(n int) {
	db.conn.SetMaxOpenConns(n)
}

// Conn exposes the raw connection for test harnesses.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// acquire reserves a worker slot for one store call. Release with the
// returned function. Fails with ErrUnavailable if the context expires while
// waiting, which keeps request deadlines honest under store pressure.
func (db *DB) acquire(ctx context.Context) (func(), error) {
	if err := db.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("store worker pool: %w", ErrUnavailable)
	}
	return func() { db.sem.Release(1) }, nil
}

// withTx runs fn inside a transaction, committing on nil return and rolling
// back otherwise. The worker slot is held for the whole transaction.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	release, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin tx", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit tx", err)
	}
	return nil
}
