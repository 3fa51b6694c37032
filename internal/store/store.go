package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Dialect names the SQL flavour spoken by a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is the relational backend shared by every component of a run.
// Queries are written with '?' placeholders; implementations rebind them
// for their dialect.
type Store interface {
	Dialect() Dialect
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context) (*sql.Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// DB implements Store over database/sql.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Wrap adapts an already opened *sql.DB.
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, Rebind(d.dialect, query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, Rebind(d.dialect, query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, Rebind(d.dialect, query), args...)
}

// BeginTx starts a new transaction. Statements executed on the returned
// *sql.Tx are passed through verbatim.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) Close() error { return d.db.Close() }

// SQL returns the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

// EnsureSchema runs idempotent DDL statements in order.
func EnsureSchema(ctx context.Context, s Store, stmts []string) error {
	for _, q := range stmts {
		if _, err := s.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to apply schema %q: %w", q, err)
		}
	}
	return nil
}
