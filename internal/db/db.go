package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DB struct {
	sql    *sql.DB
	driver string
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
// For sqlite, dsn is a file path.
func Open(driver, dsn string) (*DB, error) {
	var sqldb *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dsn)
		sqldb, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// Single writer keeps WAL happy for embedded use.
		sqldb.SetMaxOpenConns(1)
		sqldb.SetConnMaxLifetime(0)
	case DriverPostgres:
		sqldb, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(10)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	d := New(sqldb, driver)
	if err := d.Migrate(context.Background()); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// New wraps an existing connection pool without migrating it.
func New(sqldb *sql.DB, driver string) *DB {
	return &DB{sql: sqldb, driver: driver}
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recipients (
			kind TEXT NOT NULL,
			chat_id BIGINT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			added_by BIGINT NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			registered_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (kind, chat_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_active ON recipients(kind, active, chat_id);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			source_message_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (source_message_id, kind, chat_id)
		);`,
	}
	for _, s := range stmts {
		if _, err := d.sql.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (d *DB) rebind(q string) string {
	if d.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
