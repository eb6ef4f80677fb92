// Package db opens the SQLite databases backing the local store and the
// task journal.
package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/soulsnaps/internal/utils"
)

const memoryPath = ":memory:"

const defaultPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA synchronous=NORMAL;
`

type options struct {
	path            string
	pragmas         string
	schema          []string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// Option configures Open
type Option func(*options)

// WithPath sets the database file. ":memory:" (the default) opens a private
// in-memory database.
func WithPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// WithPragmas replaces the default pragmas
func WithPragmas(pragmas string) Option {
	return func(o *options) {
		o.pragmas = pragmas
	}
}

// WithSchema adds statements executed after the pragmas, in order.
// They must be idempotent.
func WithSchema(stmts ...string) Option {
	return func(o *options) {
		o.schema = append(o.schema, stmts...)
	}
}

func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

func WithMaxIdleConns(n int) Option {
	return func(o *options) {
		o.maxIdleConns = n
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *options) {
		o.connMaxLifetime = d
	}
}

// Open connects to the database, applies pragmas and the schema
func Open(opts ...Option) (*sqlx.DB, error) {
	o := &options{
		path:         memoryPath,
		pragmas:      defaultPragmas,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(o)
	}

	dsn := memoryPath
	if o.path != memoryPath {
		if err := utils.EnsureParent(o.path); err != nil {
			return nil, fmt.Errorf("ensure db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", o.path)
	} else {
		// every connection to :memory: is a distinct database
		o.maxOpenConns = 1
	}

	slog.Debug("db open", "driver", driverID, "path", o.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", o.path, err)
	}

	if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
	}
	if o.maxIdleConns > 0 {
		db.SetMaxIdleConns(o.maxIdleConns)
	}
	if o.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.connMaxLifetime)
	}

	if o.pragmas != "" {
		if _, err := db.Exec(o.pragmas); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragmas: %w", err)
		}
	}

	for i, stmt := range o.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("schema %d: %w", i, err)
		}
	}

	return db, nil
}
