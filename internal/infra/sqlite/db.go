// Package sqlite provides durable persistence for creditgate on top of the
// pure-Go modernc SQLite driver.
package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "creditgate.db"

// DB wraps a SQLite connection pool.
//
// The pool is limited to a single connection. Every ledger mutation runs in
// one transaction on that connection, so concurrent mutations for the same
// tenant are serialized by the driver rather than by application locks.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time // injectable clock for testing
}

// Open opens (creating if needed) the database in dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", dir)
	}
	path := filepath.Join(dir, FileName)
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, path: path, now: time.Now}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// migrate runs every schema statement. Statements are idempotent.
func (db *DB) migrate() error {
	for _, stmt := range LedgerMigrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "migrate schema")
		}
	}
	return nil
}
