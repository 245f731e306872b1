// Package sqlite opens SQLite databases through the pure Go
// modernc.org/sqlite driver.
//
// Use Open() instead of sql.Open() so that every database gets the same
// connection pragmas.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const driverName = "sqlite"

// DriverName returns the SQL driver name to use.
func DriverName() string {
	return driverName
}

// Open opens a SQLite database with WAL journaling and a busy timeout so
// concurrent writers from the same process wait instead of failing.
func Open(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open(driverName, "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	return db, nil
}

// OpenReadOnly opens a SQLite database in read-only mode.
func OpenReadOnly(path string) (*sql.DB, error) {
	return sql.Open(driverName, "file:"+path+"?mode=ro")
}

// OpenMemory opens a private in-memory database. The pool is limited to one
// connection because every new connection would see an empty database.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
