package testing

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/conveyor/db"
)

// CreateTestDB creates an in-memory SQLite test database with the conveyor
// schema applied. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	d, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// A single connection keeps the in-memory database alive across queries
	d.SetMaxOpenConns(1)

	if _, err := d.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	if err := db.Migrate(context.Background(), d, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		d.Close()
	})

	return d
}

// CreateTestBadger opens a Badger database in a temp directory.
// Automatically registers cleanup via t.Cleanup().
func CreateTestBadger(t *testing.T) *badger.DB {
	t.Helper()

	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil

	bdb, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open badger test database: %v", err)
	}

	t.Cleanup(func() {
		bdb.Close()
	})

	return bdb
}
