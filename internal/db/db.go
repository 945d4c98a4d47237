package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

const sqlitePrefix = "sqlite://"

// Connect opens a pooled connection and verifies it. URLs starting with
// sqlite:// open a local SQLite file (development and tests); anything
// else is handed to the Postgres driver.
func Connect(databaseURL string) (*sql.DB, error) {
	driver, dsn := "postgres", databaseURL
	if path, ok := strings.CutPrefix(databaseURL, sqlitePrefix); ok {
		driver, dsn = "sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == "sqlite3" {
		// One writer at a time; transactions must not wait on the pool.
		db.SetMaxOpenConns(1)
		return db, nil
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Migrate creates any missing tables and indexes. Safe to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
