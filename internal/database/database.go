package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlx.DB
type DB struct {
	*sqlx.DB
	driver string
}

// New creates a new database connection for the given driver ("sqlite3" or "pgx")
func New(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite3":
		return newSQLite(dsn)
	case "pgx":
		db, err := sqlx.Connect("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &DB{DB: db, driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func newSQLite(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Connect with WAL mode and foreign keys enabled
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer at a time; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	return &DB{DB: db, driver: "sqlite3"}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if db.driver == "pgx" {
		schema = postgresSchema
	}

	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
