package link

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect abstracts the few DDL operations that differ between PostgreSQL
// (production) and SQLite (tests, small installs). Query placeholders use
// the $n form, which both drivers accept.
type Dialect interface {
	// Name returns the dialect identifier ("postgres" or "sqlite").
	Name() string

	// TableExists reports whether a table is present in the database.
	TableExists(ctx context.Context, db *sql.DB, table string) (bool, error)

	// RenameIndex renames an index, recreating it where the engine has no
	// native rename. recreate is the full CREATE INDEX statement for the
	// new name.
	RenameIndex(ctx context.Context, tx *sql.Tx, oldName, newName, recreate string) error
}

// PostgresDialect targets PostgreSQL via lib/pq.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var regclass sql.NullString
	err := db.QueryRowContext(ctx, `SELECT to_regclass($1)`, table).Scan(&regclass)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return regclass.Valid, nil
}

func (PostgresDialect) RenameIndex(ctx context.Context, tx *sql.Tx, oldName, newName, recreate string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER INDEX %s RENAME TO %s", oldName, newName))
	return err
}

// SQLiteDialect targets SQLite via mattn/go-sqlite3.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = $1`, table).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

// RenameIndex drops and recreates: SQLite has no ALTER INDEX RENAME.
func (SQLiteDialect) RenameIndex(ctx context.Context, tx *sql.Tx, oldName, newName, recreate string) error {
	if _, err := tx.ExecContext(ctx, "DROP INDEX "+oldName); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, recreate)
	return err
}
