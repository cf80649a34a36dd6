package link

import (
	"context"
	"database/sql"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newSQLiteDB opens an in-memory database pinned to a single connection so
// every statement sees the same schema.
func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// newMigratedDB returns a database at the current schema version with the
// host user table the store joins against.
func newMigratedDB(t *testing.T) *sql.DB {
	t.Helper()
	db := newSQLiteDB(t)

	m := NewMigrator(db, SQLiteDialect{}, testLogger())
	require.NoError(t, m.Reconcile(context.Background(), RequiredSchemaVersion))

	_, err := db.Exec(`CREATE TABLE site_user (
		user_id INTEGER PRIMARY KEY,
		user_name TEXT NOT NULL UNIQUE,
		user_email TEXT NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)
	return db
}

func seedUser(t *testing.T, db *sql.DB, id int64, username, email string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO site_user (user_id, user_name, user_email) VALUES ($1, $2, $3)`,
		id, username, email)
	require.NoError(t, err)
}
