package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikiforge/discourse-connect/pkg/link"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestRouter(t *testing.T) (*mux.Router, *link.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	m := link.NewMigrator(db, link.SQLiteDialect{}, testLogger())
	require.NoError(t, m.Reconcile(ctx, link.RequiredSchemaVersion))
	_, err = db.Exec(`CREATE TABLE site_user (
		user_id INTEGER PRIMARY KEY,
		user_name TEXT NOT NULL UNIQUE,
		user_email TEXT NOT NULL DEFAULT ''
	)`)
	require.NoError(t, err)

	store := link.NewStore(db, nil, link.DefaultUserTable())
	router := mux.NewRouter()
	NewHandlers(link.NewRecordCache(store, nil, nil, testLogger()), nil, testLogger()).
		RegisterRoutes(router)
	return router, store
}

func get(router *mux.Router, path string) *http.Response {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w.Result()
}

func TestGetUserRecord(t *testing.T) {
	ctx := context.Background()
	router, store := newTestRouter(t)

	require.NoError(t, store.UpsertLink(ctx, 7, 42))
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertUserRecord(ctx, 7,
		json.RawMessage(`{"id":7,"username":"alice"}`), "user_updated", 101, ts))

	resp := get(router, "/connector/users/42/discourse")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		DiscourseID int64           `json:"discourse_id"`
		User        json.RawMessage `json:"user"`
		LastUpdate  string          `json:"last_update"`
		LastEvent   string          `json:"last_event"`
		LastEventID int64           `json:"last_event_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(7), body.DiscourseID)
	assert.JSONEq(t, `{"id":7,"username":"alice"}`, string(body.User))
	assert.Equal(t, "2025-06-01T12:00:00Z", body.LastUpdate)
	assert.Equal(t, "user_updated", body.LastEvent)
	assert.Equal(t, int64(101), body.LastEventID)
}

func TestGetUserRecordAbsent(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := get(router, "/connector/users/42/discourse")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetUserRecordBadID(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{
		"/connector/users/0/discourse",
		"/connector/users/-1/discourse",
		"/connector/users/abc/discourse",
	} {
		resp := get(router, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "path %s", path)
	}
}
