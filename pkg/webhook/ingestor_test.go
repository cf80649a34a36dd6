package webhook

import (
	"context"
	"database/sql"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikiforge/discourse-connect/pkg/host"
	"github.com/wikiforge/discourse-connect/pkg/link"
	"github.com/wikiforge/discourse-connect/pkg/reconcile"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fixture wires an Ingestor against a real SQLite-backed store and directory.
type fixture struct {
	db       *sql.DB
	store    *link.Store
	dir      *host.SQLDirectory
	ingestor *Ingestor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	m := link.NewMigrator(db, link.SQLiteDialect{}, testLogger())
	require.NoError(t, m.Reconcile(ctx, link.RequiredSchemaVersion))

	dir := host.NewSQLDirectory(db, nil, testLogger())
	require.NoError(t, dir.EnsureSchema(ctx, "sqlite3"))

	store := link.NewStore(db, nil, link.DefaultUserTable())
	rec := reconcile.NewReconciler(store, dir, reconcile.Config{
		LinkExistingBy: []string{reconcile.LinkByUsername},
		ExposeName:     true,
		ExposeEmail:    true,
		GroupMaps: []reconcile.GroupMap{
			{LocalGroup: "sysop", DiscourseGroups: []string{reconcile.AdminPseudoGroup}},
			{LocalGroup: "trusted", DiscourseGroups: []string{"trust_level_3"}},
		},
	}, testLogger())

	ingestor, err := NewIngestor(cfg, rec, store, link.NewRecordCache(store, nil, nil, testLogger()),
		link.NewMemoryLocker(nil), dir, nil, nil, testLogger())
	require.NoError(t, err)

	return &fixture{db: db, store: store, dir: dir, ingestor: ingestor}
}

const aliceEvent = `{"user":{"id":7,"username":"alice","name":"Alice Smith",` +
	`"email":"alice@example.com","admin":true,"moderator":false,` +
	`"groups":[{"name":"staff"},{"name":"trust_level_3"}]}}`

func TestNewIngestorRejectsBadCIDR(t *testing.T) {
	_, err := NewIngestor(Config{AllowedSources: []string{"not-a-cidr"}},
		nil, nil, nil, nil, nil, nil, nil, testLogger())
	assert.Error(t, err)
}

func TestSourceAllowed(t *testing.T) {
	fx := newFixture(t, Config{AllowedSources: []string{"10.0.0.0/8", "192.168.1.10/32"}})

	assert.True(t, fx.ingestor.SourceAllowed("10.1.2.3"))
	assert.True(t, fx.ingestor.SourceAllowed("192.168.1.10"))
	assert.False(t, fx.ingestor.SourceAllowed("192.168.1.11"))
	assert.False(t, fx.ingestor.SourceAllowed("not-an-ip"))

	open := newFixture(t, Config{})
	assert.True(t, open.ingestor.SourceAllowed("203.0.113.9"))
}

func TestProcessIgnoredEvent(t *testing.T) {
	fx := newFixture(t, Config{IgnoredEvents: []string{EventUserLoggedIn}})

	outcome, err := fx.ingestor.ProcessUserEvent(context.Background(), EventUserLoggedIn, 1, []byte(aliceEvent))
	require.NoError(t, err)
	assert.Equal(t, "ignored", outcome.Result)

	// Ignored events leave no record behind.
	rec, err := fx.store.FetchUserRecord(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestProcessUnknownEvent(t *testing.T) {
	fx := newFixture(t, Config{})

	outcome, err := fx.ingestor.ProcessUserEvent(context.Background(), "user_promoted", 1, []byte(aliceEvent))
	require.NoError(t, err)
	assert.Equal(t, "unknown", outcome.Result)
}

func TestProcessRejectsUnusableBody(t *testing.T) {
	fx := newFixture(t, Config{})

	_, err := fx.ingestor.ProcessUserEvent(context.Background(), EventUserUpdated, 1, []byte(`not json`))
	assert.Error(t, err)

	_, err = fx.ingestor.ProcessUserEvent(context.Background(), EventUserUpdated, 1, []byte(`{"user":{"id":0}}`))
	assert.Error(t, err)

	_, err = fx.ingestor.ProcessUserEvent(context.Background(), EventUserUpdated, 1, []byte(`{}`))
	assert.Error(t, err)
}

func TestProcessUpdatesLinkedAccount(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{})

	info, err := fx.dir.CreateUser(ctx, host.NewUser{Username: "Alice"})
	require.NoError(t, err)
	require.NoError(t, fx.store.UpsertLink(ctx, 7, info.ID))

	outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserUpdated, 1, []byte(aliceEvent))
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Result)

	// Display attributes refreshed.
	var realName, email string
	require.NoError(t, fx.db.QueryRow(
		`SELECT user_real_name, user_email FROM site_user WHERE user_id = $1`, info.ID).
		Scan(&realName, &email))
	assert.Equal(t, "Alice Smith", realName)
	assert.Equal(t, "alice@example.com", email)

	// Groups reconciled from the event payload and flags.
	groups, err := fx.dir.Groups(ctx, info.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sysop", "trusted"}, groups)

	// The raw record was cached, stamped with the event.
	rec, err := fx.store.FetchUserRecord(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, EventUserUpdated, rec.LastEvent)
	assert.Equal(t, int64(1), rec.LastEventID)
}

func TestProcessReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{})

	info, err := fx.dir.CreateUser(ctx, host.NewUser{Username: "Alice"})
	require.NoError(t, err)
	require.NoError(t, fx.store.UpsertLink(ctx, 7, info.ID))

	for i := 0; i < 3; i++ {
		outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserUpdated, 1, []byte(aliceEvent))
		require.NoError(t, err)
		assert.Equal(t, "ok", outcome.Result)
	}

	groups, err := fx.dir.Groups(ctx, info.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sysop", "trusted"}, groups)
}

func TestProcessUnlinkedCreationDisabled(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{})

	outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserCreated, 1, []byte(aliceEvent))
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Result)
	assert.Contains(t, outcome.Detail, "creation is disabled")

	// The record is still cached for the connector API.
	rec, err := fx.store.FetchUserRecord(ctx, 7)
	require.NoError(t, err)
	assert.NotNil(t, rec)

	// But no account or link appeared.
	_, ok, err := fx.store.LookupWikiID(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessAutoCreatesAccount(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{AutoCreateUsers: true})

	outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserCreated, 1, []byte(aliceEvent))
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Result)

	wikiID, ok, err := fx.store.LookupWikiID(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	info, err := fx.dir.FindByUsername(ctx, "Alice")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, info.ID, wikiID)
}

func TestProcessAutoCreateLinksExisting(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{AutoCreateUsers: true})

	info, err := fx.dir.CreateUser(ctx, host.NewUser{Username: "Alice"})
	require.NoError(t, err)

	outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserCreated, 1, []byte(aliceEvent))
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Result)

	wikiID, ok, err := fx.store.LookupWikiID(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info.ID, wikiID)
}

func TestProcessLogoutEvent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{HandleLogoutEvents: true})

	info, err := fx.dir.CreateUser(ctx, host.NewUser{Username: "Alice"})
	require.NoError(t, err)
	require.NoError(t, fx.store.UpsertLink(ctx, 7, info.ID))

	var before string
	require.NoError(t, fx.db.QueryRow(
		`SELECT user_session_token FROM site_user WHERE user_id = $1`, info.ID).Scan(&before))

	outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserLoggedOut, 1, []byte(aliceEvent))
	require.NoError(t, err)
	assert.Equal(t, "ok", outcome.Result)

	var after string
	require.NoError(t, fx.db.QueryRow(
		`SELECT user_session_token FROM site_user WHERE user_id = $1`, info.ID).Scan(&after))
	assert.NotEqual(t, before, after)
}

func TestProcessDestroyedEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("linked account sessions invalidated", func(t *testing.T) {
		fx := newFixture(t, Config{HandleLogoutEvents: true})

		info, err := fx.dir.CreateUser(ctx, host.NewUser{Username: "Alice"})
		require.NoError(t, err)
		require.NoError(t, fx.store.UpsertLink(ctx, 7, info.ID))

		var before string
		require.NoError(t, fx.db.QueryRow(
			`SELECT user_session_token FROM site_user WHERE user_id = $1`, info.ID).Scan(&before))

		outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserDestroyed, 1, []byte(aliceEvent))
		require.NoError(t, err)
		assert.Equal(t, "ok", outcome.Result)

		var after string
		require.NoError(t, fx.db.QueryRow(
			`SELECT user_session_token FROM site_user WHERE user_id = $1`, info.ID).Scan(&after))
		assert.NotEqual(t, before, after)

		// The local account itself survives.
		got, err := fx.dir.FindByUsername(ctx, "Alice")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("never creates an account", func(t *testing.T) {
		fx := newFixture(t, Config{AutoCreateUsers: true})

		outcome, err := fx.ingestor.ProcessUserEvent(ctx, EventUserDestroyed, 1, []byte(aliceEvent))
		require.NoError(t, err)
		assert.Equal(t, "ok", outcome.Result)

		got, err := fx.dir.FindByUsername(ctx, "Alice")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
