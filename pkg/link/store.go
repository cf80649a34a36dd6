package link

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Linked is a resolved identity link joined against the host user table.
type Linked struct {
	DiscourseID int64  `json:"discourse_id"`
	WikiID      int64  `json:"wiki_id"`
	Username    string `json:"username"`
}

// LocalRef identifies a host account found by username or email.
type LocalRef struct {
	WikiID   int64  `json:"wiki_id"`
	Username string `json:"username"`
}

// UserRecord is the cached forum-side user record for one external identity,
// overwritten wholesale on each qualifying webhook event.
type UserRecord struct {
	DiscourseID int64           `json:"discourse_id"`
	Record      json.RawMessage `json:"record"`
	LastUpdate  time.Time       `json:"last_update"`
	LastEvent   string          `json:"last_event"`
	LastEventID int64           `json:"last_event_id"`
}

// UserTableConfig names the host's user table and its columns for the link
// join and the username/email lookups.
type UserTableConfig struct {
	Table          string
	IDColumn       string
	UsernameColumn string
	EmailColumn    string
}

// DefaultUserTable matches the host schema shipped with the standalone
// service (see pkg/host SQLDirectory).
func DefaultUserTable() UserTableConfig {
	return UserTableConfig{
		Table:          "site_user",
		IDColumn:       "user_id",
		UsernameColumn: "user_name",
		EmailColumn:    "user_email",
	}
}

// Store persists the external-to-local identity mapping and the cached
// external user records. Writes and reconciliation reads go to the primary:
// reconciliation runs under the per-identity lock, and a lagging replica
// could hide a link a concurrent unit of work just committed. Only the
// display reads (cached user records) go to the replica, which falls back
// to the primary when none is configured.
type Store struct {
	primary *sql.DB
	replica *sql.DB
	users   UserTableConfig
}

// NewStore creates a Store. replica may be nil.
func NewStore(primary, replica *sql.DB, users UserTableConfig) *Store {
	if replica == nil {
		replica = primary
	}
	if users.Table == "" {
		users = DefaultUserTable()
	}
	return &Store{primary: primary, replica: replica, users: users}
}

// LookupByDiscourseID resolves an external id to its linked local account,
// joined against the host user table. Returns (nil, nil) when unlinked.
func (s *Store) LookupByDiscourseID(ctx context.Context, discourseID int64) (*Linked, error) {
	query := fmt.Sprintf(`
		SELECT l.discourse_id, l.wiki_id, u.%s
		FROM discourse_link l
		JOIN %s u ON u.%s = l.wiki_id
		WHERE l.discourse_id = $1
	`, s.users.UsernameColumn, s.users.Table, s.users.IDColumn)

	linked := &Linked{}
	err := s.primary.QueryRowContext(ctx, query, discourseID).
		Scan(&linked.DiscourseID, &linked.WikiID, &linked.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up link for %d: %w", discourseID, err)
	}
	if linked.DiscourseID <= 0 || linked.WikiID <= 0 || linked.Username == "" {
		return nil, fmt.Errorf("corrupt link row for discourse id %d", discourseID)
	}
	return linked, nil
}

// LookupWikiID resolves an external id to a local id without the user-table
// join. ok is false when unlinked.
func (s *Store) LookupWikiID(ctx context.Context, discourseID int64) (wikiID int64, ok bool, err error) {
	var id sql.NullInt64
	err = s.primary.QueryRowContext(ctx,
		`SELECT wiki_id FROM discourse_link WHERE discourse_id = $1`, discourseID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up wiki id for %d: %w", discourseID, err)
	}
	if !id.Valid {
		return 0, false, nil
	}
	return id.Int64, true, nil
}

// LookupDiscourseID resolves a local id to its linked external id. ok is
// false when the account has no link.
func (s *Store) LookupDiscourseID(ctx context.Context, wikiID int64) (discourseID int64, ok bool, err error) {
	err = s.primary.QueryRowContext(ctx,
		`SELECT discourse_id FROM discourse_link WHERE wiki_id = $1`, wikiID).Scan(&discourseID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up discourse id for %d: %w", wikiID, err)
	}
	return discourseID, true, nil
}

// FindLocalByEmail looks up a host account by email. An empty email never
// matches: accounts without an email would otherwise all collide.
func (s *Store) FindLocalByEmail(ctx context.Context, email string) (*LocalRef, error) {
	if email == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = $1 LIMIT 1`,
		s.users.IDColumn, s.users.UsernameColumn, s.users.Table, s.users.EmailColumn)
	return s.findLocal(ctx, query, email)
}

// FindLocalByUsername looks up a host account by exact username. An empty
// username never matches.
func (s *Store) FindLocalByUsername(ctx context.Context, username string) (*LocalRef, error) {
	if username == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = $1 LIMIT 1`,
		s.users.IDColumn, s.users.UsernameColumn, s.users.Table, s.users.UsernameColumn)
	return s.findLocal(ctx, query, username)
}

func (s *Store) findLocal(ctx context.Context, query, arg string) (*LocalRef, error) {
	ref := &LocalRef{}
	err := s.primary.QueryRowContext(ctx, query, arg).Scan(&ref.WikiID, &ref.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up local account: %w", err)
	}
	return ref, nil
}

// UpsertLink records the external-to-local mapping, keyed by discourse id
// with last-write-wins on wiki_id. A unique violation on wiki_id means the
// local account is already linked to a different external identity and
// surfaces as ErrAlreadyLinked.
func (s *Store) UpsertLink(ctx context.Context, discourseID, wikiID int64) error {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO discourse_link (discourse_id, wiki_id)
		VALUES ($1, $2)
		ON CONFLICT (discourse_id) DO UPDATE SET wiki_id = excluded.wiki_id
	`, discourseID, wikiID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: wiki id %d", ErrAlreadyLinked, wikiID)
		}
		return fmt.Errorf("failed to upsert link (%d, %d): %w", discourseID, wikiID, err)
	}
	return nil
}

// UpsertUserRecord replaces the cached forum user record for an external
// identity, stamped with the event that produced it.
func (s *Store) UpsertUserRecord(ctx context.Context, discourseID int64, record json.RawMessage, eventName string, eventID int64, ts time.Time) error {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO discourse_user_record (discourse_id, user_json, last_update, last_event, last_event_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (discourse_id) DO UPDATE SET
			user_json = excluded.user_json,
			last_update = excluded.last_update,
			last_event = excluded.last_event,
			last_event_id = excluded.last_event_id
	`, discourseID, string(record), ts, eventName, eventID)
	if err != nil {
		return fmt.Errorf("failed to upsert user record for %d: %w", discourseID, err)
	}
	return nil
}

// FetchUserRecord returns the cached record for an external identity, or
// (nil, nil) when none has been received yet.
func (s *Store) FetchUserRecord(ctx context.Context, discourseID int64) (*UserRecord, error) {
	return s.fetchRecord(ctx, `
		SELECT discourse_id, user_json, last_update, last_event, last_event_id
		FROM discourse_user_record
		WHERE discourse_id = $1
	`, discourseID)
}

// FetchUserRecordByWikiID returns the cached record for the external
// identity linked to a local account, joining through the link table.
func (s *Store) FetchUserRecordByWikiID(ctx context.Context, wikiID int64) (*UserRecord, error) {
	return s.fetchRecord(ctx, `
		SELECT r.discourse_id, r.user_json, r.last_update, r.last_event, r.last_event_id
		FROM discourse_user_record r
		JOIN discourse_link l ON l.discourse_id = r.discourse_id
		WHERE l.wiki_id = $1
	`, wikiID)
}

// fetchRecord serves display reads, which take no lock and may use the
// replica: cached records are single-row upserts, so a reader observing
// either side of an in-flight update is acceptable.
func (s *Store) fetchRecord(ctx context.Context, query string, arg int64) (*UserRecord, error) {
	rec := &UserRecord{}
	var raw string
	err := s.replica.QueryRowContext(ctx, query, arg).
		Scan(&rec.DiscourseID, &raw, &rec.LastUpdate, &rec.LastEvent, &rec.LastEventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user record: %w", err)
	}
	rec.Record = json.RawMessage(raw)
	return rec, nil
}

// isUniqueViolation detects a unique-constraint violation from either
// supported driver.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
