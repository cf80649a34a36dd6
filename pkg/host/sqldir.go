package host

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SQLDirectory is a UserDirectory backed by the bundled site_user schema,
// for deployments where this service owns the account store. Hosts with
// their own account system implement UserDirectory directly instead.
type SQLDirectory struct {
	db    *sql.DB
	clock Clock
	log   *logrus.Logger
}

// NewSQLDirectory creates a SQLDirectory. clock and log may be nil.
func NewSQLDirectory(db *sql.DB, clock Clock, log *logrus.Logger) *SQLDirectory {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &SQLDirectory{db: db, clock: clock, log: log}
}

// EnsureSchema creates the bundled account tables when they do not exist.
// dialect is "postgres" or "sqlite3"; they differ only in how user_id
// auto-generates.
func (d *SQLDirectory) EnsureSchema(ctx context.Context, dialect string) error {
	idColumn := "INTEGER PRIMARY KEY"
	if dialect == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS site_user (
			user_id %s,
			user_name TEXT NOT NULL UNIQUE,
			user_real_name TEXT NOT NULL DEFAULT '',
			user_email TEXT NOT NULL DEFAULT '',
			user_session_token TEXT NOT NULL DEFAULT '',
			user_touched TIMESTAMP
		)`, idColumn),
		`CREATE TABLE IF NOT EXISTS site_user_group (
			user_id INTEGER NOT NULL,
			group_name TEXT NOT NULL,
			PRIMARY KEY (user_id, group_name)
		)`,
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure account schema: %w", err)
		}
	}
	return nil
}

// FindByUsername looks up an account by its exact local username.
func (d *SQLDirectory) FindByUsername(ctx context.Context, username string) (*UserInfo, error) {
	if username == "" {
		return nil, nil
	}
	return d.findOne(ctx,
		`SELECT user_id, user_name FROM site_user WHERE user_name = $1`, username)
}

// FindByEmail looks up an account by email address.
func (d *SQLDirectory) FindByEmail(ctx context.Context, email string) (*UserInfo, error) {
	if email == "" {
		return nil, nil
	}
	return d.findOne(ctx,
		`SELECT user_id, user_name FROM site_user WHERE user_email = $1 LIMIT 1`, email)
}

func (d *SQLDirectory) findOne(ctx context.Context, query, arg string) (*UserInfo, error) {
	info := &UserInfo{}
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&info.ID, &info.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	return info, nil
}

// CreateUser creates a local account.
func (d *SQLDirectory) CreateUser(ctx context.Context, user NewUser) (*UserInfo, error) {
	if user.Username == "" {
		return nil, fmt.Errorf("username is required")
	}

	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO site_user (user_name, user_real_name, user_email, user_session_token, user_touched)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING user_id
	`, user.Username, user.RealName, user.Email, uuid.NewString(), d.clock.Now()).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create account %q: %w", user.Username, err)
	}

	d.log.WithFields(logrus.Fields{
		"user_id":  id,
		"username": user.Username,
	}).Info("Created local account")
	return &UserInfo{ID: id, Username: user.Username}, nil
}

// UpdateUser refreshes mutable display attributes of an account.
func (d *SQLDirectory) UpdateUser(ctx context.Context, userID int64, realName, email string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE site_user SET user_real_name = $1, user_email = $2, user_touched = $3
		WHERE user_id = $4
	`, realName, email, d.clock.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %d does not exist", userID)
	}
	return nil
}

// Groups returns the local groups the account currently belongs to.
func (d *SQLDirectory) Groups(ctx context.Context, userID int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT group_name FROM site_user_group WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups for %d: %w", userID, err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AddToGroup adds the account to a local group; already a member is a no-op.
func (d *SQLDirectory) AddToGroup(ctx context.Context, userID int64, group string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO site_user_group (user_id, group_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id, group_name) DO NOTHING
	`, userID, group)
	if err != nil {
		return fmt.Errorf("failed to add %d to group %s: %w", userID, group, err)
	}
	return nil
}

// RemoveFromGroup removes the account from a local group.
func (d *SQLDirectory) RemoveFromGroup(ctx context.Context, userID int64, group string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM site_user_group WHERE user_id = $1 AND group_name = $2`, userID, group)
	if err != nil {
		return fmt.Errorf("failed to remove %d from group %s: %w", userID, group, err)
	}
	return nil
}

// InvalidateAllSessions rotates the account's session token, which ends
// every session bound to the old token.
func (d *SQLDirectory) InvalidateAllSessions(ctx context.Context, userID int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE site_user SET user_session_token = $1, user_touched = $2
		WHERE user_id = $3
	`, uuid.NewString(), d.clock.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to invalidate sessions for %d: %w", userID, err)
	}
	return nil
}
