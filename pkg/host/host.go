package host

import (
	"context"
	"time"
)

// UserInfo identifies an existing account in the host's user directory.
type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// NewUser carries the attributes needed to create a local account.
type NewUser struct {
	Username string `json:"username"`
	RealName string `json:"real_name"`
	Email    string `json:"email"`
}

// UserDirectory is the host's account registry. All lookups return (nil, nil)
// when no account matches; errors are reserved for directory failures.
type UserDirectory interface {
	// FindByUsername looks up an account by its exact local username.
	FindByUsername(ctx context.Context, username string) (*UserInfo, error)

	// FindByEmail looks up an account by email address.
	FindByEmail(ctx context.Context, email string) (*UserInfo, error)

	// CreateUser creates a local account. The host may refuse (policy), in
	// which case the returned error is fatal to the caller's operation.
	CreateUser(ctx context.Context, user NewUser) (*UserInfo, error)

	// UpdateUser refreshes mutable display attributes of an account.
	UpdateUser(ctx context.Context, userID int64, realName, email string) error

	// Groups returns the local groups the account currently belongs to.
	Groups(ctx context.Context, userID int64) ([]string, error)

	// AddToGroup and RemoveFromGroup mutate group membership. Both are
	// assumed expensive on the host, so callers must only issue the
	// minimal set of changes.
	AddToGroup(ctx context.Context, userID int64, group string) error
	RemoveFromGroup(ctx context.Context, userID int64, group string) error

	// InvalidateAllSessions terminates every active session of the account
	// (global logout).
	InvalidateAllSessions(ctx context.Context, userID int64) error
}

// AuthHost receives notifications after identity state changes. Hooks are
// informational; implementations must not fail the triggering operation.
type AuthHost interface {
	OnAuthenticated(ctx context.Context, userID int64)
	OnGroupsChanged(ctx context.Context, userID int64, added, removed []string)
	OnSessionsInvalidated(ctx context.Context, userID int64)
}

// NopAuthHost is an AuthHost that does nothing.
type NopAuthHost struct{}

func (NopAuthHost) OnAuthenticated(context.Context, int64)                     {}
func (NopAuthHost) OnGroupsChanged(context.Context, int64, []string, []string) {}
func (NopAuthHost) OnSessionsInvalidated(context.Context, int64)               {}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
