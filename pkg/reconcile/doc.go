// Package reconcile maps validated Discourse credentials onto local wiki
// accounts: resolving already-linked identities, attaching unknown ones to
// existing accounts by username or email, deriving fresh usernames, and
// synchronizing group memberships through mapping rules.
package reconcile
