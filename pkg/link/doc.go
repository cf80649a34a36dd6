// Package link owns the persisted mapping between Discourse identities and
// local accounts: the link table, the cached external user records, the
// versioned schema migration chain, and the per-external-identity lock that
// serializes the login and webhook reconciliation paths.
package link
