package link

import "errors"

var (
	// ErrAlreadyLinked means an upsert would have attached a second external
	// identity to a local account that is already linked (unique wiki_id
	// violation). Callers must not retry blindly; this needs operator or
	// product attention rather than silent re-resolution.
	ErrAlreadyLinked = errors.New("link: local account already linked to another external identity")

	// ErrLockTimeout means an external-id lock could not be acquired within
	// the bounded wait. Transient; the operation may be retried later.
	ErrLockTimeout = errors.New("link: timed out acquiring external id lock")

	// ErrFutureSchema means the database schema version is newer than this
	// code understands. Fatal; never run against a future schema.
	ErrFutureSchema = errors.New("link: database schema is newer than this version supports")

	// ErrPatchPrecondition means a migration patch was applied against the
	// wrong starting version. The patch's transaction is rolled back.
	ErrPatchPrecondition = errors.New("link: migration patch precondition failed")
)
