package discourse

import "errors"

// Protocol errors. Every failed validation surfaces as one of these so
// callers can distinguish a forged response from a replayed one.
var (
	// ErrMissingParameters means the response lacked the sso or sig query
	// parameter.
	ErrMissingParameters = errors.New("discourse: missing sso or sig parameter")

	// ErrSignatureMismatch means the recomputed HMAC over the raw sso value
	// did not match the supplied sig. The message is not forum-originated.
	ErrSignatureMismatch = errors.New("discourse: payload signature mismatch")

	// ErrNonceMismatch means a correctly signed response carried a nonce
	// other than the one issued for this attempt (replay signal).
	ErrNonceMismatch = errors.New("discourse: nonce mismatch")

	// ErrInvalidExternalID means the signed payload carried a non-positive
	// or non-numeric external id.
	ErrInvalidExternalID = errors.New("discourse: invalid external id in payload")

	// ErrMalformedPayload means the sso value could not be decoded as
	// base64-wrapped form data.
	ErrMalformedPayload = errors.New("discourse: malformed sso payload")

	// ErrRemoteLogoutFailed means the forum rejected or failed the remote
	// logout API call. Local state already applied is not rolled back.
	ErrRemoteLogoutFailed = errors.New("discourse: remote logout failed")
)
