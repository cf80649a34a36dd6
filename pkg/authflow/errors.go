package authflow

import "errors"

var (
	// ErrNoHandshake means a callback arrived for a session with no
	// pending nonce: expired state, replay, or a forged request.
	ErrNoHandshake = errors.New("authflow: no handshake in progress")

	// ErrAuthenticationDeclined means the forum reported failed=true for
	// an attempt that was not a quiet probe.
	ErrAuthenticationDeclined = errors.New("authflow: authentication declined by forum")

	// ErrCreationDisabled means the identity is unknown locally and
	// automatic account creation is turned off.
	ErrCreationDisabled = errors.New("authflow: unknown identity and account creation is disabled")
)
