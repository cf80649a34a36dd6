package authflow

import "context"

// StateKind discriminates the per-session handshake state. Only the fields
// of AuthState matching the kind are meaningful.
type StateKind int

const (
	// StateNone means no handshake is in progress.
	StateNone StateKind = iota
	// StateNonceIssued means a request was sent to the forum and the
	// session is waiting for the signed response carrying the nonce.
	StateNonceIssued
	// StateCompleted means the handshake finished and the session is
	// bound to a local account.
	StateCompleted
	// StateErrored means the handshake failed; Reason says why.
	StateErrored
)

func (k StateKind) String() string {
	switch k {
	case StateNone:
		return "none"
	case StateNonceIssued:
		return "nonce-issued"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ProbeMode selects how an authentication attempt behaves when the user has
// no active forum session.
type ProbeMode int

const (
	// ProbeNone is a regular interactive login: the forum may show its
	// login form.
	ProbeNone ProbeMode = iota
	// ProbeQuiet asks the forum for current state without prompting; a
	// declined response is silently ignored.
	ProbeQuiet
	// ProbeNoisy asks without prompting but reports a declined response
	// as a failure to the user.
	ProbeNoisy
)

func (m ProbeMode) String() string {
	switch m {
	case ProbeNone:
		return "login"
	case ProbeQuiet:
		return "probe-quiet"
	case ProbeNoisy:
		return "probe-noisy"
	default:
		return "unknown"
	}
}

// AuthState is the handshake state persisted per session between the
// outbound redirect and the signed callback.
type AuthState struct {
	Kind StateKind `json:"kind"`

	// Set while Kind == StateNonceIssued.
	Nonce    string    `json:"nonce,omitempty"`
	ReturnTo string    `json:"return_to,omitempty"`
	Probe    ProbeMode `json:"probe,omitempty"`

	// Set while Kind == StateCompleted.
	WikiID   int64  `json:"wiki_id,omitempty"`
	Username string `json:"username,omitempty"`

	// Set while Kind == StateErrored.
	Reason string `json:"reason,omitempty"`
}

// SessionStore persists AuthState keyed by opaque session id. A nonce must
// never survive its first validation attempt, so implementations are
// expected to be cheap to clear.
type SessionStore interface {
	// GetAuthState returns the state for a session, or (nil, nil) when the
	// session has none (unknown session or expired entry).
	GetAuthState(ctx context.Context, sessionID string) (*AuthState, error)

	// SetAuthState replaces the state for a session.
	SetAuthState(ctx context.Context, sessionID string, state *AuthState) error

	// ClearAuthState drops the state for a session.
	ClearAuthState(ctx context.Context, sessionID string) error
}
