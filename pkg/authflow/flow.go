package authflow

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/discourse"
	"github.com/wikiforge/discourse-connect/pkg/host"
	"github.com/wikiforge/discourse-connect/pkg/link"
	"github.com/wikiforge/discourse-connect/pkg/reconcile"
)

// Config fixes the login-flow policy at construction.
type Config struct {
	// CreateUsers allows the flow to create a local account when the
	// external identity matches nothing. When false, unknown identities
	// fail with ErrCreationDisabled and the host must drive FinalizeLink
	// itself.
	CreateUsers bool
}

// Outcome is the result of a completed callback.
type Outcome struct {
	// Local is the resolved account. Nil when Declined.
	Local *reconcile.LocalUser
	// Created reports that the account was created during this handshake.
	Created bool
	// GroupsAdded and GroupsRemoved are the membership changes applied.
	GroupsAdded   []string
	GroupsRemoved []string
	// Declined means a quiet probe found no forum session. Not an error;
	// the browser is sent back to ReturnTo anonymously.
	Declined bool
	// ReturnTo is where the browser should be redirected.
	ReturnTo string
}

// Flow drives the interactive SSO handshake end to end: issuing nonces,
// validating callbacks, and reconciling the asserted identity under the
// per-external-id lock shared with the webhook path.
type Flow struct {
	protocol *discourse.Protocol
	sessions SessionStore
	locker   link.IDLocker
	rec      *reconcile.Reconciler
	links    *link.Store
	dir      host.UserDirectory
	hooks    host.AuthHost
	remote   *discourse.APIClient
	cfg      Config
	log      *logrus.Logger
}

// NewFlow creates a Flow. hooks and remote may be nil; log may be nil.
func NewFlow(protocol *discourse.Protocol, sessions SessionStore, locker link.IDLocker,
	rec *reconcile.Reconciler, links *link.Store, dir host.UserDirectory,
	hooks host.AuthHost, remote *discourse.APIClient, cfg Config, log *logrus.Logger) *Flow {
	if hooks == nil {
		hooks = host.NopAuthHost{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Flow{
		protocol: protocol,
		sessions: sessions,
		locker:   locker,
		rec:      rec,
		links:    links,
		dir:      dir,
		hooks:    hooks,
		remote:   remote,
		cfg:      cfg,
		log:      log,
	}
}

// Begin issues a fresh nonce, persists the pending handshake, and returns
// the forum URL to redirect the browser to. callbackURL is where the forum
// sends the signed response; returnTo is the final browser destination,
// carried in session state until the callback completes.
func (f *Flow) Begin(ctx context.Context, sessionID, callbackURL, returnTo string, probe ProbeMode) (string, error) {
	nonce := uuid.NewString()

	state := &AuthState{
		Kind:     StateNonceIssued,
		Nonce:    nonce,
		ReturnTo: returnTo,
		Probe:    probe,
	}
	if err := f.sessions.SetAuthState(ctx, sessionID, state); err != nil {
		return "", err
	}

	redirect, err := f.protocol.BuildRequest(nonce, callbackURL, discourse.RequestOptions{
		Probe: probe != ProbeNone,
	})
	if err != nil {
		return "", err
	}

	f.log.WithFields(logrus.Fields{
		"mode": probe.String(),
	}).Debug("Issued SSO handshake")
	return redirect, nil
}

// Complete validates the signed callback for a session and reconciles the
// asserted identity. The pending nonce is consumed whatever the outcome: a
// second callback with the same parameters fails with ErrNoHandshake.
func (f *Flow) Complete(ctx context.Context, sessionID string, params url.Values) (*Outcome, error) {
	state, err := f.sessions.GetAuthState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Kind != StateNonceIssued {
		return nil, ErrNoHandshake
	}

	creds, err := f.protocol.ValidateAndUnpack(params, state.Nonce)
	if err != nil {
		f.fail(ctx, sessionID, err.Error())
		return nil, err
	}

	if creds == nil {
		if state.Probe == ProbeQuiet {
			// No forum session; stay anonymous without noise.
			_ = f.sessions.ClearAuthState(ctx, sessionID)
			return &Outcome{Declined: true, ReturnTo: state.ReturnTo}, nil
		}
		f.fail(ctx, sessionID, "authentication declined")
		return nil, ErrAuthenticationDeclined
	}

	lock, err := f.locker.Acquire(ctx, creds.DiscourseID)
	if err != nil {
		f.fail(ctx, sessionID, err.Error())
		return nil, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			f.log.WithError(err).Warn("Failed to release identity lock")
		}
	}()

	local, err := f.rec.Resolve(ctx, creds)
	if err != nil {
		f.fail(ctx, sessionID, err.Error())
		return nil, err
	}

	created := false
	if local.ID == 0 {
		if !f.cfg.CreateUsers {
			f.fail(ctx, sessionID, ErrCreationDisabled.Error())
			return nil, ErrCreationDisabled
		}
		info, err := f.dir.CreateUser(ctx, host.NewUser{
			Username: local.Username,
			RealName: local.RealName,
			Email:    local.Email,
		})
		if err != nil {
			f.fail(ctx, sessionID, err.Error())
			return nil, err
		}
		local.ID = info.ID
		local.Username = info.Username
		created = true

		if err := f.links.UpsertLink(ctx, creds.DiscourseID, local.ID); err != nil {
			f.fail(ctx, sessionID, err.Error())
			return nil, err
		}
	} else if err := f.dir.UpdateUser(ctx, local.ID, local.RealName, local.Email); err != nil {
		f.fail(ctx, sessionID, err.Error())
		return nil, err
	}

	added, removed, err := f.rec.PopulateGroups(ctx, local.ID, creds)
	if err != nil {
		f.fail(ctx, sessionID, err.Error())
		return nil, err
	}

	if err := f.sessions.SetAuthState(ctx, sessionID, &AuthState{
		Kind:     StateCompleted,
		WikiID:   local.ID,
		Username: local.Username,
	}); err != nil {
		return nil, err
	}

	f.hooks.OnAuthenticated(ctx, local.ID)
	if len(added)+len(removed) > 0 {
		f.hooks.OnGroupsChanged(ctx, local.ID, added, removed)
	}

	f.log.WithFields(logrus.Fields{
		"discourse_id": creds.DiscourseID,
		"wiki_id":      local.ID,
		"created":      created,
	}).Info("SSO handshake completed")

	return &Outcome{
		Local:         local,
		Created:       created,
		GroupsAdded:   added,
		GroupsRemoved: removed,
		ReturnTo:      state.ReturnTo,
	}, nil
}

// FinalizeLink records the host-assigned local id for an identity whose
// account the host created itself (CreateUsers disabled). It takes the
// identity lock so it cannot race a webhook for the same external id.
func (f *Flow) FinalizeLink(ctx context.Context, sessionID string, discourseID, wikiID int64, username string) error {
	lock, err := f.locker.Acquire(ctx, discourseID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			f.log.WithError(err).Warn("Failed to release identity lock")
		}
	}()

	if err := f.links.UpsertLink(ctx, discourseID, wikiID); err != nil {
		return err
	}
	return f.sessions.SetAuthState(ctx, sessionID, &AuthState{
		Kind:     StateCompleted,
		WikiID:   wikiID,
		Username: username,
	})
}

// Logout ends the local session and, when a remote API client is configured,
// asks the forum to end its session too. Remote failures are logged but do
// not block the local logout.
func (f *Flow) Logout(ctx context.Context, sessionID string, wikiID int64) error {
	if err := f.sessions.ClearAuthState(ctx, sessionID); err != nil {
		return err
	}
	if err := f.dir.InvalidateAllSessions(ctx, wikiID); err != nil {
		return err
	}
	f.hooks.OnSessionsInvalidated(ctx, wikiID)

	if f.remote == nil {
		return nil
	}
	discourseID, ok, err := f.links.LookupDiscourseID(ctx, wikiID)
	if err != nil {
		f.log.WithError(err).Warn("Remote logout skipped: link lookup failed")
		return nil
	}
	if !ok {
		return nil
	}
	if err := f.remote.Logout(ctx, discourseID); err != nil {
		f.log.WithError(err).WithField("discourse_id", discourseID).
			Warn("Remote logout failed")
	}
	return nil
}

// fail records the errored state for a session. Best effort: the original
// error is what the caller reports.
func (f *Flow) fail(ctx context.Context, sessionID, reason string) {
	if err := f.sessions.SetAuthState(ctx, sessionID, &AuthState{
		Kind:   StateErrored,
		Reason: reason,
	}); err != nil {
		f.log.WithError(err).Warn("Failed to record errored handshake state")
	}
}

// NewSessionID mints an opaque session id for a browser without one.
func NewSessionID() string {
	return uuid.NewString()
}
