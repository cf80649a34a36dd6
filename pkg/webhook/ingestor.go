package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/discourse"
	"github.com/wikiforge/discourse-connect/pkg/host"
	"github.com/wikiforge/discourse-connect/pkg/link"
	"github.com/wikiforge/discourse-connect/pkg/reconcile"
)

// Event names Discourse sends for user lifecycle changes. Anything else is
// acknowledged but not acted on.
const (
	EventUserCreated        = "user_created"
	EventUserApproved       = "user_approved"
	EventUserUpdated        = "user_updated"
	EventUserLoggedIn       = "user_logged_in"
	EventUserLoggedOut      = "user_logged_out"
	EventUserConfirmedEmail = "user_confirmed_email"
	EventUserDestroyed      = "user_destroyed"
)

// Config fixes the webhook ingestion policy.
type Config struct {
	// Enabled gates the endpoint entirely.
	Enabled bool
	// Secret signs event bodies (X-Discourse-Event-Signature).
	Secret string
	// AllowedSources lists CIDRs permitted to deliver events. Empty means
	// any source; production deployments should pin the forum's address.
	AllowedSources []string
	// IgnoredEvents are event names acknowledged without processing.
	IgnoredEvents []string
	// HandleLogoutEvents terminates local sessions on logout/destroy
	// events for linked accounts.
	HandleLogoutEvents bool
	// AutoCreateUsers lets a webhook create a local account for an
	// unknown identity, ahead of the user's first interactive login.
	AutoCreateUsers bool
}

// Outcome classifies what an event did, for the response body and metrics.
type Outcome struct {
	// Result is one of ok, ignored, unknown.
	Result string
	// Detail is a human-readable summary placed in the response body.
	Detail string
}

// Ingestor processes authenticated Discourse webhook events. Events race the
// interactive login path for the same identity; both sides serialize on the
// per-external-id lock before touching shared state.
type Ingestor struct {
	cfg     Config
	rec     *reconcile.Reconciler
	links   *link.Store
	records *link.RecordCache
	locker  link.IDLocker
	dir     host.UserDirectory
	hooks   host.AuthHost
	clock   host.Clock
	log     *logrus.Logger

	ignored   map[string]bool
	allowNets []*net.IPNet
}

// NewIngestor creates an Ingestor. hooks and clock may be nil.
func NewIngestor(cfg Config, rec *reconcile.Reconciler, links *link.Store, records *link.RecordCache,
	locker link.IDLocker, dir host.UserDirectory, hooks host.AuthHost, clock host.Clock,
	log *logrus.Logger) (*Ingestor, error) {
	if hooks == nil {
		hooks = host.NopAuthHost{}
	}
	if clock == nil {
		clock = host.SystemClock{}
	}
	if log == nil {
		log = logrus.New()
	}

	ignored := make(map[string]bool, len(cfg.IgnoredEvents))
	for _, e := range cfg.IgnoredEvents {
		ignored[e] = true
	}

	var allowNets []*net.IPNet
	for _, cidr := range cfg.AllowedSources {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed source %q: %w", cidr, err)
		}
		allowNets = append(allowNets, ipNet)
	}

	return &Ingestor{
		cfg:       cfg,
		rec:       rec,
		links:     links,
		records:   records,
		locker:    locker,
		dir:       dir,
		hooks:     hooks,
		clock:     clock,
		log:       log,
		ignored:   ignored,
		allowNets: allowNets,
	}, nil
}

// SourceAllowed reports whether a delivery source passes the CIDR allowlist.
// The allowlist is the only replay defense the protocol offers; signatures
// authenticate the body but carry no freshness.
func (i *Ingestor) SourceAllowed(addr string) bool {
	if len(i.allowNets) == 0 {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range i.allowNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// discourseUser is the embedded user record shared by all user_* events.
type discourseUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Admin     bool   `json:"admin"`
	Moderator bool   `json:"moderator"`
	Groups    []struct {
		Name string `json:"name"`
	} `json:"groups"`
}

type userEventBody struct {
	User *discourseUser `json:"user"`
}

// ProcessUserEvent applies one authenticated user event: it caches the
// forum-side record and reconciles the linked local account the same way an
// interactive login would.
func (i *Ingestor) ProcessUserEvent(ctx context.Context, eventName string, eventID int64, body []byte) (*Outcome, error) {
	if i.ignored[eventName] {
		return &Outcome{Result: "ignored", Detail: fmt.Sprintf("event %s is configured as ignored", eventName)}, nil
	}

	switch eventName {
	case EventUserCreated, EventUserApproved, EventUserUpdated,
		EventUserLoggedIn, EventUserLoggedOut, EventUserConfirmedEmail,
		EventUserDestroyed:
	default:
		return &Outcome{Result: "unknown", Detail: fmt.Sprintf("event %s is not handled", eventName)}, nil
	}

	var parsed userEventBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse event body: %w", err)
	}
	if parsed.User == nil || parsed.User.ID <= 0 {
		return nil, fmt.Errorf("event %s carries no usable user record", eventName)
	}
	user := parsed.User

	creds := &discourse.Credentials{
		DiscourseID: user.ID,
		Username:    user.Username,
		Name:        user.Name,
		Email:       user.Email,
		IsAdmin:     user.Admin,
		IsModerator: user.Moderator,
	}
	for _, g := range user.Groups {
		creds.Groups = append(creds.Groups, g.Name)
	}

	lock, err := i.locker.Acquire(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			i.log.WithError(err).Warn("Failed to release identity lock")
		}
	}()

	if err := i.persistRecord(ctx, user, eventName, eventID); err != nil {
		return nil, err
	}

	local, err := i.rec.ResolveLinked(ctx, creds)
	if err != nil {
		return nil, err
	}

	switch {
	case local != nil:
		if err := i.applyToLinked(ctx, local, creds, eventName); err != nil {
			return nil, err
		}
		return &Outcome{Result: "ok", Detail: fmt.Sprintf("event %s applied to linked account %d", eventName, local.ID)}, nil

	case eventName == EventUserDestroyed:
		// Destroyed users never get an account created for them.
		return &Outcome{Result: "ok", Detail: "destroyed user has no linked account"}, nil

	case i.cfg.AutoCreateUsers:
		created, err := i.createFromEvent(ctx, creds)
		if err != nil {
			return nil, err
		}
		return &Outcome{Result: "ok", Detail: fmt.Sprintf("event %s created account %d", eventName, created.ID)}, nil

	default:
		return &Outcome{Result: "ok", Detail: "no linked account and creation is disabled"}, nil
	}
}

// persistRecord caches the raw forum user record stamped with its event.
func (i *Ingestor) persistRecord(ctx context.Context, user *discourseUser, eventName string, eventID int64) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to serialize user record: %w", err)
	}
	return i.records.UpsertUserRecord(ctx, user.ID, raw, eventName, eventID, i.clock.Now())
}

// applyToLinked refreshes an already-linked account: display attributes,
// groups, and session invalidation for logout-class events.
func (i *Ingestor) applyToLinked(ctx context.Context, local *reconcile.LocalUser, creds *discourse.Credentials, eventName string) error {
	if eventName == EventUserDestroyed {
		if i.cfg.HandleLogoutEvents {
			if err := i.dir.InvalidateAllSessions(ctx, local.ID); err != nil {
				return err
			}
			i.hooks.OnSessionsInvalidated(ctx, local.ID)
		}
		return nil
	}

	if err := i.dir.UpdateUser(ctx, local.ID, local.RealName, local.Email); err != nil {
		return err
	}
	added, removed, err := i.rec.PopulateGroups(ctx, local.ID, creds)
	if err != nil {
		return err
	}
	if len(added)+len(removed) > 0 {
		i.hooks.OnGroupsChanged(ctx, local.ID, added, removed)
	}

	if eventName == EventUserLoggedOut && i.cfg.HandleLogoutEvents {
		if err := i.dir.InvalidateAllSessions(ctx, local.ID); err != nil {
			return err
		}
		i.hooks.OnSessionsInvalidated(ctx, local.ID)
	}
	return nil
}

// createFromEvent provisions a local account for an identity first seen via
// webhook. A host refusal is fatal: silently skipping would leave the event
// acknowledged but unapplied.
func (i *Ingestor) createFromEvent(ctx context.Context, creds *discourse.Credentials) (*reconcile.LocalUser, error) {
	local, err := i.rec.ResolveUnknown(ctx, creds)
	if err != nil {
		return nil, err
	}
	if local.ID != 0 {
		// ResolveUnknown matched and linked an existing account.
		return local, nil
	}

	info, err := i.dir.CreateUser(ctx, host.NewUser{
		Username: local.Username,
		RealName: local.RealName,
		Email:    local.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("host refused account creation: %w", err)
	}
	local.ID = info.ID
	local.Username = info.Username

	if err := i.links.UpsertLink(ctx, creds.DiscourseID, local.ID); err != nil {
		return nil, err
	}

	i.log.WithFields(logrus.Fields{
		"discourse_id": creds.DiscourseID,
		"wiki_id":      local.ID,
	}).Info("Created local account from webhook event")
	return local, nil
}
