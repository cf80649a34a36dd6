package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/discourse"
	"github.com/wikiforge/discourse-connect/pkg/host"
	"github.com/wikiforge/discourse-connect/pkg/link"
)

// Pseudo-groups injected into the external group set from the payload's
// admin and moderator flags, so group mappings can target them uniformly.
const (
	AdminPseudoGroup     = "@ADMIN@"
	ModeratorPseudoGroup = "@MODERATOR@"
)

// Linking method names accepted in Config.LinkExistingBy.
const (
	LinkByUsername = "username"
	LinkByEmail    = "email"
)

// maxUsernameAttempts bounds candidate freshening before giving up.
const maxUsernameAttempts = 1000

// ErrUsernameExhausted means no free local username could be derived within
// the attempt bound. Requires operator intervention.
var ErrUsernameExhausted = errors.New("reconcile: exhausted username candidates")

// GroupMap binds one local group to the set of external groups that grant it.
type GroupMap struct {
	LocalGroup      string   `yaml:"local_group"`
	DiscourseGroups []string `yaml:"discourse_groups"`
}

// Config is the reconciliation policy, fixed at construction.
type Config struct {
	// LinkExistingBy is the ordered list of methods tried to attach a
	// never-seen external identity to an existing local account.
	LinkExistingBy []string
	// ExposeName and ExposeEmail gate whether the forum's display name and
	// email are handed to the host or blanked.
	ExposeName  bool
	ExposeEmail bool
	// GroupMaps drive local group membership from external groups.
	GroupMaps []GroupMap
}

// LocalUser is the outcome of resolving external credentials. ID 0 means no
// local account exists yet ("pending creation"); the host assigns the id and
// the caller back-fills the link.
type LocalUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	RealName string `json:"real_name"`
	Email    string `json:"email"`
}

// LinkStore is the subset of the link store the reconciler needs.
type LinkStore interface {
	LookupByDiscourseID(ctx context.Context, discourseID int64) (*link.Linked, error)
	FindLocalByUsername(ctx context.Context, username string) (*link.LocalRef, error)
	FindLocalByEmail(ctx context.Context, email string) (*link.LocalRef, error)
	UpsertLink(ctx context.Context, discourseID, wikiID int64) error
}

// Reconciler decides how validated external credentials map onto local
// identities and group memberships. Both the interactive login path and the
// webhook path drive the same instance; callers must hold the external-id
// lock across any call that may write.
type Reconciler struct {
	store LinkStore
	dir   host.UserDirectory
	cfg   Config
	log   *logrus.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store LinkStore, dir host.UserDirectory, cfg Config, log *logrus.Logger) *Reconciler {
	if log == nil {
		log = logrus.New()
	}
	return &Reconciler{store: store, dir: dir, cfg: cfg, log: log}
}

// Resolve returns the linked local user when the external id is known,
// otherwise falls through to ResolveUnknown.
func (r *Reconciler) Resolve(ctx context.Context, creds *discourse.Credentials) (*LocalUser, error) {
	local, err := r.ResolveLinked(ctx, creds)
	if err != nil {
		return nil, err
	}
	if local != nil {
		return local, nil
	}
	return r.ResolveUnknown(ctx, creds)
}

// ResolveLinked resolves credentials whose external id is already linked.
// The local id and username are never changed here, even when the forum
// username has diverged; only display attributes are refreshed, subject to
// the exposure flags. Returns (nil, nil) when unlinked.
func (r *Reconciler) ResolveLinked(ctx context.Context, creds *discourse.Credentials) (*LocalUser, error) {
	linked, err := r.store.LookupByDiscourseID(ctx, creds.DiscourseID)
	if err != nil {
		return nil, err
	}
	if linked == nil {
		return nil, nil
	}
	return &LocalUser{
		ID:       linked.WikiID,
		Username: linked.Username,
		RealName: r.WikifyName(creds.Name),
		Email:    r.WikifyEmail(creds.Email),
	}, nil
}

// ResolveUnknown handles a never-before-seen external id. The configured
// linking methods are tried in order against existing local accounts; the
// first match persists the link immediately and wins. With no match the
// result carries ID 0 and a freshened candidate username for the host to
// create.
func (r *Reconciler) ResolveUnknown(ctx context.Context, creds *discourse.Credentials) (*LocalUser, error) {
	candidate := CanonicalizeUsername(creds.Username)

	for _, method := range r.cfg.LinkExistingBy {
		var ref *link.LocalRef
		var err error

		switch method {
		case LinkByUsername:
			ref, err = r.store.FindLocalByUsername(ctx, candidate)
		case LinkByEmail:
			if !r.cfg.ExposeEmail {
				r.log.WithField("discourse_id", creds.DiscourseID).
					Info("Skipping email linking: email exposure is disabled")
				continue
			}
			ref, err = r.store.FindLocalByEmail(ctx, creds.Email)
		default:
			r.log.WithField("method", method).Warn("Ignoring unknown linking method")
			continue
		}
		if err != nil {
			return nil, err
		}
		if ref == nil {
			continue
		}

		if err := r.store.UpsertLink(ctx, creds.DiscourseID, ref.WikiID); err != nil {
			return nil, err
		}
		r.log.WithFields(logrus.Fields{
			"discourse_id": creds.DiscourseID,
			"wiki_id":      ref.WikiID,
			"method":       method,
		}).Info("Linked external identity to existing local account")
		return &LocalUser{
			ID:       ref.WikiID,
			Username: ref.Username,
			RealName: r.WikifyName(creds.Name),
			Email:    r.WikifyEmail(creds.Email),
		}, nil
	}

	fresh, err := r.freshenUsername(ctx, candidate)
	if err != nil {
		return nil, err
	}
	return &LocalUser{
		ID:       0,
		Username: fresh,
		RealName: r.WikifyName(creds.Name),
		Email:    r.WikifyEmail(creds.Email),
	}, nil
}

// freshenUsername returns candidate if unused, else the first unused
// candidate-N suffix, bounded at maxUsernameAttempts.
func (r *Reconciler) freshenUsername(ctx context.Context, candidate string) (string, error) {
	for i := 0; i <= maxUsernameAttempts; i++ {
		name := candidate
		if i > 0 {
			name = fmt.Sprintf("%s-%d", candidate, i)
		}
		ref, err := r.store.FindLocalByUsername(ctx, name)
		if err != nil {
			return "", err
		}
		if ref == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: base candidate %q", ErrUsernameExhausted, candidate)
}

// PopulateGroups reconciles the account's local group memberships against
// the external group set, issuing only the minimal add/remove operations.
// Local groups without a mapping are never touched. Empty-string group
// entries (the empty-payload quirk of the wire format) are ignored.
func (r *Reconciler) PopulateGroups(ctx context.Context, wikiID int64, creds *discourse.Credentials) (added, removed []string, err error) {
	if len(r.cfg.GroupMaps) == 0 {
		return nil, nil, nil
	}

	target := make(map[string]bool, len(creds.Groups)+2)
	for _, g := range creds.Groups {
		if g != "" {
			target[g] = true
		}
	}
	if creds.IsAdmin {
		target[AdminPseudoGroup] = true
	}
	if creds.IsModerator {
		target[ModeratorPseudoGroup] = true
	}

	current, err := r.dir.Groups(ctx, wikiID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read current groups: %w", err)
	}
	has := make(map[string]bool, len(current))
	for _, g := range current {
		has[g] = true
	}

	for _, m := range r.cfg.GroupMaps {
		desired := false
		for _, g := range m.DiscourseGroups {
			if target[g] {
				desired = true
				break
			}
		}

		switch {
		case desired && !has[m.LocalGroup]:
			if err := r.dir.AddToGroup(ctx, wikiID, m.LocalGroup); err != nil {
				return added, removed, fmt.Errorf("failed to add group %s: %w", m.LocalGroup, err)
			}
			added = append(added, m.LocalGroup)
		case !desired && has[m.LocalGroup]:
			if err := r.dir.RemoveFromGroup(ctx, wikiID, m.LocalGroup); err != nil {
				return added, removed, fmt.Errorf("failed to remove group %s: %w", m.LocalGroup, err)
			}
			removed = append(removed, m.LocalGroup)
		}
	}
	return added, removed, nil
}

// WikifyName returns the forum display name when name exposure is enabled,
// else the empty string. Applied on every reconciliation pass.
func (r *Reconciler) WikifyName(name string) string {
	if r.cfg.ExposeName {
		return name
	}
	return ""
}

// WikifyEmail returns the forum email when email exposure is enabled, else
// the empty string.
func (r *Reconciler) WikifyEmail(email string) string {
	if r.cfg.ExposeEmail {
		return email
	}
	return ""
}

// CanonicalizeUsername maps the forum's case-preserving username into the
// host convention: trimmed, with a forced initial capital.
func CanonicalizeUsername(username string) string {
	username = strings.TrimSpace(username)
	if username == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(username)
	return string(unicode.ToUpper(first)) + username[size:]
}
