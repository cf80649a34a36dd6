package authflow

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/httputil"
	"github.com/wikiforge/discourse-connect/pkg/observability"
)

// Handlers exposes the interactive SSO flow over HTTP.
type Handlers struct {
	flow          *Flow
	sessions      SessionStore
	callbackURL   string
	secureCookies bool
	seamless      bool
	metrics       *observability.Metrics
	log           *logrus.Logger
}

// NewHandlers creates the auth HTTP handlers. callbackURL is the absolute
// URL of the callback endpoint as the forum must see it. seamless enables
// the probe endpoint. metrics may be nil.
func NewHandlers(flow *Flow, sessions SessionStore, callbackURL string, secureCookies, seamless bool,
	metrics *observability.Metrics, log *logrus.Logger) *Handlers {
	if log == nil {
		log = logrus.New()
	}
	return &Handlers{
		flow:          flow,
		sessions:      sessions,
		callbackURL:   callbackURL,
		secureCookies: secureCookies,
		seamless:      seamless,
		metrics:       metrics,
		log:           log,
	}
}

// RegisterRoutes registers the auth routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/discourse/login", h.login).Methods("GET")
	router.HandleFunc("/auth/discourse/probe", h.probe).Methods("GET")
	router.HandleFunc("/auth/discourse/callback", h.callback).Methods("GET")
	router.HandleFunc("/auth/discourse/logout", h.logout).Methods("POST")
	router.HandleFunc("/auth/discourse/session", h.session).Methods("GET")
}

// login handles GET /auth/discourse/login
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	h.begin(w, r, ProbeNone)
}

// probe handles GET /auth/discourse/probe. mode=noisy makes a declined
// response a reportable failure; the default quiet probe stays silent.
// Browsers flagged no-more are sent straight back without a round trip to
// the forum, and so is a browser still carrying a probing marker: that
// means an earlier probe never completed its callback, and retrying it on
// every page view would loop the browser through the forum forever.
func (h *Handlers) probe(w http.ResponseWriter, r *http.Request) {
	if !h.seamless {
		http.NotFound(w, r)
		return
	}

	mode := ProbeQuiet
	intent := IntentProbingQuiet
	if r.URL.Query().Get("mode") == "noisy" {
		mode = ProbeNoisy
		intent = IntentProbingNoisy
	}

	if got, ok := GetIntent(r); ok && mode == ProbeQuiet {
		switch got {
		case IntentNoMore:
			http.Redirect(w, r, returnTarget(r), http.StatusFound)
			return
		case IntentProbingQuiet, IntentProbingNoisy:
			// Abandoned probe; fail closed.
			SetIntent(w, IntentNoMore, h.secureCookies)
			http.Redirect(w, r, returnTarget(r), http.StatusFound)
			return
		}
	}

	SetIntent(w, intent, h.secureCookies)
	h.begin(w, r, mode)
}

func (h *Handlers) begin(w http.ResponseWriter, r *http.Request, probe ProbeMode) {
	sessionID, ok := GetSessionID(r)
	if !ok {
		sessionID = NewSessionID()
		SetSessionID(w, sessionID, h.secureCookies)
	}

	redirect, err := h.flow.Begin(r.Context(), sessionID, h.callbackURL, returnTarget(r), probe)
	if err != nil {
		h.log.WithError(err).Error("Failed to begin SSO handshake")
		http.Error(w, "failed to initiate login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// callback handles GET /auth/discourse/callback
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sessionID, ok := GetSessionID(r)
	if !ok {
		http.Error(w, "no session", http.StatusBadRequest)
		return
	}

	// Capture the probe mode before Complete consumes the pending state.
	mode := ProbeNone
	if state, err := h.sessions.GetAuthState(r.Context(), sessionID); err == nil &&
		state != nil && state.Kind == StateNonceIssued {
		mode = state.Probe
	}

	outcome, err := h.flow.Complete(r.Context(), sessionID, r.URL.Query())

	if h.metrics != nil {
		h.metrics.HandshakeDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		h.countLogin(mode, "failure")
		SetIntent(w, IntentNoMore, h.secureCookies)
		switch {
		case errors.Is(err, ErrNoHandshake):
			http.Error(w, "no login in progress", http.StatusBadRequest)
		case errors.Is(err, ErrAuthenticationDeclined):
			http.Error(w, "authentication declined", http.StatusUnauthorized)
		default:
			h.log.WithError(err).Error("SSO callback failed")
			http.Error(w, "login failed", http.StatusInternalServerError)
		}
		return
	}

	if outcome.Declined {
		h.countLogin(mode, "declined")
		SetIntent(w, IntentNoMore, h.secureCookies)
		http.Redirect(w, r, safeReturn(outcome.ReturnTo), http.StatusFound)
		return
	}

	h.countLogin(mode, "success")
	SetIntent(w, IntentDesired, h.secureCookies)
	http.Redirect(w, r, safeReturn(outcome.ReturnTo), http.StatusFound)
}

// logout handles POST /auth/discourse/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := GetSessionID(r)
	if !ok {
		http.Error(w, "no session", http.StatusBadRequest)
		return
	}

	state, err := h.sessions.GetAuthState(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if state == nil || state.Kind != StateCompleted {
		http.Error(w, "not logged in", http.StatusConflict)
		return
	}

	if err := h.flow.Logout(r.Context(), sessionID, state.WikiID); err != nil {
		h.log.WithError(err).Error("Logout failed")
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}

	SetIntent(w, IntentNoMore, h.secureCookies)
	w.WriteHeader(http.StatusNoContent)
}

// session handles GET /auth/discourse/session
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"authenticated": false}

	if sessionID, ok := GetSessionID(r); ok {
		if state, err := h.sessions.GetAuthState(r.Context(), sessionID); err == nil &&
			state != nil && state.Kind == StateCompleted {
			resp["authenticated"] = true
			resp["wiki_id"] = state.WikiID
			resp["username"] = state.Username
		}
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) countLogin(mode ProbeMode, result string) {
	if h.metrics != nil {
		h.metrics.LoginsTotal.WithLabelValues(mode.String(), result).Inc()
	}
}

// returnTarget reads the requested post-login destination, constrained to
// local paths.
func returnTarget(r *http.Request) string {
	return safeReturn(r.URL.Query().Get("return_to"))
}

// safeReturn rejects absolute and protocol-relative URLs so the callback
// cannot be used as an open redirect.
func safeReturn(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return "/"
	}
	return target
}
