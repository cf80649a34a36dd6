package authflow

import (
	"net/http"
	"time"
)

// IntentCookieName is the long-lived browser cookie recording whether
// seamless login should be attempted for this browser.
const IntentCookieName = "DiscourseSsoIntent"

// SessionCookieName carries the opaque session id binding a browser to its
// handshake state.
const SessionCookieName = "DiscourseSsoSession"

// intentCookieTTL keeps the intent sticky across browser restarts.
const intentCookieTTL = 365 * 24 * time.Hour

// Intent is the recorded auto-login disposition of a browser.
type Intent string

const (
	// IntentDesired means the browser authenticated here before; attempt
	// seamless re-login.
	IntentDesired Intent = "desired"
	// IntentNoMore means a previous attempt failed or was declined; do
	// not auto-probe again until an explicit login.
	IntentNoMore Intent = "no-more"
	// IntentProbingQuiet and IntentProbingNoisy mark an in-flight probe,
	// so a crashed handshake does not retrigger probing forever.
	IntentProbingQuiet Intent = "probing-quiet"
	IntentProbingNoisy Intent = "probing-noisy"
)

// GetIntent reads the intent cookie. ok is false when the cookie is absent
// or carries an unrecognized value.
func GetIntent(r *http.Request) (Intent, bool) {
	c, err := r.Cookie(IntentCookieName)
	if err != nil {
		return "", false
	}
	switch Intent(c.Value) {
	case IntentDesired, IntentNoMore, IntentProbingQuiet, IntentProbingNoisy:
		return Intent(c.Value), true
	default:
		return "", false
	}
}

// SetIntent writes the intent cookie.
func SetIntent(w http.ResponseWriter, intent Intent, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     IntentCookieName,
		Value:    string(intent),
		Path:     "/",
		MaxAge:   int(intentCookieTTL.Seconds()),
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetSessionID reads the session cookie. ok is false when absent.
func GetSessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// SetSessionID writes the session cookie for the duration of the browser
// session.
func SetSessionID(w http.ResponseWriter, sessionID string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
