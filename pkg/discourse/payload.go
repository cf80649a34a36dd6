package discourse

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Credentials is the identity asserted by a validated SSO response. It is
// ephemeral: nothing here is persisted beyond the enclosing request.
type Credentials struct {
	DiscourseID int64    `json:"discourse_id"`
	Username    string   `json:"username"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Groups      []string `json:"groups"`
	IsAdmin     bool     `json:"is_admin"`
	IsModerator bool     `json:"is_moderator"`
}

// RequestOptions select the flavor of an outbound SSO request.
type RequestOptions struct {
	// Probe asks the forum for current auth state without showing a login
	// prompt (prompt=none).
	Probe bool
	// Logout asks the forum to end its own session before responding.
	Logout bool
}

// Protocol builds outbound DiscourseConnect requests and validates inbound
// responses. The signature covers the base64 payload string itself, not the
// decoded form data.
type Protocol struct {
	providerURL string
	secret      []byte
}

// NewProtocol creates a Protocol for the given provider endpoint URL
// (for example https://forum.example.com/session/sso_provider) and shared
// secret.
func NewProtocol(providerURL, secret string) *Protocol {
	return &Protocol{providerURL: providerURL, secret: []byte(secret)}
}

// BuildRequest serializes the outbound payload, signs it, and returns the
// full redirect URL to send the browser to.
func (p *Protocol) BuildRequest(nonce, returnURL string, opts RequestOptions) (string, error) {
	if nonce == "" {
		return "", fmt.Errorf("discourse: nonce is required")
	}
	if returnURL == "" {
		return "", fmt.Errorf("discourse: return URL is required")
	}

	inner := url.Values{}
	inner.Set("nonce", nonce)
	inner.Set("return_sso_url", returnURL)
	if opts.Probe {
		inner.Set("prompt", "none")
	}
	if opts.Logout {
		inner.Set("logout", "true")
	}

	payload := base64.StdEncoding.EncodeToString([]byte(inner.Encode()))
	sig := p.sign(payload)

	outer := url.Values{}
	outer.Set("sso", payload)
	outer.Set("sig", sig)

	sep := "?"
	if strings.Contains(p.providerURL, "?") {
		sep = "&"
	}
	return p.providerURL + sep + outer.Encode(), nil
}

// ValidateAndUnpack authenticates and decodes an inbound SSO response.
// Returns (nil, nil) when the forum reported failed=true: the user declined
// or could not authenticate, which is not a protocol violation. Signature is
// checked before the nonce so an attacker without the shared secret cannot
// probe nonce validity.
func (p *Protocol) ValidateAndUnpack(params url.Values, expectedNonce string) (*Credentials, error) {
	payload := params.Get("sso")
	sig := params.Get("sig")
	if payload == "" || sig == "" {
		return nil, ErrMissingParameters
	}

	expected := p.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, ErrSignatureMismatch
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	fields, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if fields.Get("nonce") != expectedNonce {
		return nil, ErrNonceMismatch
	}

	if fields.Get("failed") == "true" {
		return nil, nil
	}

	id, err := strconv.ParseInt(fields.Get("external_id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, ErrInvalidExternalID
	}

	// Splitting an empty groups field yields a single empty-string element.
	// Consumers filter it; the protocol layer reports what was sent.
	groups := strings.Split(fields.Get("groups"), ",")

	return &Credentials{
		DiscourseID: id,
		Username:    fields.Get("username"),
		Name:        fields.Get("name"),
		Email:       fields.Get("email"),
		Groups:      groups,
		IsAdmin:     fields.Get("admin") == "true",
		IsModerator: fields.Get("moderator") == "true",
	}, nil
}

// sign computes the hex HMAC-SHA256 of the base64 payload string.
func (p *Protocol) sign(payload string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
