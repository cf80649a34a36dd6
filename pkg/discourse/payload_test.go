package discourse

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "d836444a9e4084d5b224a60c208dce14"

// signResponse packs fields the way the forum does: urlencode, base64, then
// hex HMAC over the base64 string.
func signResponse(t *testing.T, secret string, fields url.Values) url.Values {
	t.Helper()
	payload := base64.StdEncoding.EncodeToString([]byte(fields.Encode()))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))

	out := url.Values{}
	out.Set("sso", payload)
	out.Set("sig", hex.EncodeToString(mac.Sum(nil)))
	return out
}

func validResponseFields(nonce string) url.Values {
	fields := url.Values{}
	fields.Set("nonce", nonce)
	fields.Set("external_id", "7")
	fields.Set("username", "alice")
	fields.Set("name", "Alice Smith")
	fields.Set("email", "alice@example.com")
	fields.Set("groups", "staff,trust_level_2")
	fields.Set("admin", "false")
	fields.Set("moderator", "true")
	return fields
}

func TestBuildRequest(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	target, err := p.BuildRequest("nonce-1", "https://wiki.example.com/callback", RequestOptions{})
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "forum.example.com", u.Host)
	assert.Equal(t, "/session/sso_provider", u.Path)

	q := u.Query()
	payload := q.Get("sso")
	require.NotEmpty(t, payload)

	// The signature covers the base64 string itself.
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(payload))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), q.Get("sig"))

	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	inner, err := url.ParseQuery(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", inner.Get("nonce"))
	assert.Equal(t, "https://wiki.example.com/callback", inner.Get("return_sso_url"))
	assert.Empty(t, inner.Get("prompt"))
	assert.Empty(t, inner.Get("logout"))
}

func TestBuildRequestOptions(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	t.Run("probe sets prompt=none", func(t *testing.T) {
		target, err := p.BuildRequest("n", "https://wiki.example.com/cb", RequestOptions{Probe: true})
		require.NoError(t, err)
		inner := decodeRequest(t, target)
		assert.Equal(t, "none", inner.Get("prompt"))
	})

	t.Run("logout flag", func(t *testing.T) {
		target, err := p.BuildRequest("n", "https://wiki.example.com/cb", RequestOptions{Logout: true})
		require.NoError(t, err)
		inner := decodeRequest(t, target)
		assert.Equal(t, "true", inner.Get("logout"))
	})

	t.Run("provider URL with existing query", func(t *testing.T) {
		q := NewProtocol("https://forum.example.com/sso?tenant=a", testSecret)
		target, err := q.BuildRequest("n", "https://wiki.example.com/cb", RequestOptions{})
		require.NoError(t, err)
		u, err := url.Parse(target)
		require.NoError(t, err)
		assert.Equal(t, "a", u.Query().Get("tenant"))
		assert.NotEmpty(t, u.Query().Get("sso"))
	})

	t.Run("missing nonce", func(t *testing.T) {
		_, err := p.BuildRequest("", "https://wiki.example.com/cb", RequestOptions{})
		assert.Error(t, err)
	})

	t.Run("missing return URL", func(t *testing.T) {
		_, err := p.BuildRequest("n", "", RequestOptions{})
		assert.Error(t, err)
	})
}

func decodeRequest(t *testing.T, target string) url.Values {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(u.Query().Get("sso"))
	require.NoError(t, err)
	inner, err := url.ParseQuery(string(raw))
	require.NoError(t, err)
	return inner
}

func TestValidateAndUnpack(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	creds, err := p.ValidateAndUnpack(signResponse(t, testSecret, validResponseFields("nonce-1")), "nonce-1")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, int64(7), creds.DiscourseID)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "Alice Smith", creds.Name)
	assert.Equal(t, "alice@example.com", creds.Email)
	assert.Equal(t, []string{"staff", "trust_level_2"}, creds.Groups)
	assert.False(t, creds.IsAdmin)
	assert.True(t, creds.IsModerator)
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	params := signResponse(t, testSecret, validResponseFields("nonce-1"))
	sig := []byte(params.Get("sig"))
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	params.Set("sig", string(sig))

	_, err := p.ValidateAndUnpack(params, "nonce-1")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	params := signResponse(t, "some-other-secret-entirely", validResponseFields("nonce-1"))
	_, err := p.ValidateAndUnpack(params, "nonce-1")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestValidateChecksSignatureBeforeNonce(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	// Bad signature and bad nonce together must report the signature error,
	// so an attacker without the secret learns nothing about nonce validity.
	params := signResponse(t, "wrong-secret-wrong-secret", validResponseFields("stale-nonce"))
	_, err := p.ValidateAndUnpack(params, "nonce-1")
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestValidateRejectsNonceMismatch(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	params := signResponse(t, testSecret, validResponseFields("stale-nonce"))
	_, err := p.ValidateAndUnpack(params, "nonce-1")
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestValidateRejectsMissingParameters(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	t.Run("no sso", func(t *testing.T) {
		params := url.Values{}
		params.Set("sig", "deadbeef")
		_, err := p.ValidateAndUnpack(params, "nonce-1")
		assert.ErrorIs(t, err, ErrMissingParameters)
	})

	t.Run("no sig", func(t *testing.T) {
		params := url.Values{}
		params.Set("sso", "dGVzdA==")
		_, err := p.ValidateAndUnpack(params, "nonce-1")
		assert.ErrorIs(t, err, ErrMissingParameters)
	})
}

func TestValidateRejectsMalformedPayload(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	// Correctly signed but not base64.
	payload := "!!! not base64 !!!"
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(payload))
	params := url.Values{}
	params.Set("sso", payload)
	params.Set("sig", hex.EncodeToString(mac.Sum(nil)))

	_, err := p.ValidateAndUnpack(params, "nonce-1")
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestValidateFailedResponse(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	fields := url.Values{}
	fields.Set("nonce", "nonce-1")
	fields.Set("failed", "true")

	creds, err := p.ValidateAndUnpack(signResponse(t, testSecret, fields), "nonce-1")
	assert.NoError(t, err)
	assert.Nil(t, creds)
}

func TestValidateRejectsBadExternalID(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	for name, id := range map[string]string{
		"missing":     "",
		"non-numeric": "abc",
		"zero":        "0",
		"negative":    "-3",
	} {
		t.Run(name, func(t *testing.T) {
			fields := validResponseFields("nonce-1")
			if id == "" {
				fields.Del("external_id")
			} else {
				fields.Set("external_id", id)
			}
			_, err := p.ValidateAndUnpack(signResponse(t, testSecret, fields), "nonce-1")
			assert.ErrorIs(t, err, ErrInvalidExternalID)
		})
	}
}

func TestValidateEmptyGroupsQuirk(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	fields := validResponseFields("nonce-1")
	fields.Set("groups", "")

	creds, err := p.ValidateAndUnpack(signResponse(t, testSecret, fields), "nonce-1")
	require.NoError(t, err)
	require.NotNil(t, creds)
	// Splitting an empty string yields one empty element; consumers filter it.
	assert.Equal(t, []string{""}, creds.Groups)
}

func TestValidateFlagsRequireExactTrue(t *testing.T) {
	p := NewProtocol("https://forum.example.com/session/sso_provider", testSecret)

	fields := validResponseFields("nonce-1")
	fields.Set("admin", "True")
	fields.Set("moderator", "1")

	creds, err := p.ValidateAndUnpack(signResponse(t, testSecret, fields), "nonce-1")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.False(t, creds.IsAdmin)
	assert.False(t, creds.IsModerator)
}
