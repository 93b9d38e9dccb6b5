package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roniherschmann/visitgate/internal/token"
)

func TestCredentialsCheck(t *testing.T) {
	c := Credentials{Username: "admin", Password: "s3cret-pass"}
	require.True(t, c.Configured())

	assert.True(t, c.Check("admin", "s3cret-pass"))
	assert.False(t, c.Check("admin", "s3cret-pas"))
	assert.False(t, c.Check("admin", "s3cret-pass!"))
	assert.False(t, c.Check("Admin", "s3cret-pass"))
	assert.False(t, c.Check("", ""))
}

func TestCredentialsBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)

	c := Credentials{Username: "admin", Password: "ignored", PasswordHash: string(hash)}
	assert.True(t, c.Check("admin", "hunter22"))
	assert.False(t, c.Check("admin", "ignored"))
	assert.False(t, c.Check("root", "hunter22"))
}

func TestUnconfiguredCredentialsRejectEverything(t *testing.T) {
	for _, c := range []Credentials{{}, {Username: "admin"}, {Password: "x"}} {
		assert.False(t, c.Configured())
		assert.False(t, c.Check(c.Username, c.Password))
		assert.False(t, c.Check("", ""))
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "admin", Normalize("  admin\r\n"))
	assert.Equal(t, "pass word", Normalize("\tpass\n word "))
	assert.Equal(t, "", Normalize(" \n "))
}

func newGate(t *testing.T, now *time.Time) (*Gate, *token.Codec) {
	t.Helper()
	codec := token.NewCodec("gate-secret-gate-secret-gate-sec", time.Hour).WithClock(func() time.Time { return *now })
	return NewGate(codec, "admin-session"), codec
}

func TestGateAuthorize(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gate, codec := newGate(t, &now)
	tok, err := codec.Issue()
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "admin-session", Value: tok})
	p, err := gate.Authorize(r)
	require.NoError(t, err)
	assert.Equal(t, token.RoleAdmin, p.Role)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	_, err = gate.Authorize(r)
	assert.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = gate.Authorize(r)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGateRejectsUniformly(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gate, _ := newGate(t, &now)

	other := token.NewCodec("some-other-secret", time.Hour)
	forged, err := other.Issue()
	require.NoError(t, err)

	for name, build := range map[string]func(*http.Request){
		"none":        func(*http.Request) {},
		"garbage":     func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "admin-session", Value: "securetoken123"}) },
		"wrong key":   func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "admin-session", Value: forged}) },
		"basic auth":  func(r *http.Request) { r.SetBasicAuth("admin", "pw") },
		"other name":  func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: forged}) },
		"bare bearer": func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") },
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			build(r)
			_, err := gate.Authorize(r)
			assert.Equal(t, ErrUnauthorized, err)
		})
	}
}

func TestGateWithoutSecretFailsClosed(t *testing.T) {
	gate := NewGate(token.NewCodec("", time.Hour), "admin-session")
	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "admin-session", Value: "a.b"})
	_, err := gate.Authorize(r)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gate, codec := newGate(t, &now)
	tok, err := codec.Issue()
	require.NoError(t, err)

	deny := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }
	h := gate.Middleware(deny)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, token.RoleAdmin, p.Role)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: "admin-session", Value: tok})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
