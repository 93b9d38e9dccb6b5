// Package auth gates the admin dashboard and checks the admin credentials.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/roniherschmann/visitgate/internal/token"
)

// ErrUnauthorized covers every reason a request is refused.
var ErrUnauthorized = errors.New("unauthorized")

// Credentials is the single admin principal. PasswordHash, when set, is a
// bcrypt hash and takes precedence over Password.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string
}

func (c Credentials) Configured() bool {
	return c.Username != "" && (c.Password != "" || c.PasswordHash != "")
}

// Check compares both fields without short-circuiting, so the response time
// does not reveal which one was wrong.
func (c Credentials) Check(username, password string) bool {
	if !c.Configured() {
		return false
	}
	userOK := equal(username, c.Username)

	var passOK int
	if c.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil {
			passOK = 1
		}
	} else {
		passOK = equal(password, c.Password)
	}
	return userOK&passOK == 1
}

// equal hashes first so differing lengths take the same path.
func equal(a, b string) int {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:])
}

// Normalize trims surrounding space and drops line breaks anywhere.
func Normalize(s string) string {
	s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	return strings.TrimSpace(s)
}

type Gate struct {
	codec      *token.Codec
	cookieName string
}

func NewGate(codec *token.Codec, cookieName string) *Gate {
	return &Gate{codec: codec, cookieName: cookieName}
}

// Authorize accepts the session cookie or an "Authorization: Bearer" header.
func (g *Gate) Authorize(r *http.Request) (token.Payload, error) {
	raw := ""
	if c, err := r.Cookie(g.cookieName); err == nil {
		raw = c.Value
	}
	if raw == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			raw = strings.TrimSpace(h[7:])
		}
	}
	if raw == "" {
		return token.Payload{}, ErrUnauthorized
	}
	p, err := g.codec.Verify(raw)
	if err != nil {
		return token.Payload{}, ErrUnauthorized
	}
	return p, nil
}

type ctxKey struct{}

// Middleware stops unauthorized requests with onDeny and stores the verified
// payload in the request context otherwise.
func (g *Gate) Middleware(onDeny http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authorize(r)
			if err != nil {
				onDeny(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, p)))
		})
	}
}

func FromContext(ctx context.Context) (token.Payload, bool) {
	p, ok := ctx.Value(ctxKey{}).(token.Payload)
	return p, ok
}
