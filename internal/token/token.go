// Package token issues and verifies the signed admin session token:
// base64url(json payload) "." base64url(HMAC-SHA256(secret, payload segment)).
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var (
	// ErrInvalid is the only verification failure callers ever see.
	ErrInvalid  = errors.New("invalid token")
	ErrNoSecret = errors.New("signing secret not configured")
)

var segment = base64.RawURLEncoding

// Payload timestamps are unix milliseconds.
type Payload struct {
	Role      string `json:"role"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (p Payload) Expiry() time.Time {
	return time.UnixMilli(p.ExpiresAt)
}

func Issue(secret []byte, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	raw, err := json.Marshal(Payload{
		Role:      RoleAdmin,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	body := segment.EncodeToString(raw)
	sig, err := jwt.SigningMethodHS256.Sign(body, secret)
	if err != nil {
		return "", err
	}
	return body + "." + segment.EncodeToString(sig), nil
}

func Verify(tok string, secret []byte, now time.Time) (Payload, error) {
	if len(secret) == 0 {
		return Payload{}, ErrInvalid
	}
	body, sigPart, ok := strings.Cut(tok, ".")
	if !ok || body == "" || sigPart == "" || strings.Contains(sigPart, ".") {
		return Payload{}, ErrInvalid
	}
	sig, err := segment.DecodeString(sigPart)
	if err != nil {
		return Payload{}, ErrInvalid
	}
	// hmac.Equal under the hood
	if err := jwt.SigningMethodHS256.Verify(body, sig, secret); err != nil {
		return Payload{}, ErrInvalid
	}
	raw, err := segment.DecodeString(body)
	if err != nil {
		return Payload{}, ErrInvalid
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrInvalid
	}
	if p.Role != RoleAdmin || now.UnixMilli() >= p.ExpiresAt {
		return Payload{}, ErrInvalid
	}
	return p, nil
}

// Codec binds a secret, lifetime and clock for callers that issue and verify
// repeatedly.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock replaces the time source; tests use it to step past expiry.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

func (c *Codec) Configured() bool { return len(c.secret) > 0 }

func (c *Codec) TTL() time.Duration { return c.ttl }

func (c *Codec) Issue() (string, error) {
	return Issue(c.secret, c.ttl, c.now())
}

func (c *Codec) Verify(tok string) (Payload, error) {
	return Verify(tok, c.secret, c.now())
}
