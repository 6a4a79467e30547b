package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cliorch/cliorchd/internal/config"
)

// ErrAuthRequired is returned by Authenticator.Authenticate when the
// connect frame carried no bearer token but the gate is configured to
// require one — the caller closes the connection with code 4002.
var ErrAuthRequired = errors.New("hub: bearer token required")

// Identity is the subject embedded in a validated bearer token. The Hub
// does not model roles or permissions beyond "authenticated" — spec.md's
// auth surface is a single bearer-token gate on connect, not a user system.
type Identity struct {
	Subject string
}

type claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates the bearer token carried by a connect frame's
// auth field, adapted from the teacher's auth.JWTService (internal/auth/jwt.go)
// down to what the Hub's gate needs: HS256 signature + subject, no
// per-user profile.
type Authenticator struct {
	secret   []byte
	required bool
}

// NewAuthenticator builds an Authenticator from the process configuration.
// A nil *Authenticator (or one built from a config with no secret and
// Required=false) treats every connection as authenticated.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:   []byte(strings.TrimSpace(cfg.JWTSecret)),
		required: cfg.Required,
	}
}

// Enabled reports whether the gate performs any check at all.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.secret) > 0 || a.required)
}

// Authenticate validates token. An empty token is accepted only when the
// gate is disabled or not required.
func (a *Authenticator) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if !a.Enabled() {
		return Identity{}, nil
	}
	if token == "" {
		return Identity{}, ErrAuthRequired
	}
	if len(a.secret) == 0 {
		return Identity{}, ErrAuthRequired
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("hub: invalid bearer token: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return Identity{}, fmt.Errorf("hub: invalid bearer token")
	}
	return Identity{Subject: c.Subject}, nil
}

// IssueToken is a small test/ops helper mirroring the teacher's
// JWTService.Generate, used by the doctor command to mint a short-lived
// token for a manual connection check.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrAuthRequired
	}
	now := time.Now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}
