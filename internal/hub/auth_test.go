package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/cliorch/cliorchd/internal/config"
)

func TestAuthenticatorDisabledAcceptsAnyToken(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{})
	if a.Enabled() {
		t.Fatal("expected an empty config to leave the gate disabled")
	}
	if _, err := a.Authenticate(""); err != nil {
		t.Fatalf("disabled gate should accept an empty token, got %v", err)
	}
	if _, err := a.Authenticate("anything"); err != nil {
		t.Fatalf("disabled gate should accept any token, got %v", err)
	}
}

func TestAuthenticatorRejectsMissingTokenWhenRequired(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Required: true})
	if _, err := a.Authenticate(""); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestAuthenticatorRoundTripsIssuedToken(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Required: true})
	token, err := a.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	identity, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "user-1" {
		t.Fatalf("expected subject user-1, got %q", identity.Subject)
	}
}

func TestAuthenticatorRejectsTokenFromDifferentSecret(t *testing.T) {
	issuer := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret-a", Required: true})
	verifier := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret-b", Required: true})

	token, err := issuer.IssueToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := verifier.Authenticate(token); err == nil {
		t.Fatal("expected a token signed with a different secret to fail validation")
	}
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Required: true})
	token, err := a.IssueToken("user-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := a.Authenticate(token); err == nil {
		t.Fatal("expected an already-expired token to fail validation")
	}
}
