package adapter

import (
	"context"
	"sync"

	"golang.org/x/oauth2"

	"github.com/cliorch/cliorchd/internal/config"
	"github.com/cliorch/cliorchd/pkg/models"
)

// TokenRefresher keeps a cached, auto-refreshing OAuth2 access token for one
// agent's non-interactive CLI login. Grounded on the teacher's
// internal/auth/oauth.go token-exchange flow, narrowed from a full
// authorization-code web login down to a refresh-token-only cycle: the CLI
// already holds a long-lived refresh token from its own interactive login
// step, and this only keeps the short-lived access token fresh that
// cliorchd hands the subprocess through its environment.
type TokenRefresher struct {
	mu     sync.Mutex
	cfg    oauth2.Config
	cached *oauth2.Token
}

// NewTokenRefresher builds a refresher from cfg, or nil when cfg carries no
// refresh token — most agents authenticate entirely inside their own
// subprocess and need no help from this process.
func NewTokenRefresher(cfg config.OAuthProviderConfig) *TokenRefresher {
	if cfg.RefreshToken == "" {
		return nil
	}
	return &TokenRefresher{
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		cached: &oauth2.Token{RefreshToken: cfg.RefreshToken},
	}
}

// AccessToken returns a live access token, refreshing against the
// provider's token endpoint when the cached one has expired. A nil receiver
// returns an empty token with no error, so callers can unconditionally ask
// the registry for a token without checking whether the agent configured
// one. A refresh failure is reported as ErrKindAuthMissing, a
// fallback-eligible kind, so the orchestrator tries another agent instead
// of retrying the same broken credential.
func (r *TokenRefresher) AccessToken(ctx context.Context) (string, error) {
	if r == nil {
		return "", nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := r.cfg.TokenSource(ctx, r.cached).Token()
	if err != nil {
		return "", models.NewCanonicalError(models.ErrKindAuthMissing, true, "oauth token refresh failed", err)
	}
	r.cached = token
	return token.AccessToken, nil
}
