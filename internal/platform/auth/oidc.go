package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCAuthenticator verifies bearer tokens against an OIDC issuer. Token
// issuance is not this service's concern; we only verify.
type OIDCAuthenticator struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})
	return &OIDCAuthenticator{
		cfg:      cfg,
		provider: provider,
		verifier: verifier,
	}, nil
}

// Endpoint exposes the issuer's oauth2 endpoints for clients that need to
// mint tokens out-of-band.
func (a *OIDCAuthenticator) Endpoint() oauth2.Endpoint {
	return a.provider.Endpoint()
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Principal{}, ErrUnauthenticated
	}

	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Principal{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Principal{}, err
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims[a.cfg.EmailClaim].(string)

	return Principal{
		Subject: subject,
		Email:   email,
		Scopes:  extractScopesClaim(claims, a.cfg.ScopesClaim),
	}, nil
}

func extractScopesClaim(claims map[string]any, claim string) []string {
	raw, ok := claims[claim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
