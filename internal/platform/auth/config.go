package auth

import (
	"errors"
	"fmt"

	"github.com/basalt-labs/basalt-go/internal/platform/env"
)

type Mode string

const (
	ModeOIDC Mode = "oidc"
	ModeDev  Mode = "dev"
)

type Config struct {
	Mode Mode

	OIDCIssuerURL string
	OIDCClientID  string
	ScopesClaim   string
	EmailClaim    string

	DevSubject string
	DevEmail   string
	DevScopes  []string

	// AllowAnonRead attaches an anonymous read-only principal when no
	// bearer token is presented.
	AllowAnonRead bool
}

func ConfigFromEnv() (Config, error) {
	allowAnon, err := env.Bool("REGISTRY_AUTH_ALLOW_ANON_READ", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:          Mode(env.String("REGISTRY_AUTH_MODE", string(ModeDev))),
		OIDCIssuerURL: env.String("REGISTRY_AUTH_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("REGISTRY_AUTH_OIDC_CLIENT_ID", ""),
		ScopesClaim:   env.String("REGISTRY_AUTH_SCOPES_CLAIM", "scopes"),
		EmailClaim:    env.String("REGISTRY_AUTH_EMAIL_CLAIM", "email"),
		DevSubject:    env.String("REGISTRY_AUTH_DEV_SUBJECT", "dev"),
		DevEmail:      env.String("REGISTRY_AUTH_DEV_EMAIL", "dev@localhost"),
		DevScopes:     env.Strings("REGISTRY_AUTH_DEV_SCOPES", []string{"artifacts:read", "artifacts:write", "registry:admin"}),
		AllowAnonRead: allowAnon,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDev:
		return nil
	case ModeOIDC:
		if c.OIDCIssuerURL == "" {
			return errors.New("REGISTRY_AUTH_OIDC_ISSUER_URL is required in oidc mode")
		}
		if c.OIDCClientID == "" {
			return errors.New("REGISTRY_AUTH_OIDC_CLIENT_ID is required in oidc mode")
		}
		if c.ScopesClaim == "" {
			return errors.New("REGISTRY_AUTH_SCOPES_CLAIM is required in oidc mode")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
}
