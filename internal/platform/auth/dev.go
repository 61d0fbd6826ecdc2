package auth

import (
	"context"
	"net/http"
)

// DevAuthenticator grants a fixed identity. Local development only.
type DevAuthenticator struct {
	principal Principal
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		principal: Principal{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Scopes:  cfg.DevScopes,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	return a.principal, nil
}
