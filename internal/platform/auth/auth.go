package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// Principal is the authenticated identity attached to a pipeline invocation.
type Principal struct {
	Subject string
	Email   string
	Scopes  []string
}

func (p Principal) HasAnyScope(required []string) bool {
	for _, scope := range required {
		if slices.Contains(p.Scopes, scope) {
			return true
		}
	}
	return false
}

// Claim resolves a {principal.X} reference.
func (p Principal) Claim(name string) (any, bool) {
	switch name {
	case "sub":
		return p.Subject, true
	case "email":
		return p.Email, true
	case "scopes":
		return p.Scopes, true
	}
	return nil, false
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Principal, error)
}

type ctxKeyPrincipal struct{}

func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(ctxKeyPrincipal{}).(Principal)
	return v, ok
}

func tokenFromHeader(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
