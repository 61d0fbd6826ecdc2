package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware resolves the request principal. Scope enforcement is the
// pipeline's job (auth.require_scopes); the middleware only rejects requests
// that present an invalid token. Absent credentials fall through either
// anonymously or with the configured anonymous-read principal.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	AllowAnonRead bool
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		principal, err := m.Authenticator.Authenticate(r.Context(), r)
		switch {
		case err == nil:
			r = r.WithContext(ContextWithPrincipal(r.Context(), principal))
		case errors.Is(err, ErrUnauthenticated):
			if m.AllowAnonRead {
				r = r.WithContext(ContextWithPrincipal(r.Context(), Principal{
					Subject: "anonymous",
					Scopes:  []string{"read"},
				}))
			}
		default:
			m.logDeny(r, http.StatusUnauthorized, "invalid_token", err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"ok": false,
				"error": map[string]any{
					"code":    "UNAUTHENTICATED",
					"message": "invalid bearer token",
				},
				"request_id": r.Header.Get("X-Request-Id"),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m Middleware) logDeny(r *http.Request, status int, reason string, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.Warn("auth deny",
		"reason", reason,
		"status", status,
		"request_id", r.Header.Get("X-Request-Id"),
		"method", r.Method,
		"path", r.URL.Path,
		"error", err.Error(),
	)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}
