package auth

import (
	"context"
	"net/http"
	"strings"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// PrincipalContextKey is the context key for the authenticated caller
	PrincipalContextKey ContextKey = "principal"
)

// devPrincipal is attached to every request when auth is disabled.
var devPrincipal = &Principal{Subject: "dev", Scopes: AllScopes}

// Middleware authenticates HTTP requests with bearer tokens.
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool // auth disabled in config
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, skipAuth bool) *Middleware {
	return &Middleware{jwtManager: jwtManager, skipAuth: skipAuth}
}

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), devPrincipal)))
			return
		}

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			t, err := ExtractBearerToken(authHeader)
			if err != nil {
				writeUnauthorized(w, "Invalid authorization header")
				return
			}
			token = t
		} else if isStreamPath(r.URL.Path) {
			// Browsers cannot set headers on WebSocket or EventSource requests
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeUnauthorized(w, "Bearer token is required")
			return
		}

		p, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			writeUnauthorized(w, "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func isStreamPath(p string) bool {
	return strings.HasSuffix(p, "/stream") || strings.HasSuffix(p, "/events")
}

// RequireScope wraps next so that it only runs for callers holding scope.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeUnauthorized(w, "Missing credentials")
			return
		}
		if !p.HasScope(scope) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"missing required scope: ` + scope + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// PrincipalFrom extracts the caller from ctx.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok && p != nil
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="cryptoquery"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
