// Package auth resolves the caller's identity for HTTP and stream requests.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

const (
	// OrganizationClaim is the private JWT claim carrying the organization ID.
	OrganizationClaim = "org"
	// ScopeClaim holds space-separated OAuth scopes.
	ScopeClaim = "scope"

	// ScopePublishNotifications is required to create notifications for
	// other users. Only internal producers are issued it.
	ScopePublishNotifications = "notifications:publish"

	// UserHeader and OrganizationHeader carry the identity in local mode.
	UserHeader         = "X-User-ID"
	OrganizationHeader = "X-Org-ID"
	ScopesHeader       = "X-Scopes"

	// tokenQueryParam is accepted because browsers cannot set headers on
	// EventSource or WebSocket requests.
	tokenQueryParam = "access_token"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID         string
	OrganizationID string
	Scopes         []string `json:",omitempty"`
}

// HasScope reports whether the caller was granted scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// parseScopes splits a space or comma separated scope list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
}

type contextKey struct{}

// ContextWithIdentity returns a copy of ctx carrying id.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// NewJWKSMiddleware fetches the key set at jwksURL, keeps it refreshed in
// the background, and returns a middleware that validates bearer tokens
// against it.
func NewJWKSMiddleware(ctx context.Context, jwksURL string, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register jwks url %s: %w", jwksURL, err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch jwks from %s: %w", jwksURL, err)
	}
	return NewTokenMiddleware(jwk.NewCachedSet(cache, jwksURL), logger), nil
}

// NewTokenMiddleware validates the request's JWT against keys. The subject
// becomes the user ID and the "org" claim the organization ID.
func NewTokenMiddleware(keys jwk.Set, logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "AuthMiddleware").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r)
			if raw == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			token, err := jwt.Parse([]byte(raw), jwt.WithKeySet(keys), jwt.WithValidate(true))
			if err != nil {
				log.Debug().Err(err).Msg("Rejected token.")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if token.Subject() == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			id := Identity{UserID: token.Subject()}
			if org, ok := token.Get(OrganizationClaim); ok {
				if s, ok := org.(string); ok {
					id.OrganizationID = s
				}
			}
			if scope, ok := token.Get(ScopeClaim); ok {
				if s, ok := scope.(string); ok {
					id.Scopes = parseScopes(s)
				}
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// HeaderAuth trusts the X-User-ID, X-Org-ID and X-Scopes headers (or the
// userId and orgId query parameters). Local mode only.
func HeaderAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			UserID:         r.Header.Get(UserHeader),
			OrganizationID: r.Header.Get(OrganizationHeader),
			Scopes:         parseScopes(r.Header.Get(ScopesHeader)),
		}
		if id.UserID == "" {
			id.UserID = r.URL.Query().Get("userId")
			id.OrganizationID = r.URL.Query().Get("orgId")
		}
		if id.UserID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(tokenQueryParam)
}
