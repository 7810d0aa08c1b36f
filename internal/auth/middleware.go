package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"portfolio-api/internal/observability"
)

type TokenVerifier interface {
	Verify(raw string) (string, error)
}

type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (User, error)
}

type identityContextKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

// Authenticate publishes an Identity for requests carrying a valid access token
// whose subject still resolves to an account. It never rejects a request;
// route guards decide what anonymous callers may do.
func Authenticate(verifier TokenVerifier, users UserLookup, logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := accessTokenFromRequest(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		subject, err := verifier.Verify(raw)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		user, err := users.GetUserByEmail(r.Context(), subject)
		if err != nil {
			if !errors.Is(err, ErrUserNotFound) && logger != nil {
				logger.Error("identity_lookup_failed", map[string]any{
					"path":  r.URL.Path,
					"error": err.Error(),
				})
			}
			next.ServeHTTP(w, r)
			return
		}

		identity := Identity{UserID: user.ID, Email: user.Email, Name: user.Name}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func RequireIdentity(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	})
}

func accessTokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(AccessCookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}
