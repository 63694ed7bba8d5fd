package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/halcyonlabs/authcore/internal/model"
)

// AccessCookieName is the cookie carrying the access token for browser
// clients that opted into cookie transport.
const AccessCookieName = "access_token"

// AccessVerifier validates an access token and resolves its principal.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, accessToken string) (model.User, error)
}

type contextKey string

const userContextKey contextKey = "authcore.user"

// UserFrom returns the authenticated principal stored by RequireAuth.
func UserFrom(ctx context.Context) (model.User, bool) {
	u, ok := ctx.Value(userContextKey).(model.User)
	return u, ok
}

// RequireAuth extracts the access token from the Authorization header or the
// access cookie, verifies it, and stores the principal in the request
// context. A bearer header wins when both are present.
func RequireAuth(verifier AccessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				if c, err := r.Cookie(AccessCookieName); err == nil {
					raw = c.Value
				}
			}
			if raw == "" {
				unauthorized(w, "authentication required")
				return
			}

			user, err := verifier.VerifyAccess(r.Context(), raw)
			if err != nil {
				unauthorized(w, "invalid or expired access token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="authcore"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
