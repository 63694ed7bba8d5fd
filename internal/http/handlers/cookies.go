package handlers

import (
	"net/http"
	"time"

	"github.com/halcyonlabs/authcore/internal/auth"
	"github.com/halcyonlabs/authcore/internal/middleware"
)

const refreshCookieName = "refresh_token"

// refreshCookiePath scopes the refresh cookie to the endpoints that redeem
// it, so it is not sent with every API call.
const refreshCookiePath = "/auth"

// cookieWriter is the transport adapter for browser clients: it mirrors an
// issued token pair into HttpOnly cookies and clears them on logout. Bearer
// clients never see these cookies; they read the pair from the body instead.
// A non-empty domain scopes the cookies across subdomains; empty leaves them
// host-only.
type cookieWriter struct {
	secure bool
	domain string
}

func (cw cookieWriter) writePair(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		Domain:   cw.domain,
		Expires:  pair.AccessExpiresAt,
		HttpOnly: true,
		Secure:   cw.secure,
		SameSite: http.SameSiteStrictMode,
	})
	refresh := &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     refreshCookiePath,
		Domain:   cw.domain,
		HttpOnly: true,
		Secure:   cw.secure,
		SameSite: http.SameSiteStrictMode,
	}
	// Session-lifetime logins get a session cookie; expiry lives server-side
	// either way.
	if pair.RememberMe {
		refresh.Expires = pair.RefreshExpiresAt
	}
	http.SetCookie(w, refresh)
}

func (cw cookieWriter) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cw.domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cw.secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   cw.domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cw.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// refreshFromRequest prefers the body field and falls back to the cookie, so
// bearer and cookie clients share the refresh and logout endpoints.
func refreshFromRequest(r *http.Request, bodyValue string) string {
	if bodyValue != "" {
		return bodyValue
	}
	if c, err := r.Cookie(refreshCookieName); err == nil {
		return c.Value
	}
	return ""
}
