package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/halcyonlabs/authcore/internal/http/handlers"
	"github.com/halcyonlabs/authcore/internal/middleware"
)

// NewRouter wires all routes. Session endpoints are public; everything under
// /me requires a verified access token.
func NewRouter(authHandler *handlers.AuthHandler, healthHandler *handlers.HealthHandler, verifier middleware.AccessVerifier) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health/live", healthHandler.HandleLive)
	r.Get("/health/ready", healthHandler.HandleReady)

	providerParam := func(req *http.Request) string {
		return chi.URLParam(req, "provider")
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)
		r.Post("/2fa/verify", authHandler.HandleVerifyTwoFactor)
		r.Post("/2fa/recovery", authHandler.HandleRecoveryCode)
		r.Get("/external/{provider}/url", authHandler.HandleExternalURL(providerParam))
		r.Post("/external/{provider}", authHandler.HandleExternalLogin(providerParam))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(verifier))
		r.Get("/me", authHandler.HandleMe)
		r.Post("/me/password", authHandler.HandleChangePassword)
		r.Post("/me/2fa/setup", authHandler.HandleTwoFactorSetup)
		r.Post("/me/2fa/enable", authHandler.HandleTwoFactorEnable)
		r.Post("/me/2fa/recovery_codes", authHandler.HandleRegenerateRecoveryCodes)
	})

	return r
}
