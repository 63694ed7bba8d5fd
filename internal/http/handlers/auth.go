package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/authcore/internal/auth"
	"github.com/halcyonlabs/authcore/internal/middleware"
	"github.com/halcyonlabs/authcore/internal/model"
)

// AuthHandler translates session service outcomes into HTTP responses,
// including the cookie transport for browser clients.
type AuthHandler struct {
	service *auth.Service
	cookies cookieWriter
	logger  *slog.Logger

	loginLimiter   *middleware.SlidingWindow
	verifyLimiter  *middleware.SlidingWindow
	refreshLimiter *middleware.SlidingWindow
}

// NewAuthHandler creates the auth handler. Credential and challenge
// endpoints carry per-IP budgets tighter than the refresh endpoint's.
func NewAuthHandler(service *auth.Service, secureCookies bool, cookieDomain string, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service:        service,
		cookies:        cookieWriter{secure: secureCookies, domain: cookieDomain},
		logger:         logger,
		loginLimiter:   middleware.NewSlidingWindow(10*time.Minute, 10, nil),
		verifyLimiter:  middleware.NewSlidingWindow(10*time.Minute, 20, nil),
		refreshLimiter: middleware.NewSlidingWindow(time.Minute, 30, nil),
	}
}

// Close releases the limiter sweepers.
func (h *AuthHandler) Close() {
	h.loginLimiter.Close()
	h.verifyLimiter.Close()
	h.refreshLimiter.Close()
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

// HandleRegister handles POST /auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.loginLimiter.Allow(middleware.ClientIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toUserResponse(user))
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
	UseCookies bool   `json:"use_cookies"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	RequiresTwoFactor bool               `json:"requires_two_factor"`
	ChallengeToken    string             `json:"challenge_token,omitempty"`
	Tokens            *tokenPairResponse `json:"tokens,omitempty"`
}

// HandleLogin handles POST /auth/login.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if !h.loginLimiter.Allow(middleware.ClientIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	out, err := h.service.Login(r.Context(), req.Email, req.Password, req.RememberMe)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondLoginOutcome(w, out, req.UseCookies)
}

type twoFactorVerifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
	UseCookies     bool   `json:"use_cookies"`
}

// HandleVerifyTwoFactor handles POST /auth/2fa/verify.
func (h *AuthHandler) HandleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req twoFactorVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.verifyLimiter.Allow(middleware.ClientIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	pair, err := h.service.VerifyTwoFactor(r.Context(), req.ChallengeToken, strings.TrimSpace(req.Code))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondPair(w, pair, req.UseCookies)
}

type recoveryCodeRequest struct {
	ChallengeToken string `json:"challenge_token"`
	RecoveryCode   string `json:"recovery_code"`
	UseCookies     bool   `json:"use_cookies"`
}

// HandleRecoveryCode handles POST /auth/2fa/recovery.
func (h *AuthHandler) HandleRecoveryCode(w http.ResponseWriter, r *http.Request) {
	var req recoveryCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.verifyLimiter.Allow(middleware.ClientIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	pair, err := h.service.UseRecoveryCode(r.Context(), req.ChallengeToken, req.RecoveryCode)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondPair(w, pair, req.UseCookies)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	UseCookies   bool   `json:"use_cookies"`
}

// HandleRefresh handles POST /auth/refresh. The refresh value comes from the
// body for bearer clients or the refresh cookie for browser clients.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		// A missing body is fine for cookie clients.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			req = refreshRequest{}
		}
	}
	if !h.refreshLimiter.Allow(middleware.ClientIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	fromCookie := req.RefreshToken == ""
	value := refreshFromRequest(r, strings.TrimSpace(req.RefreshToken))
	if value == "" {
		respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.service.Refresh(r.Context(), value)
	if err != nil {
		if fromCookie {
			// A dead session should not keep resubmitting stale cookies.
			h.cookies.clear(w)
		}
		h.respondServiceError(w, err)
		return
	}
	h.respondPair(w, pair, req.UseCookies || fromCookie)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleLogout handles POST /auth/logout.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			req = logoutRequest{}
		}
	}
	value := refreshFromRequest(r, strings.TrimSpace(req.RefreshToken))
	if value == "" {
		respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	err := h.service.Logout(r.Context(), value)
	// Cookies are cleared even when the token was already dead; logout is
	// idempotent from the client's point of view.
	h.cookies.clear(w)
	if err != nil && auth.KindOf(err) != auth.KindTokenNotFound {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type externalURLResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// HandleExternalURL handles GET /auth/external/{provider}/url.
func (h *AuthHandler) HandleExternalURL(providerParam func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		url, err := h.service.AuthorizationURL(
			providerParam(r), q.Get("state"), q.Get("redirect_uri"), q.Get("nonce"),
		)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, externalURLResponse{AuthorizationURL: url})
	}
}

type externalLoginRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
	RememberMe  bool   `json:"remember_me"`
	UseCookies  bool   `json:"use_cookies"`
}

// HandleExternalLogin handles POST /auth/external/{provider}.
func (h *AuthHandler) HandleExternalLogin(providerParam func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req externalLoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !h.loginLimiter.Allow(middleware.ClientIPKey(r)) {
			respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		out, err := h.service.ExternalLogin(r.Context(), providerParam(r), req.Code, req.RedirectURI, req.RememberMe)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		h.respondLoginOutcome(w, out, req.UseCookies)
	}
}

// HandleMe handles GET /me.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(user))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	UseCookies      bool   `json:"use_cookies"`
}

// HandleChangePassword handles POST /me/password. Every other session of the
// user dies; the caller gets a fresh pair in the response.
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := h.service.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondPair(w, pair, req.UseCookies)
}

type twoFactorSetupRequest struct {
	Password string `json:"password"`
}

type twoFactorSetupResponse struct {
	Secret        string   `json:"secret"`
	KeyURI        string   `json:"key_uri"`
	RecoveryCodes []string `json:"recovery_codes"`
}

// HandleTwoFactorSetup handles POST /me/2fa/setup.
func (h *AuthHandler) HandleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req twoFactorSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	secret, keyURI, codes, err := h.service.BeginTwoFactorSetup(r.Context(), user.ID, req.Password)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, twoFactorSetupResponse{Secret: secret, KeyURI: keyURI, RecoveryCodes: codes})
}

type twoFactorEnableRequest struct {
	Code string `json:"code"`
}

// HandleTwoFactorEnable handles POST /me/2fa/enable.
func (h *AuthHandler) HandleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req twoFactorEnableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.EnableTwoFactor(r.Context(), user.ID, strings.TrimSpace(req.Code)); err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "two-factor authentication enabled"})
}

type regenerateRecoveryRequest struct {
	Password string `json:"password"`
}

type regenerateRecoveryResponse struct {
	RecoveryCodes []string `json:"recovery_codes"`
}

// HandleRegenerateRecoveryCodes handles POST /me/2fa/recovery_codes.
func (h *AuthHandler) HandleRegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req regenerateRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	codes, err := h.service.RegenerateRecoveryCodes(r.Context(), user.ID, req.Password)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, regenerateRecoveryResponse{RecoveryCodes: codes})
}

func (h *AuthHandler) respondLoginOutcome(w http.ResponseWriter, out *auth.LoginOutcome, useCookies bool) {
	if out.RequiresTwoFactor {
		respondJSON(w, http.StatusOK, loginResponse{
			RequiresTwoFactor: true,
			ChallengeToken:    out.ChallengeToken,
		})
		return
	}
	h.respondPair(w, out.Pair, useCookies)
}

func (h *AuthHandler) respondPair(w http.ResponseWriter, pair *auth.TokenPair, useCookies bool) {
	resp := tokenPairResponse{
		TokenType:        "bearer",
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if useCookies {
		h.cookies.writePair(w, pair)
	} else {
		resp.AccessToken = pair.AccessToken
		resp.RefreshToken = pair.RefreshToken
	}
	respondJSON(w, http.StatusOK, loginResponse{Tokens: &resp})
}

// respondServiceError maps the service error taxonomy to HTTP statuses. The
// token reuse outcome maps identically to expiry so the response carries no
// theft-detection signal.
func (h *AuthHandler) respondServiceError(w http.ResponseWriter, err error) {
	kind := auth.KindOf(err)
	var status int
	switch kind {
	case auth.KindValidation, auth.KindTokenMissing:
		status = http.StatusBadRequest
	case auth.KindInvalidCredentials, auth.KindUnauthorized,
		auth.KindTokenNotFound, auth.KindTokenExpired,
		auth.KindTokenInvalidated, auth.KindTokenReused,
		auth.KindChallengeNotFound, auth.KindChallengeExpired,
		auth.KindChallengeLocked, auth.KindInvalidCode:
		status = http.StatusUnauthorized
	case auth.KindAccountLocked:
		status = http.StatusForbidden
	case auth.KindProviderExchangeFailed:
		status = http.StatusBadGateway
	case auth.KindNoUsableEmail:
		status = http.StatusUnprocessableEntity
	default:
		h.logger.Error("unhandled service error", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	respondWithError(w, status, err.Error())
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:               u.ID.String(),
		Email:            u.Email,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}

// respondWithError sends a JSON error response.
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
