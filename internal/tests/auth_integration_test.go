package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/authcore/internal/audit"
	"github.com/halcyonlabs/authcore/internal/auth"
	"github.com/halcyonlabs/authcore/internal/clock"
	"github.com/halcyonlabs/authcore/internal/config"
	"github.com/halcyonlabs/authcore/internal/db"
	httprouter "github.com/halcyonlabs/authcore/internal/http"
	"github.com/halcyonlabs/authcore/internal/http/handlers"
	"github.com/halcyonlabs/authcore/internal/repo"
	"github.com/halcyonlabs/authcore/internal/token"
	"github.com/halcyonlabs/authcore/internal/totp"

	_ "github.com/lib/pq"
)

func TestMain(m *testing.M) {
	// Do NOT set DATABASE_URL; integration tests skip when it is missing.
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}
	if os.Getenv("SECURE_COOKIES") == "" {
		os.Setenv("SECURE_COOKIES", "false")
	}
	os.Exit(m.Run())
}

type testServer struct {
	Server *httptest.Server
	DB     *sql.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, RunMigrations(database), "migrations must run successfully")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec, err := token.NewCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTokenTTL, clock.System{})
	require.NoError(t, err)

	dispatcher := audit.NewDispatcher(audit.SlogSink{Logger: logger}, 64)
	t.Cleanup(dispatcher.Close)

	svc := auth.NewService(auth.Deps{
		Users:      repo.NewUserRepo(database),
		Tokens:     repo.NewRefreshTokenRepo(database),
		Challenges: repo.NewChallengeRepo(database),
		Recovery:   repo.NewRecoveryCodeRepo(database),
		Codec:      codec,
		Audit:      dispatcher,
		Logger:     logger,
		Options: auth.Options{
			SessionRefreshTTL:    cfg.SessionRefreshTTL,
			PersistentRefreshTTL: cfg.PersistentRefreshTTL,
			ChallengeTTL:         cfg.TwoFactorTTL,
			MaxChallengeAttempts: cfg.TwoFactorMaxAttempts,
			RecoveryCodeCount:    cfg.RecoveryCodeCount,
			TOTPIssuer:           cfg.JWTIssuer,
		},
	})

	authHandler := handlers.NewAuthHandler(svc, cfg.SecureCookies, cfg.CookieDomain, logger)
	t.Cleanup(authHandler.Close)

	router := httprouter.NewRouter(authHandler, handlers.NewHealthHandler(database), svc)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, DB: database}
}

func (s *testServer) BaseURL() string { return s.Server.URL }

func (s *testServer) TruncateAuth(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateAuthTables(context.Background(), s.DB), "truncate auth tables")
}

func (s *testServer) postJSON(t *testing.T, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.BaseURL()+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	// Per-test client identity keeps the per-IP limiters of subtests independent.
	req.Header.Set("X-Forwarded-For", t.Name())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (s *testServer) getJSON(t *testing.T, path string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.BaseURL()+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", t.Name())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

type tokenPairBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type loginBody struct {
	RequiresTwoFactor bool           `json:"requires_two_factor"`
	ChallengeToken    string         `json:"challenge_token"`
	Tokens            *tokenPairBody `json:"tokens"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *testServer) register(t *testing.T, email, password string) {
	t.Helper()
	resp, raw := s.postJSON(t, "/auth/register", map[string]any{"email": email, "password": password}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "register must return 201; body: %s", raw)
}

func (s *testServer) login(t *testing.T, email, password string, rememberMe bool) loginBody {
	t.Helper()
	resp, raw := s.postJSON(t, "/auth/login", map[string]any{
		"email": email, "password": password, "remember_me": rememberMe,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "login must return 200; body: %s", raw)
	var body loginBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestAuthIntegration(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ts := newTestServer(t)

	t.Run("A_Health", func(t *testing.T) {
		resp, _ := ts.getJSON(t, "/health/live", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp, _ = ts.getJSON(t, "/health/ready", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("B_RegisterAndLogin", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")

		body := ts.login(t, "ada@example.com", "correct horse battery", false)
		require.NotNil(t, body.Tokens)
		assert.False(t, body.RequiresTwoFactor)
		assert.NotEmpty(t, body.Tokens.AccessToken)
		assert.NotEmpty(t, body.Tokens.RefreshToken)
		assert.Equal(t, "bearer", body.Tokens.TokenType)
	})

	t.Run("B2_LoginWrongPassword", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")

		resp, raw := ts.postJSON(t, "/auth/login", map[string]any{
			"email": "ada@example.com", "password": "wrong",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "body: %s", raw)
	})

	t.Run("C_RefreshRotationAndReuse", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")
		first := ts.login(t, "ada@example.com", "correct horse battery", false)

		// rotate
		resp, raw := ts.postJSON(t, "/auth/refresh", map[string]any{"refresh_token": first.Tokens.RefreshToken}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
		var second loginBody
		require.NoError(t, json.Unmarshal(raw, &second))
		require.NotNil(t, second.Tokens)
		assert.NotEqual(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)

		// replaying the spent token revokes the family
		resp, reuseRaw := ts.postJSON(t, "/auth/refresh", map[string]any{"refresh_token": first.Tokens.RefreshToken}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// the successor dies with it, and with the same client-visible error
		resp, successorRaw := ts.postJSON(t, "/auth/refresh", map[string]any{"refresh_token": second.Tokens.RefreshToken}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var reuseErr, successorErr errorBody
		require.NoError(t, json.Unmarshal(reuseRaw, &reuseErr))
		require.NoError(t, json.Unmarshal(successorRaw, &successorErr))
		assert.Equal(t, reuseErr.Error, successorErr.Error, "reuse must not be distinguishable from invalidation")
	})

	t.Run("D_LogoutInvalidatesToken", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")
		session := ts.login(t, "ada@example.com", "correct horse battery", false)

		resp, raw := ts.postJSON(t, "/auth/logout", map[string]any{"refresh_token": session.Tokens.RefreshToken}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

		resp, _ = ts.postJSON(t, "/auth/refresh", map[string]any{"refresh_token": session.Tokens.RefreshToken}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("E_MeRequiresAuth", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")
		session := ts.login(t, "ada@example.com", "correct horse battery", false)

		resp, _ := ts.getJSON(t, "/me", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, raw := ts.getJSON(t, "/me", map[string]string{"Authorization": "Bearer " + session.Tokens.AccessToken})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
		var me struct {
			Email string `json:"email"`
		}
		require.NoError(t, json.Unmarshal(raw, &me))
		assert.Equal(t, "ada@example.com", me.Email)
	})

	t.Run("F_CookieTransport", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")

		resp, raw := ts.postJSON(t, "/auth/login", map[string]any{
			"email": "ada@example.com", "password": "correct horse battery", "use_cookies": true,
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

		var body loginBody
		require.NoError(t, json.Unmarshal(raw, &body))
		require.NotNil(t, body.Tokens)
		// token values travel in cookies, not the body
		assert.Empty(t, body.Tokens.AccessToken)
		assert.Empty(t, body.Tokens.RefreshToken)

		var accessCookie, refreshCookie *http.Cookie
		for _, c := range resp.Cookies() {
			switch c.Name {
			case "access_token":
				accessCookie = c
			case "refresh_token":
				refreshCookie = c
			}
		}
		require.NotNil(t, accessCookie, "access cookie must be set")
		require.NotNil(t, refreshCookie, "refresh cookie must be set")
		assert.True(t, accessCookie.HttpOnly)
		assert.True(t, refreshCookie.HttpOnly)
		assert.Equal(t, "/auth", refreshCookie.Path)

		// the access cookie authenticates /me
		req, err := http.NewRequest(http.MethodGet, ts.BaseURL()+"/me", nil)
		require.NoError(t, err)
		req.AddCookie(accessCookie)
		meResp, err := ts.Server.Client().Do(req)
		require.NoError(t, err)
		meResp.Body.Close()
		assert.Equal(t, http.StatusOK, meResp.StatusCode)

		// the refresh cookie drives /auth/refresh without a body field
		req, err = http.NewRequest(http.MethodPost, ts.BaseURL()+"/auth/refresh", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(refreshCookie)
		refreshResp, err := ts.Server.Client().Do(req)
		require.NoError(t, err)
		defer refreshResp.Body.Close()
		assert.Equal(t, http.StatusOK, refreshResp.StatusCode)
		var rotated bool
		for _, c := range refreshResp.Cookies() {
			if c.Name == "refresh_token" && c.Value != "" && c.Value != refreshCookie.Value {
				rotated = true
			}
		}
		assert.True(t, rotated, "refresh must rotate the cookie value")
	})

	t.Run("G_ChangePasswordRevokesSessions", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")
		session := ts.login(t, "ada@example.com", "correct horse battery", false)
		other := ts.login(t, "ada@example.com", "correct horse battery", false)

		resp, raw := ts.postJSON(t, "/me/password", map[string]any{
			"current_password": "correct horse battery",
			"new_password":     "an even longer phrase",
		}, map[string]string{"Authorization": "Bearer " + session.Tokens.AccessToken})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
		var fresh loginBody
		require.NoError(t, json.Unmarshal(raw, &fresh))
		require.NotNil(t, fresh.Tokens)

		// the other session's refresh token is dead
		resp, _ = ts.postJSON(t, "/auth/refresh", map[string]any{"refresh_token": other.Tokens.RefreshToken}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// its unexpired access token is rejected by the stamp check
		resp, _ = ts.getJSON(t, "/me", map[string]string{"Authorization": "Bearer " + other.Tokens.AccessToken})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// the fresh pair works
		resp, _ = ts.getJSON(t, "/me", map[string]string{"Authorization": "Bearer " + fresh.Tokens.AccessToken})
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		// old password no longer logs in
		resp, _ = ts.postJSON(t, "/auth/login", map[string]any{
			"email": "ada@example.com", "password": "correct horse battery",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("H_TwoFactorFlow", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")
		session := ts.login(t, "ada@example.com", "correct horse battery", false)
		authz := map[string]string{"Authorization": "Bearer " + session.Tokens.AccessToken}

		// enroll
		resp, raw := ts.postJSON(t, "/me/2fa/setup", map[string]any{"password": "correct horse battery"}, authz)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
		var setup struct {
			Secret        string   `json:"secret"`
			KeyURI        string   `json:"key_uri"`
			RecoveryCodes []string `json:"recovery_codes"`
		}
		require.NoError(t, json.Unmarshal(raw, &setup))
		require.NotEmpty(t, setup.Secret)
		assert.Contains(t, setup.KeyURI, "otpauth://totp/")
		require.Len(t, setup.RecoveryCodes, 10)

		code, err := totp.GenerateCode(setup.Secret, time.Now())
		require.NoError(t, err)
		resp, raw = ts.postJSON(t, "/me/2fa/enable", map[string]any{"code": code}, authz)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

		// login now defers to a challenge
		challenge := ts.login(t, "ada@example.com", "correct horse battery", true)
		require.True(t, challenge.RequiresTwoFactor)
		require.NotEmpty(t, challenge.ChallengeToken)
		assert.Nil(t, challenge.Tokens)

		// wrong code fails, correct code completes
		resp, _ = ts.postJSON(t, "/auth/2fa/verify", map[string]any{
			"challenge_token": challenge.ChallengeToken, "code": "000000",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		code, err = totp.GenerateCode(setup.Secret, time.Now())
		require.NoError(t, err)
		resp, raw = ts.postJSON(t, "/auth/2fa/verify", map[string]any{
			"challenge_token": challenge.ChallengeToken, "code": code,
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
		var verified loginBody
		require.NoError(t, json.Unmarshal(raw, &verified))
		require.NotNil(t, verified.Tokens)
		assert.NotEmpty(t, verified.Tokens.AccessToken)

		// the consumed challenge cannot issue a second pair
		resp, _ = ts.postJSON(t, "/auth/2fa/verify", map[string]any{
			"challenge_token": challenge.ChallengeToken, "code": code,
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("I_RecoveryCodeFlow", func(t *testing.T) {
		ts.TruncateAuth(t)
		ts.register(t, "ada@example.com", "correct horse battery")
		session := ts.login(t, "ada@example.com", "correct horse battery", false)
		authz := map[string]string{"Authorization": "Bearer " + session.Tokens.AccessToken}

		resp, raw := ts.postJSON(t, "/me/2fa/setup", map[string]any{"password": "correct horse battery"}, authz)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
		var setup struct {
			Secret        string   `json:"secret"`
			RecoveryCodes []string `json:"recovery_codes"`
		}
		require.NoError(t, json.Unmarshal(raw, &setup))

		code, err := totp.GenerateCode(setup.Secret, time.Now())
		require.NoError(t, err)
		resp, _ = ts.postJSON(t, "/me/2fa/enable", map[string]any{"code": code}, authz)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		challenge := ts.login(t, "ada@example.com", "correct horse battery", false)
		require.True(t, challenge.RequiresTwoFactor)

		resp, raw = ts.postJSON(t, "/auth/2fa/recovery", map[string]any{
			"challenge_token": challenge.ChallengeToken,
			"recovery_code":   setup.RecoveryCodes[0],
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

		// the burned code is single-use
		challenge = ts.login(t, "ada@example.com", "correct horse battery", false)
		resp, _ = ts.postJSON(t, "/auth/2fa/recovery", map[string]any{
			"challenge_token": challenge.ChallengeToken,
			"recovery_code":   setup.RecoveryCodes[0],
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
