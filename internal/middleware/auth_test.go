package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/authcore/internal/model"
)

type stubVerifier struct {
	token string
	user  model.User
}

func (s stubVerifier) VerifyAccess(_ context.Context, accessToken string) (model.User, error) {
	if accessToken == s.token {
		return s.user, nil
	}
	return model.User{}, errors.New("bad token")
}

func protectedHandler(t *testing.T, wantUser model.User) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFrom(r.Context())
		require.True(t, ok)
		assert.Equal(t, wantUser.ID, user.ID)
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthBearer(t *testing.T) {
	user := model.User{ID: uuid.New(), Email: "ada@example.com"}
	verifier := stubVerifier{token: "good-token", user: user}
	h := RequireAuth(verifier)(protectedHandler(t, user))

	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuthCookie(t *testing.T) {
	user := model.User{ID: uuid.New(), Email: "ada@example.com"}
	verifier := stubVerifier{token: "good-token", user: user}
	h := RequireAuth(verifier)(protectedHandler(t, user))

	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.AddCookie(&http.Cookie{Name: AccessCookieName, Value: "good-token"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuthBearerWinsOverCookie(t *testing.T) {
	user := model.User{ID: uuid.New(), Email: "ada@example.com"}
	verifier := stubVerifier{token: "good-token", user: user}
	h := RequireAuth(verifier)(protectedHandler(t, user))

	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.Header.Set("Authorization", "Bearer stale-token")
	r.AddCookie(&http.Cookie{Name: AccessCookieName, Value: "good-token"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	// the header's stale token is the one verified, and it fails
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuthMissingToken(t *testing.T) {
	verifier := stubVerifier{token: "good-token"}
	called := false
	h := RequireAuth(verifier)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestRequireAuthRejectsInvalid(t *testing.T) {
	verifier := stubVerifier{token: "good-token"}
	h := RequireAuth(verifier)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.Header.Set("Authorization", "Bearer forged")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBearerTokenParsing(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		assert.Equal(t, tc.want, bearerToken(r), "header %q", tc.header)
	}
}
