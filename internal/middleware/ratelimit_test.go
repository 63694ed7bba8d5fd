package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/halcyonlabs/authcore/internal/clock"
)

func TestSlidingWindowAllowsUpToBudget(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sw := NewSlidingWindow(time.Minute, 3, clk)
	defer sw.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, sw.Allow("k"), "hit %d", i)
	}
	assert.False(t, sw.Allow("k"))
}

func TestSlidingWindowRecoversAfterWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sw := NewSlidingWindow(time.Minute, 1, clk)
	defer sw.Close()

	assert.True(t, sw.Allow("k"))
	assert.False(t, sw.Allow("k"))

	clk.Advance(61 * time.Second)
	assert.True(t, sw.Allow("k"))
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sw := NewSlidingWindow(time.Minute, 1, clk)
	defer sw.Close()

	assert.True(t, sw.Allow("a"))
	assert.True(t, sw.Allow("b"))
	assert.False(t, sw.Allow("a"))
}

func TestRateLimitMiddleware(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sw := NewSlidingWindow(time.Minute, 1, clk)
	defer sw.Close()

	h := RateLimit(sw, ClientIPKey)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "10.0.0.1:4321"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestClientIPKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:4321"
	assert.Equal(t, "ip:10.0.0.1", ClientIPKey(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.7", ClientIPKey(r))
}
