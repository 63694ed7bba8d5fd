package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/halcyonlabs/authcore/internal/clock"
)

// SlidingWindow is an in-memory rate limiter keyed by an arbitrary string.
// Credential endpoints key by client IP so a guessing loop is throttled
// before it reaches bcrypt.
type SlidingWindow struct {
	mu      sync.Mutex
	seen    map[string][]time.Time
	window  time.Duration
	maxHits int
	clock   clock.Clock
	stop    chan struct{}
}

func NewSlidingWindow(window time.Duration, maxHits int, clk clock.Clock) *SlidingWindow {
	if clk == nil {
		clk = clock.System{}
	}
	sw := &SlidingWindow{
		seen:    make(map[string][]time.Time),
		window:  window,
		maxHits: maxHits,
		clock:   clk,
		stop:    make(chan struct{}),
	}
	go sw.sweep()
	return sw
}

// Allow records a hit and reports whether the key is still under its budget.
func (sw *SlidingWindow) Allow(key string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.clock.Now()
	cutoff := now.Add(-sw.window)

	kept := sw.seen[key][:0]
	for _, t := range sw.seen[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= sw.maxHits {
		sw.seen[key] = kept
		return false
	}
	sw.seen[key] = append(kept, now)
	return true
}

// Close stops the background sweeper.
func (sw *SlidingWindow) Close() {
	close(sw.stop)
}

func (sw *SlidingWindow) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			sw.mu.Lock()
			cutoff := sw.clock.Now().Add(-sw.window)
			for key, hits := range sw.seen {
				stale := true
				for _, t := range hits {
					if t.After(cutoff) {
						stale = false
						break
					}
				}
				if stale {
					delete(sw.seen, key)
				}
			}
			sw.mu.Unlock()
		}
	}
}

// RateLimit rejects over-budget requests with 429 and a Retry-After hint.
func RateLimit(limiter *SlidingWindow, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.window/time.Second)))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests, slow down"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKey keys the limiter by client IP, honoring the first hop of
// X-Forwarded-For when a proxy sits in front.
func ClientIPKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			first = forwarded[:i]
		}
		return "ip:" + strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
