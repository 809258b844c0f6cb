package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func hit(h http.Handler, remote, path string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	for _, kv := range securityHeaders {
		assert.Equal(t, kv[1], w.Header().Get(kv[0]))
	}
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "no HSTS over plain HTTP")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestRateLimitSpendsBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RPS: 0.1, Burst: 3})(okHandler)

	codes := map[int]int{}
	for range 10 {
		codes[hit(h, "192.168.1.1:12345", "/api/v1/tenants/acme/chat")]++
	}
	assert.Equal(t, map[int]int{http.StatusOK: 3, http.StatusTooManyRequests: 7}, codes)
}

func TestRateLimitKeysOnClientAndTenant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RPS: 0.1, Burst: 1})(okHandler)

	require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", "/api/v1/tenants/acme/chat"))
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:1", "/api/v1/tenants/acme/agents"))
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", "/api/v1/tenants/globex/chat"), "other tenant has its own bucket")
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:1", "/api/v1/tenants/acme/chat"), "other client has its own bucket")
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler)
	for range 50 {
		require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1", "/healthz"))
	}
}

func TestLimitersSweepIdle(t *testing.T) {
	l := &limiters{cfg: RateLimitConfig{RPS: 1, Burst: 1, IdleAfter: time.Minute}, buckets: map[string]*bucket{}}
	now := time.Now()
	l.allow("a", now)
	l.allow("b", now.Add(50*time.Second))

	l.sweep(now.Add(90 * time.Second))
	assert.NotContains(t, l.buckets, "a")
	assert.Contains(t, l.buckets, "b")
	assert.True(t, l.allow("a", now.Add(91*time.Second)), "swept caller starts with a full bucket")
}

func TestTenantOf(t *testing.T) {
	assert.Equal(t, "acme", tenantOf("/api/v1/tenants/acme/agents/billing"))
	assert.Equal(t, "acme", tenantOf("/api/v1/tenants/acme"))
	assert.Empty(t, tenantOf("/healthz"))
	assert.Empty(t, tenantOf("/metrics"))
}

func TestClientIP(t *testing.T) {
	proxies := parseProxies([]string{"192.168.1.1", "10.8.0.0/16", "not-an-ip"})
	require.Len(t, proxies, 2)

	cases := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"untrusted peer ignores forwarding", "1.2.3.4:12345", "8.8.8.8", "", "1.2.3.4"},
		{"trusted address takes first hop", "192.168.1.1:12345", "203.0.113.1, 198.51.100.1", "", "203.0.113.1"},
		{"trusted prefix", "10.8.3.7:443", "203.0.113.5", "", "203.0.113.5"},
		{"x-real-ip fallback", "192.168.1.1:12345", "", "203.0.113.9", "203.0.113.9"},
		{"trusted without headers", "10.8.0.1:1", "", "", "10.8.0.1"},
		{"ipv6 peer", "[::1]:8080", "8.8.8.8", "", "::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}
			assert.Equal(t, tc.want, clientIP(req, proxies))
		})
	}

	assert.True(t, proxies[1].Contains(netip.MustParseAddr("10.8.255.1")))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://basecamp.example"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tenants/acme/chat", nil)
	req.Header.Set("Origin", "https://basecamp.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://basecamp.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var mbe *http.MaxBytesError
		buf := make([]byte, 16)
		for {
			_, err := r.Body.Read(buf)
			if err == nil {
				continue
			}
			if assert.ErrorAs(t, err, &mbe) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
			}
			return
		}
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(okHandler, mw("outer"), mw("inner")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
