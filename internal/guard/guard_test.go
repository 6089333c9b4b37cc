package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"admin-security/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"

type captureRecorder struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (c *captureRecorder) Ingest(ctx context.Context, e *models.AuditEvent) (*models.AuditEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return e, nil
}

func (c *captureRecorder) types() []models.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestGuard(now *time.Time, rec EventRecorder) *Guard {
	limiter := NewRateLimiter(NewMemoryRateStore(), DefaultRateLimiterConfig())
	return New(limiter, NewBotDetector(nil, nil), NewClientIPResolver(false, nil),
		WithRecorder(rec),
		WithClock(func() time.Time { return *now }),
	)
}

func newRequest(method, path string) *http.Request {
	r := httptest.NewRequest(method, "https://admin.example.com"+path, nil)
	r.Host = "admin.example.com"
	r.RemoteAddr = "198.51.100.7:51234"
	r.Header.Set("User-Agent", browserUA)
	return r
}

func TestRateLimiter_SixthAuthRequestDenied(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(NewMemoryRateStore(), DefaultRateLimiterConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "198.51.100.7", "/api/v1/auth/login", now)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := l.Allow(ctx, "198.51.100.7", "/api/v1/auth/login", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ClassAuth, d.Class)
	assert.Equal(t, 14*time.Minute, d.RetryAfter)

	// other clients are unaffected
	d, err = l.Allow(ctx, "198.51.100.8", "/api/v1/auth/login", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "198.51.100.7", "/api/v1/auth/login", now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_GlobalCountsEveryRequest(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultRateLimiterConfig()
	cfg.Global = Rule{MaxRequests: 3, Window: time.Minute}
	l := NewRateLimiter(NewMemoryRateStore(), cfg)
	ctx := context.Background()

	for _, path := range []string{"/api/v1/admin/me", "/health", "/api/v1/admin/roles"} {
		d, err := l.Allow(ctx, "c", path, now)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "c", "/api/v1/admin/me", now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ClassGlobal, d.Class)
}

func TestRateLimiter_ConcurrentNeverUndercounts(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(NewMemoryRateStore(), DefaultRateLimiterConfig())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "c", "/api/v1/auth/login", now)
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, allowed)
}

func TestRetryAfter_RoundsUpWithFloor(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Second, RetryAfter(now.Add(1500*time.Millisecond), now))
	assert.Equal(t, time.Second, RetryAfter(now.Add(10*time.Millisecond), now))
	assert.Equal(t, time.Second, RetryAfter(now.Add(-time.Second), now))
}

func TestMemoryRateStore_Expire(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryRateStore()
	ctx := context.Background()

	_, err := s.Increment(ctx, "a", time.Minute, now)
	require.NoError(t, err)
	_, err = s.Increment(ctx, "b", time.Hour, now)
	require.NoError(t, err)

	n, err := s.Expire(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())

	_, ok, err := s.Get(ctx, "b", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		origin  string
		referer string
		want    string
	}{
		{"safe get", http.MethodGet, "", "", ""},
		{"safe options", http.MethodOptions, "https://evil.example", "", ""},
		{"matching origin", http.MethodPost, "https://admin.example.com", "", ""},
		{"mismatched origin", http.MethodPost, "https://evil.example", "", OriginReasonMismatch},
		{"null origin", http.MethodPost, "null", "", OriginReasonNull},
		{"referer fallback", http.MethodDelete, "", "https://admin.example.com/dashboard", ""},
		{"mismatched referer", http.MethodPut, "", "https://evil.example/x", OriginReasonMismatch},
		{"missing both", http.MethodPost, "", "", OriginReasonMissing},
		{"unparsable", http.MethodPost, "::not a url", "", OriginReasonInvalid},
		{"port differs", http.MethodPost, "https://admin.example.com:8443", "", OriginReasonMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRequest(tt.method, "/api/v1/admin/identities")
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				r.Header.Set("Referer", tt.referer)
			}
			assert.Equal(t, tt.want, CheckOrigin(r))
		})
	}
}

func TestBotDetector(t *testing.T) {
	d := NewBotDetector(nil, nil)

	assert.Equal(t, BotReasonMissingUA, d.Check("", "/health"))
	assert.Equal(t, BotReasonSignature, d.Check("Googlebot/2.1", "/api/v1/admin/me"))
	assert.Equal(t, BotReasonSignature, d.Check("curl/8.5.0", "/api/v1/auth/login"))
	assert.Empty(t, d.Check("Googlebot/2.1", "/health"))
	assert.Empty(t, d.Check(browserUA, "/api/v1/admin/me"))
}

func TestClientIPResolver(t *testing.T) {
	r := newRequest(http.MethodGet, "/")
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.Header.Set("X-Real-IP", "203.0.113.6")

	assert.Equal(t, "198.51.100.7", NewClientIPResolver(false, nil).Resolve(r))
	assert.Equal(t, "203.0.113.5", NewClientIPResolver(true, nil).Resolve(r))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "203.0.113.6", NewClientIPResolver(true, nil).Resolve(r))

	r.Header.Del("X-Real-IP")
	r.Header.Set("CF-Connecting-IP", "garbage")
	assert.Equal(t, "198.51.100.7", NewClientIPResolver(true, nil).Resolve(r))
}

func TestGuard_OrderRateLimitFirst(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &captureRecorder{}
	g := newTestGuard(&now, rec)

	// a bot without UA hitting the auth class: first 5 are rejected as bots,
	// the 6th by the rate limiter
	for i := 0; i < 5; i++ {
		r := newRequest(http.MethodPost, "/api/v1/auth/login")
		r.Header.Del("User-Agent")
		v := g.Check(r)
		require.Equal(t, ReasonBot, v.Reason)
	}
	r := newRequest(http.MethodPost, "/api/v1/auth/login")
	r.Header.Del("User-Agent")
	v := g.Check(r)
	assert.Equal(t, ReasonRateLimited, v.Reason)

	types := rec.types()
	require.Len(t, types, 6)
	assert.Equal(t, models.EventSuspiciousRequest, types[0])
	assert.Equal(t, models.EventRateLimitExceeded, types[5])
}

func TestGuard_BotBeforeOrigin(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &captureRecorder{}
	g := newTestGuard(&now, rec)

	r := newRequest(http.MethodPost, "/api/v1/admin/identities")
	r.Header.Set("User-Agent", "python-requests/2.31")
	r.Header.Set("Origin", "https://evil.example")
	assert.Equal(t, ReasonBot, g.Check(r).Reason)

	r = newRequest(http.MethodPost, "/api/v1/admin/identities")
	r.Header.Set("Origin", "https://evil.example")
	v := g.Check(r)
	assert.Equal(t, ReasonOrigin, v.Reason)
	assert.Equal(t, OriginReasonMismatch, v.Detail)
	assert.Equal(t, models.EventCSRFRejected, rec.types()[1])
}

func TestGuard_Middleware(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGuard(&now, &captureRecorder{})

	var seenIP string
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenIP = ClientIP(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, newRequest(http.MethodGet, "/api/v1/auth/status"))
		require.Equal(t, http.StatusNoContent, w.Code)
	}
	assert.Equal(t, "198.51.100.7", seenIP)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, newRequest(http.MethodGet, "/api/v1/auth/status"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/api/v1/admin/sessions/logout")
	r.Header.Set("Origin", "null")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(ReasonOrigin))
}
