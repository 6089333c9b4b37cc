package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"admin-security/internal/audit"
	"admin-security/internal/authz"
	"admin-security/internal/config"
	"admin-security/internal/encryption"
	"admin-security/internal/guard"
	"admin-security/internal/hashing"
	"admin-security/internal/models"
	"admin-security/internal/repository/memory"
	"admin-security/internal/service"
	"admin-security/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =========================
// Test helpers
// =========================

const (
	testHost     = "admin.example.com"
	testOrigin   = "https://admin.example.com"
	testKey      = "internal-test-key"
	browserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15"
)

type testServer struct {
	t          *testing.T
	router     chi.Router
	handler    *AdminHandler
	identities *service.IdentityService
	trail      *audit.Trail
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()

	hasher, err := hashing.NewTokenHasherFromKeys([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	secrets, err := encryption.NewLocalEncryptionManager([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	trail := audit.NewTrail(store.Audit, audit.DefaultConfig(), audit.WithLogger(logger))
	trail.Start()
	t.Cleanup(func() { _ = trail.Shutdown(context.Background()) })

	catalog := authz.NewCatalog()
	registry := authz.NewRegistry(catalog)
	sessCfg := session.DefaultConfig()
	sessCfg.Heuristic.Burst = 100
	sessions := session.NewManager(store.Sessions, store.Identities, hasher, sessCfg, session.WithLogger(logger))

	cfg := &config.Config{
		Server: config.ServerConfig{
			RequestTimeout: 5 * time.Second,
			AllowedOrigins: []string{testOrigin},
			InternalAPIKey: testKey,
		},
		Session: config.SessionConfig{CookieName: "admin_session"},
		MFA:     config.MFAConfig{Issuer: "admin-security-test", Validity: 15 * time.Minute},
		Sweeper: config.SweeperConfig{Interval: time.Minute},
	}

	limiter := guard.NewRateLimiter(guard.NewMemoryRateStore(), guard.DefaultRateLimiterConfig())
	g := guard.New(limiter, guard.NewBotDetector(nil, nil), guard.NewClientIPResolver(false, nil),
		guard.WithRecorder(trail), guard.WithLogger(logger))

	services := service.NewServiceFactory(service.Dependencies{
		Config:   cfg,
		Store:    store,
		Catalog:  catalog,
		Registry: registry,
		Sessions: sessions,
		Trail:    trail,
		Secrets:  secrets,
		Guard:    g,
		Logger:   logger,
	})
	require.NoError(t, services.PolicyService().Bootstrap(context.Background()))

	h := NewAdminHandler(services, cfg, logger)
	return &testServer{
		t:          t,
		router:     NewRouter(cfg, h, g, checks, logger),
		handler:    h,
		identities: services.IdentityService(),
		trail:      trail,
	}
}

func (s *testServer) seed(userID string, role models.RoleName) *models.AdminIdentity {
	s.t.Helper()
	a, err := s.identities.Create(context.Background(), nil, &service.CreateIdentityRequest{UserID: userID, Role: role})
	require.NoError(s.t, err)
	return a
}

func (s *testServer) do(method, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, "https://"+testHost+path, &buf)
	r.Host = testHost
	r.RemoteAddr = "198.51.100.7:51234"
	r.Header.Set("User-Agent", browserAgent)
	r.Header.Set("Content-Type", "application/json")
	if !guard.IsSafeMethod(method) {
		r.Header.Set("Origin", testOrigin)
	}
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func withInternalKey(key string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(internalKeyHeader, key) }
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// login issues a session through the internal endpoint and returns its token.
func (s *testServer) login(userID string) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/auth/sessions", issueSessionRequest{
		UserID: userID,
		Device: models.DeviceInfo{DeviceType: "desktop", OS: "macos", Browser: "safari"},
	}, withInternalKey(testKey))
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data issueSessionResponse `json:"data"`
	}
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(s.t, resp.Data.Token)
	return resp.Data.Token
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Meta    *Meta           `json:"meta"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), w.Body.String())
	return e
}

// =========================
// Health and routing
// =========================

func TestHealth_ReportsEachCheck(t *testing.T) {
	s := newTestServer(t, map[string]HealthCheck{
		"store": func(ctx context.Context) error { return nil },
	})
	w := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body healthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])
}

func TestHealth_FailingCheckIs503(t *testing.T) {
	s := newTestServer(t, map[string]HealthCheck{
		"store": func(ctx context.Context) error { return nil },
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	w := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body healthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unavailable", body.Checks["redis"])
}

func TestRouter_UnknownRouteIsJSON404(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

// =========================
// Session issuance
// =========================

func TestIssueSession_RequiresInternalKey(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)

	w := s.do(http.MethodPost, "/api/v1/auth/sessions", issueSessionRequest{UserID: "user-1"}, withInternalKey("wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, decode(t, w).Success)
}

func TestIssueSession_SetsHardenedCookie(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)

	w := s.do(http.MethodPost, "/api/v1/auth/sessions", issueSessionRequest{
		UserID: "user-1",
		Device: models.DeviceInfo{DeviceType: "desktop", OS: "macos", Browser: "safari"},
	}, withInternalKey(testKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "admin_session", c.Name)
	assert.NotEmpty(t, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)

	var resp struct {
		Data issueSessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, c.Value, resp.Data.Token)
	assert.Empty(t, resp.Data.Session.Token)
	assert.Equal(t, "198.51.100.7", resp.Data.Session.Device.IP)
}

func TestIssueSession_UnknownUserIsUnauthorized(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/api/v1/auth/sessions", issueSessionRequest{UserID: "ghost"}, withInternalKey(testKey))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIssueSession_MissingOriginRejectedByGuard(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)

	w := s.do(http.MethodPost, "/api/v1/auth/sessions", issueSessionRequest{UserID: "user-1"}, func(r *http.Request) {
		r.Header.Del("Origin")
		r.Header.Set(internalKeyHeader, testKey)
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(guard.ReasonOrigin), decode(t, w).Error)
}

func TestIssueSession_AuthRateLimit(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)

	for i := 0; i < 5; i++ {
		s.login("user-1")
	}
	w := s.do(http.MethodPost, "/api/v1/auth/sessions", issueSessionRequest{UserID: "user-1"}, withInternalKey(testKey))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

// =========================
// Authenticated routes
// =========================

func TestMe_RequiresSession(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodGet, "/api/v1/admin/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/me", nil, withBearer("not-a-token"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMe_ReturnsEffectivePermissions(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/me", nil, withBearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var me meResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &me))
	assert.Equal(t, "user-1", me.Identity.UserID)
	assert.False(t, me.MFAAsserted)
	assert.Contains(t, me.Permissions, "audit.read")
	assert.Contains(t, me.Permissions, "posts.read")
	assert.NotContains(t, me.Permissions, "admins.manage")
}

func TestMe_AcceptsCookie(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/me", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "admin_session", Value: token})
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequire_DeniedCarriesDecision(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-mod", models.RoleModerator)
	token := s.login("user-mod")

	w := s.do(http.MethodGet, "/api/v1/admin/identities", nil, withBearer(token))
	require.Equal(t, http.StatusForbidden, w.Code)

	e := decode(t, w)
	assert.Equal(t, "permission denied", e.Error)
	var d authz.Decision
	require.NoError(t, json.Unmarshal(e.Data, &d))
	assert.Equal(t, authz.ReasonPermissionNotGranted, d.Reason)
	assert.Equal(t, "admins.read", d.Permission)
}

func TestRequire_MFAGatedPermission(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-root", models.RoleSuperAdmin)
	token := s.login("user-root")

	w := s.do(http.MethodPost, "/api/v1/admin/identities",
		service.CreateIdentityRequest{UserID: "user-new", Role: models.RoleAnalyst}, withBearer(token))
	require.Equal(t, http.StatusForbidden, w.Code)

	var d authz.Decision
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &d))
	assert.Equal(t, authz.ReasonMFARequired, d.Reason)
}

func TestLogout_ClearsCookieAndEndsSession(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodPost, "/api/v1/admin/sessions/logout", nil, withBearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].MaxAge < 0)

	w = s.do(http.MethodGet, "/api/v1/admin/me", nil, withBearer(token))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExtendSession_RejectsBadDuration(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodPost, "/api/v1/admin/sessions/extend", extendRequest{Duration: "soon"}, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/admin/sessions/extend", extendRequest{Duration: "30m"}, withBearer(token))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodPost, "/api/v1/admin/sessions/extend", map[string]string{"duration": "1m", "extra": "x"}, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =========================
// Audit routes
// =========================

func TestAuditEvents_ListsLogin(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/audit/events?type=login_success", nil, withBearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var events []*models.AuditEvent
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &events))
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, models.EventLoginSuccess, e.Type)
	}
}

func TestAuditEvents_InvalidFilter(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	for _, q := range []string{"severity=loud", "type=made_up", "since=yesterday", "limit=-1", "resolved=maybe"} {
		w := s.do(http.MethodGet, "/api/v1/admin/audit/events?"+q, nil, withBearer(token))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestAuditSearch_UnavailableWithoutIndex(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/audit/search?q=login", nil, withBearer(token))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuditExport_RequiresExportPermission(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/audit/export?limit=10", nil, withBearer(token))
	require.Equal(t, http.StatusForbidden, w.Code)

	var d authz.Decision
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &d))
	assert.Equal(t, "audit.export", d.Permission)
}

func TestAuditExport_InvalidLimitRejectedBeforeAuthorization(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/audit/export?limit=abc", nil, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestRequireWith_EvaluatesRecordCeiling(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	count := func(r *http.Request) (authz.RequestContext, error) {
		n, err := queryLimit(r, 1, 1000000)
		return authz.RequestContext{RecordCount: n}, err
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r := chi.NewRouter()
	r.Use(s.handler.Authenticate)
	r.With(s.handler.Require(models.ResourcePosts, models.ActionExport)).Get("/plain", ok)
	r.With(s.handler.RequireWith(models.ResourcePosts, models.ActionExport, count)).Get("/sized", ok)

	call := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "https://"+testHost+path, nil)
		req.RemoteAddr = "198.51.100.7:51234"
		req.Header.Set("User-Agent", browserAgent)
		withBearer(token)(req)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// posts.export is capped at 10000 records; without a count it fails closed.
	w := call("/plain")
	require.Equal(t, http.StatusForbidden, w.Code)
	var d authz.Decision
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &d))
	assert.Equal(t, authz.ReasonConditionFailed, d.Reason)

	assert.Equal(t, http.StatusNoContent, call("/sized?limit=500").Code)

	w = call("/sized?limit=20000")
	require.Equal(t, http.StatusForbidden, w.Code)
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &d))
	assert.Equal(t, authz.ReasonConditionFailed, d.Reason)

	assert.Equal(t, http.StatusBadRequest, call("/sized?limit=-1").Code)
}

func TestAssessThreat_RequiresIP(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/audit/threat", nil, withBearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/audit/threat?ip=198.51.100.7&window=1h", nil, withBearer(token))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

// =========================
// Policy routes
// =========================

func TestRolePermissions(t *testing.T) {
	s := newTestServer(t, nil)
	s.seed("user-1", models.RoleAdmin)
	token := s.login("user-1")

	w := s.do(http.MethodGet, "/api/v1/admin/roles/moderator/permissions", nil, withBearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var perms []string
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &perms))
	assert.Contains(t, perms, "posts.delete")

	w = s.do(http.MethodGet, "/api/v1/admin/roles/janitor/permissions", nil, withBearer(token))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =========================
// Status mapping
// =========================

func TestGetStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.NewValidationError("f", "bad"), http.StatusBadRequest},
		{&service.DeniedError{}, http.StatusForbidden},
		{service.ErrUnauthenticated, http.StatusUnauthorized},
		{service.ErrSelfAction, http.StatusForbidden},
		{service.ErrIdentityNotFound, http.StatusNotFound},
		{session.ErrInvalidTransition, http.StatusConflict},
		{service.ErrMFANotEnrolled, http.StatusPreconditionFailed},
		{service.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, getStatusCode(tc.err), tc.err.Error())
	}
}

func TestErrorResponse_HidesServerErrors(t *testing.T) {
	resp := errorResponse(http.StatusInternalServerError, errors.New("dial tcp 10.0.0.3:9042: refused"), "Failed")
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), resp.Error)
}
