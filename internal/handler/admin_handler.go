package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"admin-security/internal/config"
	"admin-security/internal/models"
	"admin-security/internal/service"
	"admin-security/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	maxBodyBytes      = 1 << 20
	internalKeyHeader = "X-Internal-Key"
)

// AdminHandler serves the administrative API.
type AdminHandler struct {
	security     *service.SecurityService
	identities   *service.IdentityService
	policy       *service.PolicyService
	audit        *service.AuditService
	internalKey  string
	cookieName   string
	secureCookie bool
	logger       *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(services *service.ServiceFactory, cfg *config.Config, logger *zap.Logger) *AdminHandler {
	cookieName := cfg.Session.CookieName
	if cookieName == "" {
		cookieName = "admin_session"
	}
	return &AdminHandler{
		security:     services.SecurityService(),
		identities:   services.IdentityService(),
		policy:       services.PolicyService(),
		audit:        services.AuditService(),
		internalKey:  cfg.Server.InternalAPIKey,
		cookieName:   cookieName,
		secureCookie: cfg.Server.EnableTLS || cfg.IsProduction(),
		logger:       logger,
	}
}

// RegisterRoutes registers the session issuance and admin routes
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Post("/auth/sessions", h.IssueSession)

	router.Route("/admin", func(r chi.Router) {
		r.Use(h.Authenticate)

		r.Get("/me", h.Me)

		r.Route("/mfa", func(r chi.Router) {
			r.Post("/verify", h.VerifyMFA)
			r.Post("/enroll", h.EnrollMFA)
			r.Post("/confirm", h.ConfirmMFA)
			r.Delete("/", h.DisableOwnMFA)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListOwnSessions)
			r.Post("/extend", h.ExtendSession)
			r.Post("/logout", h.Logout)
			r.Delete("/{sessionID}", h.RevokeSession)
			r.With(h.Require(models.ResourceSessions, models.ActionManage)).Post("/{sessionID}/block", h.BlockSession)
		})

		r.Route("/identities", func(r chi.Router) {
			r.With(h.Require(models.ResourceAdmins, models.ActionRead)).Get("/", h.ListIdentities)
			r.With(h.Require(models.ResourceAdmins, models.ActionCreate)).Post("/", h.CreateIdentity)

			r.Route("/{identityID}", func(r chi.Router) {
				r.With(h.Require(models.ResourceAdmins, models.ActionRead)).Get("/", h.GetIdentity)
				r.With(h.Require(models.ResourceAdmins, models.ActionSuspend)).Post("/suspend", h.SuspendIdentity)
				r.With(h.Require(models.ResourceAdmins, models.ActionSuspend)).Post("/reactivate", h.ReactivateIdentity)

				r.Group(func(r chi.Router) {
					r.Use(h.Require(models.ResourceAdmins, models.ActionManage))
					r.Put("/role", h.AssignRole)
					r.Post("/permissions", h.GrantPermission)
					r.Delete("/permissions/{permission}", h.RevokePermission)
					r.Put("/allowed-ips", h.SetAllowedIPs)
					r.Delete("/mfa", h.DisableIdentityMFA)
				})

				r.With(h.Require(models.ResourceSessions, models.ActionRead)).Get("/sessions", h.ListIdentitySessions)
				r.With(h.Require(models.ResourceSessions, models.ActionManage)).Post("/sessions/invalidate", h.InvalidateIdentitySessions)
			})
		})

		r.Route("/roles", func(r chi.Router) {
			r.With(h.Require(models.ResourceRoles, models.ActionRead)).Get("/", h.ListRoles)
			r.With(h.Require(models.ResourceRoles, models.ActionRead)).Get("/{role}/permissions", h.RolePermissions)
			r.With(h.Require(models.ResourceRoles, models.ActionManage)).Put("/{role}", h.UpsertRole)
		})

		r.Route("/permissions", func(r chi.Router) {
			r.With(h.Require(models.ResourcePermissions, models.ActionRead)).Get("/", h.ListPermissions)
			r.With(h.Require(models.ResourcePermissions, models.ActionManage)).Post("/", h.RegisterPermission)
			r.With(h.Require(models.ResourcePermissions, models.ActionManage)).Delete("/{permission}", h.DeactivatePermission)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(h.Require(models.ResourceAudit, models.ActionRead))
				r.Get("/events", h.QueryAuditEvents)
				r.Get("/events/{eventID}", h.GetAuditEvent)
				r.Get("/threat", h.AssessThreat)
				r.Get("/search", h.SearchAudit)
				r.Get("/stats", h.AuditStats)
			})
			r.With(h.Require(models.ResourceAudit, models.ActionManage)).Post("/events/{eventID}/resolve", h.ResolveAuditEvent)
			r.With(h.RequireWith(models.ResourceAudit, models.ActionExport, exportContext)).Get("/export", h.ExportAudit)
		})
	})
}

func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	respondWithJSON(h.logger, w, statusCode, data)
}

func (h *AdminHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	respondWithError(h.logger, w, statusCode, err, message)
}

func (h *AdminHandler) fail(w http.ResponseWriter, err error, message string) {
	h.respondWithError(w, getStatusCode(err), err, message)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return models.NewValidationError("body", "required")
		}
		return models.NewValidationError("body", err.Error())
	}
	return nil
}

// =========================
// Session issuance
// =========================

type issueSessionRequest struct {
	UserID string            `json:"user_id"`
	Device models.DeviceInfo `json:"device"`
}

type issueSessionResponse struct {
	Session *models.Session `json:"session"`
	Token   string          `json:"token"`
	Evicted int             `json:"evicted"`
}

// IssueSession creates a session for a user the upstream login service has
// authenticated. The caller proves itself with the internal API key.
func (h *AdminHandler) IssueSession(w http.ResponseWriter, r *http.Request) {
	if h.internalKey == "" {
		h.fail(w, service.ErrIssuanceDisabled, "Session issuance is disabled")
		return
	}
	key := r.Header.Get(internalKeyHeader)
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.internalKey)) != 1 {
		h.fail(w, service.ErrUnauthenticated, "Invalid internal key")
		return
	}

	var req issueSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}

	result, err := h.security.StartSession(r.Context(), req.UserID, req.Device, requestMeta(r))
	if err != nil {
		h.fail(w, err, "Failed to start session")
		return
	}

	sess := result.Session
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})

	token := sess.Token
	sess.Token = ""
	h.respondWithJSON(w, http.StatusCreated, successResponse(issueSessionResponse{
		Session: sess,
		Token:   token,
		Evicted: len(result.Evicted),
	}, "Session created"))
}

// =========================
// Current principal
// =========================

type meResponse struct {
	Identity    *models.AdminIdentity `json:"identity"`
	Session     *models.Session       `json:"session"`
	MFAAsserted bool                  `json:"mfa_asserted"`
	Permissions []string              `json:"permissions"`
}

func (h *AdminHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	perms, err := h.policy.RolePermissions(p.Identity.Role)
	if err != nil {
		h.logger.Warn("Failed to resolve role permissions",
			util.IdentityID(p.Identity.ID), util.ErrorField(err))
	}
	perms = append(perms, p.Identity.Permissions...)

	h.respondWithJSON(w, http.StatusOK, successResponse(meResponse{
		Identity:    p.Identity,
		Session:     p.Session,
		MFAAsserted: p.MFAAsserted,
		Permissions: perms,
	}, ""))
}

// =========================
// Second factor
// =========================

type codeRequest struct {
	Code string `json:"code"`
}

func (h *AdminHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	p := principalFrom(r.Context())
	if err := h.security.VerifyMFA(r.Context(), p, req.Code); err != nil {
		h.fail(w, err, "Two-factor verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(p.Session, "Two-factor verified"))
}

func (h *AdminHandler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.identities.EnrollTOTP(r.Context(), principalFrom(r.Context()))
	if err != nil {
		h.fail(w, err, "Failed to start enrollment")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(enrollment, "Confirm with a code from the authenticator"))
}

func (h *AdminHandler) ConfirmMFA(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	if err := h.identities.ConfirmTOTP(r.Context(), principalFrom(r.Context()), req.Code); err != nil {
		h.fail(w, err, "Failed to confirm enrollment")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor enabled"))
}

func (h *AdminHandler) DisableOwnMFA(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	identity, err := h.identities.DisableTOTP(r.Context(), p, p.Identity.ID)
	if err != nil {
		h.fail(w, err, "Failed to disable two-factor")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Two-factor disabled"))
}

// =========================
// Sessions
// =========================

type extendRequest struct {
	Duration string `json:"duration"`
}

type reasonRequest struct {
	Reason   string `json:"reason"`
	DeviceID string `json:"device_id,omitempty"`
}

func (h *AdminHandler) ListOwnSessions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	sessions, err := h.security.ListSessions(r.Context(), p.Identity.ID)
	if err != nil {
		h.fail(w, err, "Failed to list sessions")
		return
	}
	resp := successResponse(sessions, "")
	resp.Meta = &Meta{Total: len(sessions)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		h.fail(w, models.NewValidationError("duration", fmt.Sprintf("invalid duration %q", req.Duration)), "Invalid request body")
		return
	}

	sess, err := h.security.ExtendSession(r.Context(), principalFrom(r.Context()), h.sessionToken(r), d)
	if err != nil {
		h.fail(w, err, "Failed to extend session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sess, "Session extended"))
}

func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.security.Logout(r.Context(), principalFrom(r.Context())); err != nil {
		h.fail(w, err, "Failed to log out")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

func (h *AdminHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	changed, err := h.security.RevokeSession(r.Context(), principalFrom(r.Context()), sessionID, r.URL.Query().Get("reason"))
	if err != nil {
		h.fail(w, err, "Failed to end session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"changed": changed}, ""))
}

func (h *AdminHandler) BlockSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	changed, err := h.security.BlockSession(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		h.fail(w, err, "Failed to block session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"changed": changed}, "Session blocked"))
}

func (h *AdminHandler) ListIdentitySessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.security.ListSessions(r.Context(), chi.URLParam(r, "identityID"))
	if err != nil {
		h.fail(w, err, "Failed to list sessions")
		return
	}
	resp := successResponse(sessions, "")
	resp.Meta = &Meta{Total: len(sessions)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) InvalidateIdentitySessions(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	n, err := h.security.InvalidateIdentitySessions(r.Context(), principalFrom(r.Context()),
		chi.URLParam(r, "identityID"), req.DeviceID, req.Reason)
	if err != nil {
		h.fail(w, err, "Failed to invalidate sessions")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"invalidated": n}, "Sessions invalidated"))
}
