package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"admin-security/internal/authz"
	"admin-security/internal/config"
	"admin-security/internal/metrics"
	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/session"
	"admin-security/internal/util"

	"go.uber.org/zap"
)

// EventRecorder receives audit events. *audit.Trail satisfies it.
type EventRecorder interface {
	Ingest(ctx context.Context, event *models.AuditEvent) (*models.AuditEvent, error)
}

// RequestMeta describes the HTTP request an operation runs on behalf of.
type RequestMeta struct {
	IP        string
	UserAgent string
	Path      string
}

// Principal is an authenticated identity bound to a live session.
type Principal struct {
	Identity    *models.AdminIdentity
	Session     *models.Session
	Meta        RequestMeta
	MFAAsserted bool
}

func (p *Principal) actorID() string {
	if p == nil || p.Identity == nil {
		return ""
	}
	return p.Identity.ID
}

// SecurityService runs the privileged request flow: session issuance,
// authentication, authorization and second-factor verification.
type SecurityService struct {
	identities repository.IdentityRepository
	sessions   *session.Manager
	authorizer *authz.Authorizer
	recorder   EventRecorder
	secrets    SecretSealer
	mfa        config.MFAConfig
	now        func() time.Time
	logger     *zap.Logger
}

// NewSecurityService creates a new security service
func NewSecurityService(
	identities repository.IdentityRepository,
	sessions *session.Manager,
	authorizer *authz.Authorizer,
	recorder EventRecorder,
	secrets SecretSealer,
	mfa config.MFAConfig,
	logger *zap.Logger,
) *SecurityService {
	if mfa.Validity <= 0 {
		mfa.Validity = 15 * time.Minute
	}
	return &SecurityService{
		identities: identities,
		sessions:   sessions,
		authorizer: authorizer,
		recorder:   recorder,
		secrets:    secrets,
		mfa:        mfa,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *SecurityService) record(ctx context.Context, t models.EventType, actorID string, meta RequestMeta, action string, details map[string]string) {
	record(ctx, s.recorder, s.logger, &models.AuditEvent{
		Type:      t,
		ActorID:   actorID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Path:      meta.Path,
		Action:    action,
		Details:   details,
	})
}

func record(ctx context.Context, recorder EventRecorder, logger *zap.Logger, e *models.AuditEvent) {
	if recorder == nil {
		return
	}
	if _, err := recorder.Ingest(ctx, e); err != nil {
		logger.Error("Failed to record audit event",
			util.String("type", string(e.Type)),
			util.ErrorField(err),
		)
	}
}

// usable reports why an identity may not hold a session, or nil.
func usable(identity *models.AdminIdentity, now time.Time) error {
	switch {
	case !identity.IsActive:
		return ErrIdentityInactive
	case identity.IsSuspended():
		return ErrIdentitySuspended
	case identity.IsExpired(now):
		return ErrIdentityExpired
	}
	return nil
}

// StartSession issues a session for an identity the upstream login service
// has already authenticated.
func (s *SecurityService) StartSession(ctx context.Context, userID string, device models.DeviceInfo, meta RequestMeta) (*session.CreateResult, error) {
	if userID == "" {
		return nil, models.NewValidationError("user_id", "required")
	}

	identity, err := s.identities.GetIdentityByUserID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		s.record(ctx, models.EventLoginFailed, "", meta, "session_start",
			map[string]string{"user_id": userID, "reason": "unknown_identity"})
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, storeError("get identity", err)
	}

	if err := usable(identity, s.now()); err != nil {
		s.record(ctx, models.EventLoginFailed, identity.ID, meta, "session_start",
			map[string]string{"reason": err.Error()})
		return nil, err
	}
	if len(identity.AllowedIPs) > 0 && !authz.IPAllowed(identity.AllowedIPs, meta.IP) {
		s.record(ctx, models.EventIPNotAllowed, identity.ID, meta, "session_start", nil)
		return nil, ErrIPNotAllowed
	}

	if device.IP == "" {
		device.IP = meta.IP
	}
	if device.UserAgent == "" {
		device.UserAgent = meta.UserAgent
	}

	result, err := s.sessions.Create(ctx, identity, device)
	metrics.SessionOperations.WithLabelValues("create", metrics.Result(err)).Inc()
	if errors.Is(err, session.ErrIdentityDisabled) {
		// suspended or deactivated after the check above
		err = ErrIdentityInactive
		if fresh, gerr := s.identities.GetIdentity(ctx, identity.ID); gerr == nil {
			if reason := usable(fresh, s.now()); reason != nil {
				err = reason
			}
		}
		s.record(ctx, models.EventLoginFailed, identity.ID, meta, "session_start",
			map[string]string{"reason": err.Error()})
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	created := result.Session
	s.record(ctx, models.EventSessionCreated, identity.ID, meta, "session_start",
		map[string]string{"session_id": created.ID, "device_type": device.DeviceType})
	for _, victim := range result.Evicted {
		s.record(ctx, models.EventSessionEvicted, identity.ID, meta, "session_start",
			map[string]string{"session_id": victim.ID, "reason": victim.InvalidatedReason})
	}
	if created.Suspicious {
		s.record(ctx, models.EventSuspiciousSession, identity.ID, meta, "session_start",
			map[string]string{"session_id": created.ID, "reason": created.SuspiciousReason})
	}
	s.record(ctx, models.EventLoginSuccess, identity.ID, meta, "session_start", nil)

	s.touchLogin(ctx, identity.ID, meta.IP)

	s.logger.Info("Session issued",
		util.IdentityID(identity.ID),
		util.SessionID(created.ID),
		util.Int("evicted", len(result.Evicted)),
		util.Bool("suspicious", created.Suspicious),
	)
	return result, nil
}

func (s *SecurityService) touchLogin(ctx context.Context, identityID, ip string) {
	if err := s.identities.SetLastLogin(ctx, identityID, s.now().UTC(), ip); err != nil {
		s.logger.Warn("Failed to record last login", util.IdentityID(identityID), util.ErrorField(err))
	}
}

// Authenticate resolves a session token to a principal. Every kind of
// unusable token yields ErrUnauthenticated.
func (s *SecurityService) Authenticate(ctx context.Context, token string, meta RequestMeta) (*Principal, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if errors.Is(err, session.ErrSessionNotFound) {
		s.record(ctx, models.EventInvalidSession, "", meta, "authenticate", nil)
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}

	identity, err := s.identities.GetIdentity(ctx, sess.IdentityID)
	if errors.Is(err, repository.ErrNotFound) {
		s.record(ctx, models.EventInvalidSession, sess.IdentityID, meta, "authenticate",
			map[string]string{"session_id": sess.ID, "reason": "identity_missing"})
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, storeError("get identity", err)
	}

	return &Principal{
		Identity:    identity,
		Session:     sess,
		Meta:        meta,
		MFAAsserted: s.mfaAsserted(sess),
	}, nil
}

func (s *SecurityService) mfaAsserted(sess *models.Session) bool {
	if sess == nil || sess.MFAVerifiedAt == nil {
		return false
	}
	return s.now().Sub(*sess.MFAVerifiedAt) < s.mfa.Validity
}

// Authorize decides a request and records denials. A denial is returned both
// as the decision and as a *DeniedError.
func (s *SecurityService) Authorize(ctx context.Context, p *Principal, resource models.Resource, action models.Action, rctx authz.RequestContext) (authz.Decision, error) {
	if p == nil || p.Identity == nil {
		return authz.Decision{Reason: authz.ReasonIdentityInactive, Permission: models.PermissionName(resource, action)}, ErrUnauthenticated
	}
	if rctx.IP == "" {
		rctx.IP = p.Meta.IP
	}

	d := s.authorizer.Authorize(p.Identity, resource, action, rctx, p.MFAAsserted)
	metrics.AuthzDecisions.WithLabelValues(strconv.FormatBool(d.Allowed), string(d.Reason)).Inc()

	if d.Allowed {
		if action == models.ActionExport {
			s.record(ctx, models.EventDataExport, p.Identity.ID, p.Meta, d.Permission,
				map[string]string{"records": strconv.Itoa(rctx.RecordCount)})
		}
		return d, nil
	}

	eventType := models.EventPermissionDenied
	switch {
	case d.Reason == authz.ReasonIPNotAllowed:
		eventType = models.EventIPNotAllowed
	case d.Reason == authz.ReasonMFARequired:
		eventType = models.EventMFARequired
	case d.Reason == authz.ReasonPermissionNotGranted && d.RiskLevel == models.RiskCritical:
		eventType = models.EventPrivilegeEscalation
	}
	s.record(ctx, eventType, p.Identity.ID, p.Meta, d.Permission,
		map[string]string{"permission": d.Permission, "reason": string(d.Reason)})

	s.logger.Debug("Authorization denied",
		util.IdentityID(p.Identity.ID),
		util.String("permission", d.Permission),
		util.String("reason", string(d.Reason)),
	)
	return d, &DeniedError{Decision: d}
}

// VerifyMFA checks a TOTP code and marks the session as second-factor
// verified.
func (s *SecurityService) VerifyMFA(ctx context.Context, p *Principal, code string) error {
	if !p.Identity.TwoFactorEnabled || len(p.Identity.TwoFactorSecret) == 0 {
		return ErrMFANotEnrolled
	}

	secret, err := s.secrets.Open(ctx, p.Identity.TwoFactorSecret, totpPurpose(p.Identity.ID))
	if err != nil {
		return err
	}
	if !validTOTP(code, string(secret), s.now()) {
		s.record(ctx, models.EventMFAFailed, p.Identity.ID, p.Meta, "mfa_verify",
			map[string]string{"session_id": p.Session.ID})
		return ErrInvalidMFACode
	}

	sess, err := s.sessions.MarkMFAVerified(ctx, p.Session.ID)
	if err != nil {
		return err
	}
	p.Session = sess
	p.MFAAsserted = true

	s.record(ctx, models.EventMFAVerified, p.Identity.ID, p.Meta, "mfa_verify",
		map[string]string{"session_id": sess.ID})
	return nil
}

// Logout ends the principal's own session.
func (s *SecurityService) Logout(ctx context.Context, p *Principal) error {
	changed, err := s.sessions.Invalidate(ctx, p.Session.ID, "logout")
	metrics.SessionOperations.WithLabelValues("logout", metrics.Result(err)).Inc()
	if err != nil {
		return err
	}
	if changed {
		s.record(ctx, models.EventLogout, p.Identity.ID, p.Meta, "logout",
			map[string]string{"session_id": p.Session.ID})
	}
	return nil
}

// ExtendSession pushes the expiry of the session identified by token.
func (s *SecurityService) ExtendSession(ctx context.Context, p *Principal, token string, d time.Duration) (*models.Session, error) {
	sess, err := s.sessions.Extend(ctx, token, d)
	metrics.SessionOperations.WithLabelValues("extend", metrics.Result(err)).Inc()
	if err != nil {
		if errors.Is(err, session.ErrInvalidExtension) {
			return nil, models.NewValidationError("duration", err.Error())
		}
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	s.record(ctx, models.EventSessionExtended, p.actorID(), p.Meta, "extend",
		map[string]string{"session_id": sess.ID, "expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339)})
	return sess, nil
}

// ListSessions returns live sessions of an identity.
func (s *SecurityService) ListSessions(ctx context.Context, identityID string) ([]*models.Session, error) {
	return s.sessions.ListForIdentity(ctx, identityID)
}

// RevokeSession ends a session. Ending a session of another identity needs
// sessions.manage.
func (s *SecurityService) RevokeSession(ctx context.Context, p *Principal, sessionID, reason string) (bool, error) {
	target, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if target.IdentityID != p.Identity.ID {
		if _, err := s.Authorize(ctx, p, models.ResourceSessions, models.ActionManage,
			authz.RequestContext{OwnerID: target.IdentityID}); err != nil {
			return false, err
		}
	}
	if reason == "" {
		reason = "revoked"
	}

	changed, err := s.sessions.Invalidate(ctx, sessionID, reason)
	metrics.SessionOperations.WithLabelValues("invalidate", metrics.Result(err)).Inc()
	if err != nil {
		return false, err
	}
	if changed {
		s.record(ctx, models.EventSessionInvalidated, p.Identity.ID, p.Meta, "invalidate",
			map[string]string{"session_id": sessionID, "owner_id": target.IdentityID, "reason": reason})
	}
	return changed, nil
}

// InvalidateIdentitySessions ends every live session of an identity, or only
// those of one device when deviceID is set.
func (s *SecurityService) InvalidateIdentitySessions(ctx context.Context, p *Principal, identityID, deviceID, reason string) (int, error) {
	if reason == "" {
		return 0, models.NewValidationError("reason", "required")
	}

	var (
		n   int
		err error
	)
	if deviceID != "" {
		n, err = s.sessions.InvalidateDevice(ctx, identityID, deviceID, reason)
	} else {
		n, err = s.sessions.InvalidateAllForIdentity(ctx, identityID, reason)
	}
	metrics.SessionOperations.WithLabelValues("invalidate_all", metrics.Result(err)).Inc()
	if err != nil {
		return 0, err
	}

	s.record(ctx, models.EventSessionInvalidated, p.actorID(), p.Meta, "invalidate_all",
		map[string]string{"identity_id": identityID, "device_id": deviceID, "count": strconv.Itoa(n), "reason": reason})
	return n, nil
}

// BlockSession blocks a live session.
func (s *SecurityService) BlockSession(ctx context.Context, p *Principal, sessionID, reason string) (bool, error) {
	if reason == "" {
		return false, models.NewValidationError("reason", "required")
	}
	changed, err := s.sessions.Block(ctx, sessionID, reason)
	metrics.SessionOperations.WithLabelValues("block", metrics.Result(err)).Inc()
	if err != nil {
		return false, err
	}
	if changed {
		s.record(ctx, models.EventSessionBlocked, p.actorID(), p.Meta, "block",
			map[string]string{"session_id": sessionID, "reason": reason})
	}
	return changed, nil
}
