package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"admin-security/internal/authz"
	"admin-security/internal/config"
	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/session"
	"admin-security/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateIdentityRequest represents admin identity creation request
type CreateIdentityRequest struct {
	UserID      string          `json:"user_id"`
	Role        models.RoleName `json:"role"`
	Department  string          `json:"department,omitempty"`
	AllowedIPs  []string        `json:"allowed_ips,omitempty"`
	MaxSessions int             `json:"max_sessions,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// IdentityService administers admin identities and their second factor.
type IdentityService struct {
	identities repository.IdentityRepository
	sessions   *session.Manager
	catalog    *authz.Catalog
	roles      *authz.Registry
	recorder   EventRecorder
	secrets    SecretSealer
	mfa        config.MFAConfig
	now        func() time.Time
	logger     *zap.Logger
}

// NewIdentityService creates a new identity service
func NewIdentityService(
	identities repository.IdentityRepository,
	sessions *session.Manager,
	catalog *authz.Catalog,
	roles *authz.Registry,
	recorder EventRecorder,
	secrets SecretSealer,
	mfa config.MFAConfig,
	logger *zap.Logger,
) *IdentityService {
	if mfa.Issuer == "" {
		mfa.Issuer = "admin-security"
	}
	return &IdentityService{
		identities: identities,
		sessions:   sessions,
		catalog:    catalog,
		roles:      roles,
		recorder:   recorder,
		secrets:    secrets,
		mfa:        mfa,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *IdentityService) record(ctx context.Context, t models.EventType, actor *Principal, action string, details map[string]string) {
	e := &models.AuditEvent{Type: t, ActorID: actor.actorID(), Action: action, Details: details}
	if actor != nil {
		e.IP = actor.Meta.IP
		e.UserAgent = actor.Meta.UserAgent
		e.Path = actor.Meta.Path
	}
	record(ctx, s.recorder, s.logger, e)
}

// Create registers a new admin identity for an existing user.
func (s *IdentityService) Create(ctx context.Context, actor *Principal, req *CreateIdentityRequest) (*models.AdminIdentity, error) {
	if req == nil || strings.TrimSpace(req.UserID) == "" {
		return nil, models.NewValidationError("user_id", "required")
	}
	if _, ok := s.roles.Get(req.Role); !ok {
		return nil, models.NewValidationError("role", fmt.Sprintf("unknown role %q", req.Role))
	}
	if err := authz.ValidateAllowlist(req.AllowedIPs); err != nil {
		return nil, err
	}
	if req.MaxSessions < 0 {
		return nil, models.NewValidationError("max_sessions", "must not be negative")
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, models.NewValidationError("expires_at", "must be in the future")
	}

	identity := &models.AdminIdentity{
		ID:          uuid.NewString(),
		UserID:      strings.TrimSpace(req.UserID),
		Role:        req.Role,
		AllowedIPs:  req.AllowedIPs,
		MaxSessions: req.MaxSessions,
		IsActive:    true,
		ExpiresAt:   req.ExpiresAt,
		Department:  req.Department,
		CreatedBy:   actor.actorID(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrIdentityExists
		}
		return nil, storeError("create identity", err)
	}

	s.record(ctx, models.EventIdentityCreated, actor, "create",
		map[string]string{"identity_id": identity.ID, "user_id": identity.UserID, "role": string(identity.Role)})
	s.logger.Info("Admin identity created",
		util.IdentityID(identity.ID),
		util.String("role", string(identity.Role)),
		util.String("created_by", identity.CreatedBy),
	)
	return identity, nil
}

// Get returns an identity by ID.
func (s *IdentityService) Get(ctx context.Context, id string) (*models.AdminIdentity, error) {
	identity, err := s.identities.GetIdentity(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, storeError("get identity", err)
	}
	return identity, nil
}

func (s *IdentityService) List(ctx context.Context) ([]*models.AdminIdentity, error) {
	identities, err := s.identities.ListIdentities(ctx)
	if err != nil {
		return nil, storeError("list identities", err)
	}
	return identities, nil
}

const maxUpdateAttempts = 5

// errNoChange aborts an update whose precondition no longer holds.
var errNoChange = errors.New("no change")

// update loads the identity, applies mutate and writes it back only if no
// other write landed in between; on a conflict it reloads and reapplies.
func (s *IdentityService) update(ctx context.Context, id string, mutate func(*models.AdminIdentity) error) (*models.AdminIdentity, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		identity, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(identity); err != nil {
			return nil, err
		}
		expected := identity.UpdatedAt
		identity.UpdatedAt = nextVersion(s.now(), expected)

		err = s.identities.UpdateIdentity(ctx, identity, expected)
		switch {
		case err == nil:
			return identity, nil
		case errors.Is(err, repository.ErrConflict):
			s.logger.Debug("Identity changed concurrently, retrying",
				util.IdentityID(id), util.Int("attempt", attempt+1))
			continue
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrIdentityNotFound
		default:
			return nil, storeError("update identity", err)
		}
	}
	return nil, storeError("update identity", repository.ErrConflict)
}

// nextVersion returns an UpdatedAt strictly after prev at millisecond
// resolution, the precision the durable store keeps.
func nextVersion(now, prev time.Time) time.Time {
	next := now.UTC().Truncate(time.Millisecond)
	if !next.After(prev) {
		next = prev.Add(time.Millisecond)
	}
	return next
}

// Suspend disables an identity and ends all its sessions.
func (s *IdentityService) Suspend(ctx context.Context, actor *Principal, id, reason string) (*models.AdminIdentity, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, models.NewValidationError("reason", "required")
	}
	if id == actor.actorID() {
		return nil, ErrSelfAction
	}

	identity, err := s.update(ctx, id, func(a *models.AdminIdentity) error {
		now := s.now().UTC()
		a.SuspendedAt = &now
		a.SuspendedReason = reason
		a.SuspendedBy = actor.actorID()
		return nil
	})
	if err != nil {
		return nil, err
	}

	ended, err := s.sessions.InvalidateAllForIdentity(ctx, id, "identity_suspended")
	if err != nil {
		s.logger.Error("Failed to end sessions of suspended identity",
			util.IdentityID(id), util.ErrorField(err))
	}

	s.record(ctx, models.EventIdentitySuspended, actor, "suspend",
		map[string]string{"identity_id": id, "reason": reason, "sessions_ended": fmt.Sprint(ended)})
	return identity, nil
}

// Reactivate lifts a suspension and re-enables the identity.
func (s *IdentityService) Reactivate(ctx context.Context, actor *Principal, id string) (*models.AdminIdentity, error) {
	if id == actor.actorID() {
		return nil, ErrSelfAction
	}
	identity, err := s.update(ctx, id, func(a *models.AdminIdentity) error {
		if a.IsExpired(s.now()) {
			return ErrIdentityExpired
		}
		a.SuspendedAt = nil
		a.SuspendedReason = ""
		a.SuspendedBy = ""
		a.IsActive = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.EventIdentityReactivated, actor, "reactivate",
		map[string]string{"identity_id": id})
	return identity, nil
}

// AssignRole replaces the identity's role.
func (s *IdentityService) AssignRole(ctx context.Context, actor *Principal, id string, role models.RoleName) (*models.AdminIdentity, error) {
	if _, ok := s.roles.Get(role); !ok {
		return nil, models.NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}
	if id == actor.actorID() {
		return nil, ErrSelfAction
	}

	var previous models.RoleName
	identity, err := s.update(ctx, id, func(a *models.AdminIdentity) error {
		previous = a.Role
		a.Role = role
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.EventRoleAssigned, actor, "assign_role",
		map[string]string{"identity_id": id, "from": string(previous), "to": string(role)})
	return identity, nil
}

// GrantPermission adds an override. Overrides only ever add to the role's
// effective set.
func (s *IdentityService) GrantPermission(ctx context.Context, actor *Principal, id, permission string) (*models.AdminIdentity, error) {
	if !s.catalog.Exists(permission) {
		return nil, models.NewValidationError("permission", fmt.Sprintf("unknown permission %q", permission))
	}
	if id == actor.actorID() {
		return nil, ErrSelfAction
	}

	identity, err := s.update(ctx, id, func(a *models.AdminIdentity) error {
		if !a.HasOverride(permission) {
			a.Permissions = append(a.Permissions, permission)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.EventPermissionGranted, actor, "grant",
		map[string]string{"identity_id": id, "permission": permission})
	return identity, nil
}

// RevokePermission removes an override. Permissions inherited from the role
// are unaffected.
func (s *IdentityService) RevokePermission(ctx context.Context, actor *Principal, id, permission string) (*models.AdminIdentity, error) {
	identity, err := s.update(ctx, id, func(a *models.AdminIdentity) error {
		kept := a.Permissions[:0]
		for _, p := range a.Permissions {
			if p != permission {
				kept = append(kept, p)
			}
		}
		a.Permissions = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.EventPolicyChanged, actor, "revoke",
		map[string]string{"identity_id": id, "permission": permission})
	return identity, nil
}

// SetAllowedIPs replaces the identity's address allowlist. An empty list
// removes the restriction.
func (s *IdentityService) SetAllowedIPs(ctx context.Context, actor *Principal, id string, allowlist []string) (*models.AdminIdentity, error) {
	if err := authz.ValidateAllowlist(allowlist); err != nil {
		return nil, err
	}
	identity, err := s.update(ctx, id, func(a *models.AdminIdentity) error {
		a.AllowedIPs = allowlist
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.EventPolicyChanged, actor, "set_allowed_ips",
		map[string]string{"identity_id": id, "allowed_ips": strings.Join(allowlist, ",")})
	return identity, nil
}

// EnrollTOTP starts enrollment for the principal's own identity. The secret
// stays pending until confirmed with a valid code.
func (s *IdentityService) EnrollTOTP(ctx context.Context, p *Principal) (*TOTPEnrollment, error) {
	if p.Identity.TwoFactorEnabled {
		return nil, ErrMFAAlreadyEnabled
	}
	key, err := generateTOTP(s.mfa.Issuer, p.Identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	sealed, err := s.secrets.Seal(ctx, []byte(key.Secret()), totpPurpose(p.Identity.ID))
	if err != nil {
		return nil, err
	}

	if _, err := s.update(ctx, p.Identity.ID, func(a *models.AdminIdentity) error {
		if a.TwoFactorEnabled {
			return ErrMFAAlreadyEnabled
		}
		a.TwoFactorPending = sealed
		return nil
	}); err != nil {
		return nil, err
	}

	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// ConfirmTOTP activates a pending secret. The confirming session counts as
// second-factor verified.
func (s *IdentityService) ConfirmTOTP(ctx context.Context, p *Principal, code string) error {
	identity, err := s.Get(ctx, p.Identity.ID)
	if err != nil {
		return err
	}
	if identity.TwoFactorEnabled {
		return ErrMFAAlreadyEnabled
	}
	if len(identity.TwoFactorPending) == 0 {
		return ErrMFANotEnrolled
	}

	secret, err := s.secrets.Open(ctx, identity.TwoFactorPending, totpPurpose(identity.ID))
	if err != nil {
		return err
	}
	if !validTOTP(code, string(secret), s.now()) {
		s.record(ctx, models.EventMFAFailed, p, "mfa_confirm", nil)
		return ErrInvalidMFACode
	}

	if _, err := s.update(ctx, identity.ID, func(a *models.AdminIdentity) error {
		a.TwoFactorSecret = a.TwoFactorPending
		a.TwoFactorPending = nil
		a.TwoFactorEnabled = true
		return nil
	}); err != nil {
		return err
	}

	if sess, err := s.sessions.MarkMFAVerified(ctx, p.Session.ID); err == nil {
		p.Session = sess
		p.MFAAsserted = true
	}
	p.Identity.TwoFactorEnabled = true

	s.record(ctx, models.EventTwoFactorEnrolled, p, "mfa_confirm", nil)
	return nil
}

// DisableTOTP removes the second factor of id. Disabling one's own factor
// needs a recent verification.
func (s *IdentityService) DisableTOTP(ctx context.Context, actor *Principal, id string) (*models.AdminIdentity, error) {
	if id == actor.actorID() && !actor.MFAAsserted {
		return nil, ErrMFARequired
	}
	identity, err := s.update(ctx, id, func(a *models.AdminIdentity) error {
		if !a.TwoFactorEnabled && len(a.TwoFactorPending) == 0 {
			return ErrMFANotEnrolled
		}
		a.TwoFactorEnabled = false
		a.TwoFactorSecret = nil
		a.TwoFactorPending = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.EventTwoFactorDisabled, actor, "mfa_disable",
		map[string]string{"identity_id": id})
	return identity, nil
}

// DeactivateExpired disables identities whose ExpiresAt has passed and ends
// their sessions.
func (s *IdentityService) DeactivateExpired(ctx context.Context) (int, error) {
	identities, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	count := 0
	for _, identity := range identities {
		if !identity.IsActive || !identity.IsExpired(now) {
			continue
		}
		_, err := s.update(ctx, identity.ID, func(a *models.AdminIdentity) error {
			if !a.IsActive || !a.IsExpired(now) {
				return errNoChange
			}
			a.IsActive = false
			return nil
		})
		if errors.Is(err, errNoChange) || errors.Is(err, ErrIdentityNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if _, err := s.sessions.InvalidateAllForIdentity(ctx, identity.ID, "identity_expired"); err != nil {
			s.logger.Warn("Failed to end sessions of expired identity",
				util.IdentityID(identity.ID), util.ErrorField(err))
		}
		record(ctx, s.recorder, s.logger, &models.AuditEvent{
			Type:    models.EventIdentityExpired,
			ActorID: identity.ID,
			Action:  "expire",
		})
		count++
	}
	return count, nil
}
