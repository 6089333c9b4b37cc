package repository

import (
	"context"
	"errors"
	"time"

	"admin-security/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrConflict      = errors.New("conditional update not applied")
)

type PermissionRepository interface {
	ListPermissions(ctx context.Context) ([]models.Permission, error)
	SavePermission(ctx context.Context, p models.Permission) error
}

type RoleRepository interface {
	ListRoles(ctx context.Context) ([]models.Role, error)
	SaveRole(ctx context.Context, r models.Role) error
}

type IdentityRepository interface {
	CreateIdentity(ctx context.Context, identity *models.AdminIdentity) error
	GetIdentity(ctx context.Context, id string) (*models.AdminIdentity, error)
	GetIdentityByUserID(ctx context.Context, userID string) (*models.AdminIdentity, error)
	// UpdateIdentity writes the administrative fields of identity only if
	// the stored UpdatedAt still equals expected; ErrConflict otherwise. The
	// session count and last login are owned by their own setters and left
	// untouched.
	UpdateIdentity(ctx context.Context, identity *models.AdminIdentity, expected time.Time) error
	SetActiveSessions(ctx context.Context, id string, count int) error
	SetLastLogin(ctx context.Context, id string, at time.Time, ip string) error
	ListIdentities(ctx context.Context) ([]*models.AdminIdentity, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	// UpdateSession writes s only while the stored state equals expected;
	// ErrConflict otherwise.
	UpdateSession(ctx context.Context, s *models.Session, expected models.SessionState) error
	// TouchSession, ExtendSession and MarkSessionMFA change one column of an
	// active session; ErrConflict once the session has ended.
	TouchSession(ctx context.Context, id string, at time.Time) error
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	MarkSessionMFA(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, s *models.Session) error
	ListSessionsByIdentity(ctx context.Context, identityID string) ([]*models.Session, error)
	// ScanSessions visits every stored session; returning an error stops the scan.
	ScanSessions(ctx context.Context, visit func(*models.Session) error) error
}

type AuditRepository interface {
	InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error
	GetAuditEvent(ctx context.Context, id string) (*models.AuditEvent, error)
	// ResolveAuditEvent marks an unresolved event resolved; ErrConflict when
	// it already was.
	ResolveAuditEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) (*models.AuditEvent, error)
	QueryAuditEvents(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error)
	ListAuditEventsByIP(ctx context.Context, ip string, since time.Time) ([]*models.AuditEvent, error)
}

// Store bundles every repository the service needs.
type Store struct {
	Permissions PermissionRepository
	Roles       RoleRepository
	Identities  IdentityRepository
	Sessions    SessionRepository
	Audit       AuditRepository
}
