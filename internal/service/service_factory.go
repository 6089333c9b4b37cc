package service

import (
	"context"

	"admin-security/internal/audit"
	"admin-security/internal/authz"
	"admin-security/internal/config"
	"admin-security/internal/repository"
	"admin-security/internal/session"

	"go.uber.org/zap"
)

// RateExpirer prunes lapsed rate-limit windows.
type RateExpirer interface {
	Expire(ctx context.Context) (int, error)
}

// Dependencies are the components services are built from. Searcher,
// Counter and Guard are optional.
type Dependencies struct {
	Config   *config.Config
	Store    *repository.Store
	Catalog  *authz.Catalog
	Registry *authz.Registry
	Sessions *session.Manager
	Trail    *audit.Trail
	Secrets  SecretSealer
	Searcher AuditSearcher
	Counter  AuditCounter
	Guard    RateExpirer
	Logger   *zap.Logger
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps       Dependencies
	authorizer *authz.Authorizer

	securityService *SecurityService
	identityService *IdentityService
	policyService   *PolicyService
	auditService    *AuditService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Dependencies) *ServiceFactory {
	return &ServiceFactory{
		deps:       deps,
		authorizer: authz.NewAuthorizer(deps.Catalog, deps.Registry),
	}
}

// SecurityService returns the security service instance (singleton)
func (f *ServiceFactory) SecurityService() *SecurityService {
	if f.securityService == nil {
		f.securityService = NewSecurityService(
			f.deps.Store.Identities,
			f.deps.Sessions,
			f.authorizer,
			f.deps.Trail,
			f.deps.Secrets,
			f.deps.Config.MFA,
			f.deps.Logger,
		)
	}
	return f.securityService
}

// IdentityService returns the identity service instance (singleton)
func (f *ServiceFactory) IdentityService() *IdentityService {
	if f.identityService == nil {
		f.identityService = NewIdentityService(
			f.deps.Store.Identities,
			f.deps.Sessions,
			f.deps.Catalog,
			f.deps.Registry,
			f.deps.Trail,
			f.deps.Secrets,
			f.deps.Config.MFA,
			f.deps.Logger,
		)
	}
	return f.identityService
}

// PolicyService returns the policy service instance (singleton)
func (f *ServiceFactory) PolicyService() *PolicyService {
	if f.policyService == nil {
		f.policyService = NewPolicyService(
			f.deps.Store.Permissions,
			f.deps.Store.Roles,
			f.deps.Catalog,
			f.deps.Registry,
			f.deps.Trail,
			f.deps.Logger,
		)
	}
	return f.policyService
}

// AuditService returns the audit service instance (singleton)
func (f *ServiceFactory) AuditService() *AuditService {
	if f.auditService == nil {
		f.auditService = NewAuditService(
			f.deps.Trail,
			f.deps.Searcher,
			f.deps.Config.Elasticsearch.AuditIndex,
			f.deps.Counter,
			f.deps.Logger,
		)
	}
	return f.auditService
}

// Sweeper assembles the periodic maintenance tasks.
func (f *ServiceFactory) Sweeper() *Sweeper {
	tasks := []SweepTask{
		{Name: "sessions", Run: func(ctx context.Context) (int, error) {
			stats, err := f.deps.Sessions.Sweep(ctx)
			return stats.Expired + stats.Deleted, err
		}},
		{Name: "identities", Run: f.IdentityService().DeactivateExpired},
		{Name: "audit_fallback", Run: f.deps.Trail.FlushFallback},
		{Name: "policy", Run: func(ctx context.Context) (int, error) {
			return 0, f.PolicyService().Reload(ctx)
		}},
	}
	if f.deps.Guard != nil {
		tasks = append(tasks, SweepTask{Name: "rate_windows", Run: f.deps.Guard.Expire})
	}
	return NewSweeper(f.deps.Config.Sweeper.Interval, f.deps.Logger, tasks...)
}
