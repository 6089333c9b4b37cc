package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"admin-security/internal/authz"
	"admin-security/internal/models"
	"admin-security/internal/repository"
	"admin-security/internal/util"

	"go.uber.org/zap"
)

// PolicyService keeps the in-memory catalog and role graph in step with the
// store.
type PolicyService struct {
	permissions repository.PermissionRepository
	roles       repository.RoleRepository
	catalog     *authz.Catalog
	registry    *authz.Registry
	recorder    EventRecorder
	now         func() time.Time
	logger      *zap.Logger

	mu sync.Mutex
}

// NewPolicyService creates a new policy service
func NewPolicyService(
	permissions repository.PermissionRepository,
	roles repository.RoleRepository,
	catalog *authz.Catalog,
	registry *authz.Registry,
	recorder EventRecorder,
	logger *zap.Logger,
) *PolicyService {
	return &PolicyService{
		permissions: permissions,
		roles:       roles,
		catalog:     catalog,
		registry:    registry,
		recorder:    recorder,
		now:         time.Now,
		logger:      logger,
	}
}

// Bootstrap loads policy from the store, seeding the default catalog and
// role graph into an empty store first.
func (s *PolicyService) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perms, err := s.permissions.ListPermissions(ctx)
	if err != nil {
		return storeError("list permissions", err)
	}
	if len(perms) == 0 {
		perms = authz.DefaultPermissions()
		now := s.now().UTC()
		for i := range perms {
			perms[i].CreatedAt = now
			perms[i].UpdatedAt = now
			if err := s.permissions.SavePermission(ctx, perms[i]); err != nil {
				return storeError("seed permission", err)
			}
		}
		s.logger.Info("Seeded default permission catalog", util.Int("permissions", len(perms)))
	}
	if err := s.catalog.Load(perms); err != nil {
		return fmt.Errorf("failed to load permission catalog: %w", err)
	}

	roles, err := s.roles.ListRoles(ctx)
	if err != nil {
		return storeError("list roles", err)
	}
	if len(roles) == 0 {
		roles = authz.DefaultRoles()
		now := s.now().UTC()
		for i := range roles {
			roles[i].CreatedAt = now
			roles[i].UpdatedAt = now
			if err := s.roles.SaveRole(ctx, roles[i]); err != nil {
				return storeError("seed role", err)
			}
		}
		s.logger.Info("Seeded default roles", util.Int("roles", len(roles)))
	}
	if err := s.registry.Load(roles); err != nil {
		return fmt.Errorf("failed to load role graph: %w", err)
	}

	s.logger.Info("Policy loaded",
		util.Int("permissions", s.catalog.Len()),
		util.Int("roles", len(roles)),
	)
	return nil
}

// Reload replaces in-memory policy with the store contents. An empty or
// invalid store leaves the current policy in place.
func (s *PolicyService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perms, err := s.permissions.ListPermissions(ctx)
	if err != nil {
		return storeError("list permissions", err)
	}
	roles, err := s.roles.ListRoles(ctx)
	if err != nil {
		return storeError("list roles", err)
	}
	if len(perms) == 0 || len(roles) == 0 {
		return nil
	}

	previous := s.catalog.List()
	if err := s.catalog.Load(perms); err != nil {
		return fmt.Errorf("stored permission catalog rejected: %w", err)
	}
	if err := s.registry.Load(roles); err != nil {
		if restoreErr := s.catalog.Load(previous); restoreErr != nil {
			s.logger.Error("Failed to restore permission catalog", util.ErrorField(restoreErr))
		}
		return fmt.Errorf("stored role graph rejected: %w", err)
	}
	s.registry.Invalidate()
	return nil
}

// RegisterPermission validates, persists and activates a new permission.
func (s *PolicyService) RegisterPermission(ctx context.Context, actor *Principal, def models.Permission) (models.Permission, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" && def.Resource != "" && def.Action != "" {
		def.Name = models.PermissionName(def.Resource, def.Action)
	}
	if def.RiskLevel == "" {
		def.RiskLevel = models.RiskMedium
	}
	def.IsSystem = false
	def.IsActive = true
	now := s.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := authz.ValidatePermission(def); err != nil {
		return models.Permission{}, err
	}
	if s.catalog.Exists(def.Name) {
		return models.Permission{}, models.NewValidationError("name", fmt.Sprintf("%q: %v", def.Name, authz.ErrDuplicatePermission))
	}
	if err := s.permissions.SavePermission(ctx, def); err != nil {
		return models.Permission{}, storeError("save permission", err)
	}
	if err := s.catalog.Register(def); err != nil {
		return models.Permission{}, err
	}
	s.registry.Invalidate()

	record(ctx, s.recorder, s.logger, s.policyEvent(actor, "register_permission",
		map[string]string{"permission": def.Name, "risk_level": string(def.RiskLevel)}))
	return def, nil
}

// DeactivatePermission withdraws a non-system permission.
func (s *PolicyService) DeactivatePermission(ctx context.Context, actor *Principal, name string) (models.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.catalog.Deactivate(name)
	if err != nil {
		return models.Permission{}, err
	}
	if err := s.permissions.SavePermission(ctx, p); err != nil {
		return models.Permission{}, storeError("save permission", err)
	}
	s.registry.Invalidate()

	record(ctx, s.recorder, s.logger, s.policyEvent(actor, "deactivate_permission",
		map[string]string{"permission": name}))
	return p, nil
}

// RegisterRole adds or replaces a role definition. The whole graph is
// validated first; cycles and unknown permissions are rejected.
func (s *PolicyService) RegisterRole(ctx context.Context, actor *Principal, role models.Role) (models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.registry.Get(role.Name); ok {
		role.IsSystem = prev.IsSystem
		role.CreatedAt = prev.CreatedAt
	} else {
		role.IsSystem = false
	}
	role.IsActive = true

	if err := s.registry.Register(role); err != nil {
		return models.Role{}, err
	}
	stored, _ := s.registry.Get(role.Name)
	if err := s.roles.SaveRole(ctx, stored); err != nil {
		// the next reload restores the stored graph
		return models.Role{}, storeError("save role", err)
	}

	record(ctx, s.recorder, s.logger, s.policyEvent(actor, "register_role",
		map[string]string{"role": string(role.Name), "inherit_from": string(role.InheritFrom)}))
	return stored, nil
}

func (s *PolicyService) policyEvent(actor *Principal, action string, details map[string]string) *models.AuditEvent {
	e := &models.AuditEvent{Type: models.EventPolicyChanged, ActorID: actor.actorID(), Action: action, Details: details}
	if actor != nil {
		e.IP = actor.Meta.IP
		e.UserAgent = actor.Meta.UserAgent
		e.Path = actor.Meta.Path
	}
	return e
}

func (s *PolicyService) ListPermissions() []models.Permission {
	return s.catalog.List()
}

func (s *PolicyService) ListRoles() []models.Role {
	return s.registry.List()
}

// RolePermissions returns the effective permission names of a role,
// including inherited ones.
func (s *PolicyService) RolePermissions(name models.RoleName) ([]string, error) {
	if _, ok := s.registry.Get(name); !ok {
		return nil, fmt.Errorf("%w: %s", authz.ErrUnknownRole, name)
	}
	set, err := s.registry.ResolveEffectivePermissions(name)
	if err != nil {
		return nil, err
	}
	return set.Names(), nil
}
