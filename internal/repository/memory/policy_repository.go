package memory

import (
	"context"
	"sort"
	"sync"

	"admin-security/internal/models"
)

type PermissionRepository struct {
	mu    sync.RWMutex
	perms map[string]models.Permission
}

func NewPermissionRepository() *PermissionRepository {
	return &PermissionRepository{perms: make(map[string]models.Permission)}
}

func (r *PermissionRepository) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Permission, 0, len(r.perms))
	for _, p := range r.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *PermissionRepository) SavePermission(ctx context.Context, p models.Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms[p.Name] = p
	return nil
}

type RoleRepository struct {
	mu    sync.RWMutex
	roles map[models.RoleName]models.Role
}

func NewRoleRepository() *RoleRepository {
	return &RoleRepository{roles: make(map[models.RoleName]models.Role)}
}

func (r *RoleRepository) ListRoles(ctx context.Context) ([]models.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Role, 0, len(r.roles))
	for _, role := range r.roles {
		role.Permissions = append([]string(nil), role.Permissions...)
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *RoleRepository) SaveRole(ctx context.Context, role models.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role.Permissions = append([]string(nil), role.Permissions...)
	r.roles[role.Name] = role
	return nil
}
