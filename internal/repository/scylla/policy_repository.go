package scylla

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"admin-security/internal/models"
	"admin-security/internal/util"
)

const (
	permissionColumns = `name, resource, action, description, conditions, risk_level,
		requires_mfa, requires_approval, is_system, is_active, created_at, updated_at`
	roleColumns = `name, display_name, description, permissions, inherit_from, priority,
		is_system, is_active, created_at, updated_at`
)

// PolicyRepository stores the permission catalog and role definitions.
type PolicyRepository struct {
	client *ScyllaClient
}

func NewPolicyRepository(client *ScyllaClient) *PolicyRepository {
	return &PolicyRepository{client: client}
}

func (r *PolicyRepository) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	iter := r.client.Query(ctx, `SELECT `+permissionColumns+` FROM permissions`).Iter()

	var out []models.Permission
	var (
		p          models.Permission
		resource   string
		action     string
		risk       string
		conditions string
	)
	for iter.Scan(&p.Name, &resource, &action, &p.Description, &conditions, &risk,
		&p.RequiresMFA, &p.RequiresApproval, &p.IsSystem, &p.IsActive, &p.CreatedAt, &p.UpdatedAt) {
		p.Resource = models.Resource(resource)
		p.Action = models.Action(action)
		p.RiskLevel = models.RiskLevel(risk)
		p.Conditions = nil
		if conditions != "" {
			if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
				iter.Close()
				return nil, fmt.Errorf("permission %s: invalid conditions: %w", p.Name, err)
			}
		}
		out = append(out, p)
		p = models.Permission{}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list permissions", zap.Error(err))
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return out, nil
}

func (r *PolicyRepository) SavePermission(ctx context.Context, p models.Permission) error {
	conditions := ""
	if len(p.Conditions) > 0 {
		raw, err := json.Marshal(p.Conditions)
		if err != nil {
			return fmt.Errorf("failed to encode conditions: %w", err)
		}
		conditions = string(raw)
	}
	err := r.client.Query(ctx, `INSERT INTO permissions (`+permissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, string(p.Resource), string(p.Action), p.Description, conditions, string(p.RiskLevel),
		p.RequiresMFA, p.RequiresApproval, p.IsSystem, p.IsActive, p.CreatedAt, p.UpdatedAt,
	).Exec()
	if err != nil {
		util.Error("Failed to save permission", zap.String("name", p.Name), zap.Error(err))
		return fmt.Errorf("failed to save permission: %w", err)
	}
	return nil
}

func (r *PolicyRepository) ListRoles(ctx context.Context) ([]models.Role, error) {
	iter := r.client.Query(ctx, `SELECT `+roleColumns+` FROM roles`).Iter()

	var out []models.Role
	var (
		role    models.Role
		name    string
		inherit string
	)
	for iter.Scan(&name, &role.DisplayName, &role.Description, &role.Permissions, &inherit,
		&role.Priority, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt) {
		role.Name = models.RoleName(name)
		role.InheritFrom = models.RoleName(inherit)
		out = append(out, role)
		role = models.Role{}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list roles", zap.Error(err))
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return out, nil
}

func (r *PolicyRepository) SaveRole(ctx context.Context, role models.Role) error {
	err := r.client.Query(ctx, `INSERT INTO roles (`+roleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(role.Name), role.DisplayName, role.Description, role.Permissions, string(role.InheritFrom),
		role.Priority, role.IsSystem, role.IsActive, role.CreatedAt, role.UpdatedAt,
	).Exec()
	if err != nil {
		util.Error("Failed to save role", zap.String("name", string(role.Name)), zap.Error(err))
		return fmt.Errorf("failed to save role: %w", err)
	}
	return nil
}
