package authz

import (
	"admin-security/internal/models"
)

type permissionSeed struct {
	resource    models.Resource
	action      models.Action
	risk        models.RiskLevel
	mfa         bool
	approval    bool
	conditions  []models.ConditionSpec
	description string
}

var permissionSeeds = []permissionSeed{
	{resource: models.ResourcePosts, action: models.ActionCreate, risk: models.RiskLow, description: "Create posts"},
	{resource: models.ResourcePosts, action: models.ActionRead, risk: models.RiskLow, description: "View posts including hidden ones"},
	{resource: models.ResourcePosts, action: models.ActionUpdate, risk: models.RiskMedium, description: "Edit posts"},
	{resource: models.ResourcePosts, action: models.ActionDelete, risk: models.RiskHigh, description: "Delete posts"},
	{resource: models.ResourcePosts, action: models.ActionRestore, risk: models.RiskMedium, description: "Restore deleted posts"},
	{resource: models.ResourcePosts, action: models.ActionModerate, risk: models.RiskMedium, description: "Moderate post queue"},
	{resource: models.ResourcePosts, action: models.ActionExport, risk: models.RiskMedium, description: "Export posts",
		conditions: []models.ConditionSpec{{Kind: models.ConditionMaxRecords, Limit: 10000}}},

	{resource: models.ResourceComments, action: models.ActionRead, risk: models.RiskLow, description: "View comments"},
	{resource: models.ResourceComments, action: models.ActionUpdate, risk: models.RiskMedium, description: "Edit comments"},
	{resource: models.ResourceComments, action: models.ActionDelete, risk: models.RiskHigh, description: "Delete comments"},
	{resource: models.ResourceComments, action: models.ActionRestore, risk: models.RiskMedium, description: "Restore comments"},
	{resource: models.ResourceComments, action: models.ActionModerate, risk: models.RiskMedium, description: "Moderate comment queue"},

	{resource: models.ResourceUsers, action: models.ActionRead, risk: models.RiskLow, description: "View user accounts"},
	{resource: models.ResourceUsers, action: models.ActionUpdate, risk: models.RiskMedium, description: "Edit user accounts"},
	{resource: models.ResourceUsers, action: models.ActionSuspend, risk: models.RiskHigh, description: "Suspend user accounts"},
	{resource: models.ResourceUsers, action: models.ActionDelete, risk: models.RiskCritical, mfa: true, description: "Delete user accounts"},
	{resource: models.ResourceUsers, action: models.ActionExport, risk: models.RiskHigh, mfa: true, description: "Export user data",
		conditions: []models.ConditionSpec{{Kind: models.ConditionExcludeFields, Fields: []string{"password_hash", "two_factor_secret", "mpin_hash"}}}},

	{resource: models.ResourceAdmins, action: models.ActionCreate, risk: models.RiskCritical, mfa: true, description: "Create admin identities"},
	{resource: models.ResourceAdmins, action: models.ActionRead, risk: models.RiskMedium, description: "View admin identities"},
	{resource: models.ResourceAdmins, action: models.ActionUpdate, risk: models.RiskHigh, mfa: true, description: "Update admin identities"},
	{resource: models.ResourceAdmins, action: models.ActionDelete, risk: models.RiskCritical, mfa: true, approval: true, description: "Delete admin identities"},
	{resource: models.ResourceAdmins, action: models.ActionSuspend, risk: models.RiskCritical, mfa: true, description: "Suspend or reactivate admin identities"},
	{resource: models.ResourceAdmins, action: models.ActionManage, risk: models.RiskCritical, mfa: true, description: "Assign roles and permission overrides"},

	{resource: models.ResourceRoles, action: models.ActionRead, risk: models.RiskLow, description: "View roles"},
	{resource: models.ResourceRoles, action: models.ActionManage, risk: models.RiskCritical, mfa: true, description: "Change role definitions"},
	{resource: models.ResourcePermissions, action: models.ActionRead, risk: models.RiskLow, description: "View the permission catalog"},
	{resource: models.ResourcePermissions, action: models.ActionManage, risk: models.RiskCritical, mfa: true, description: "Register permissions"},

	{resource: models.ResourceSessions, action: models.ActionRead, risk: models.RiskMedium, description: "View other identities' sessions"},
	{resource: models.ResourceSessions, action: models.ActionManage, risk: models.RiskHigh, description: "Invalidate or block sessions"},

	{resource: models.ResourceAudit, action: models.ActionRead, risk: models.RiskMedium, description: "View audit events"},
	{resource: models.ResourceAudit, action: models.ActionExport, risk: models.RiskHigh, mfa: true, description: "Export audit events",
		conditions: []models.ConditionSpec{{Kind: models.ConditionMaxRecords, Limit: 50000}}},
	{resource: models.ResourceAudit, action: models.ActionManage, risk: models.RiskHigh, description: "Resolve audit events"},

	{resource: models.ResourceAnalytics, action: models.ActionRead, risk: models.RiskLow, description: "View analytics"},
	{resource: models.ResourceAnalytics, action: models.ActionExport, risk: models.RiskMedium, description: "Export analytics",
		conditions: []models.ConditionSpec{{Kind: models.ConditionMaxRecords, Limit: 100000}}},

	{resource: models.ResourceSettings, action: models.ActionRead, risk: models.RiskLow, description: "View settings"},
	{resource: models.ResourceSettings, action: models.ActionUpdate, risk: models.RiskHigh, mfa: true, description: "Change settings"},

	{resource: models.ResourceNotifications, action: models.ActionCreate, risk: models.RiskMedium, description: "Send notifications"},
	{resource: models.ResourceNotifications, action: models.ActionRead, risk: models.RiskLow, description: "View notifications"},

	{resource: models.ResourceReports, action: models.ActionCreate, risk: models.RiskLow, description: "Create reports"},
	{resource: models.ResourceReports, action: models.ActionRead, risk: models.RiskLow, description: "View reports"},
	{resource: models.ResourceReports, action: models.ActionExport, risk: models.RiskMedium, description: "Export reports"},
	{resource: models.ResourceReports, action: models.ActionApprove, risk: models.RiskMedium, description: "Approve reports"},

	{resource: models.ResourceSystem, action: models.ActionManage, risk: models.RiskCritical, mfa: true, approval: true, description: "System maintenance"},
}

// DefaultPermissions returns the seed catalog installed into an empty store.
func DefaultPermissions() []models.Permission {
	out := make([]models.Permission, 0, len(permissionSeeds))
	for _, s := range permissionSeeds {
		out = append(out, models.Permission{
			Name:             models.PermissionName(s.resource, s.action),
			Resource:         s.resource,
			Action:           s.action,
			Description:      s.description,
			Conditions:       s.conditions,
			RiskLevel:        s.risk,
			RequiresMFA:      s.mfa,
			RequiresApproval: s.approval,
			IsSystem:         true,
			IsActive:         true,
		})
	}
	return out
}

// DefaultRoles returns the seed role graph. super_admin inherits admin, which
// inherits moderator.
func DefaultRoles() []models.Role {
	roles := []models.Role{
		{
			Name:        models.RoleModerator,
			DisplayName: "Moderator",
			Permissions: []string{"posts.read", "posts.update", "posts.delete", "posts.restore", "analytics.read"},
			Priority:    50,
		},
		{
			Name:        models.RoleAdmin,
			DisplayName: "Administrator",
			InheritFrom: models.RoleModerator,
			Permissions: []string{
				"posts.create", "posts.moderate", "posts.export",
				"comments.read", "comments.update", "comments.delete", "comments.restore", "comments.moderate",
				"users.read", "users.update", "users.suspend", "users.export",
				"admins.read", "roles.read", "permissions.read",
				"sessions.read", "sessions.manage",
				"audit.read", "audit.manage",
				"analytics.export",
				"settings.read",
				"notifications.create", "notifications.read",
				"reports.create", "reports.read", "reports.export", "reports.approve",
			},
			Priority: 80,
		},
		{
			Name:        models.RoleSuperAdmin,
			DisplayName: "Super Administrator",
			InheritFrom: models.RoleAdmin,
			Permissions: []string{
				"users.delete",
				"admins.create", "admins.update", "admins.delete", "admins.suspend", "admins.manage",
				"roles.manage", "permissions.manage",
				"audit.export",
				"settings.update",
				"system.manage",
			},
			Priority: 100,
		},
		{
			Name:        models.RoleContentManager,
			DisplayName: "Content Manager",
			Permissions: []string{
				"posts.create", "posts.read", "posts.update", "posts.delete", "posts.restore", "posts.moderate",
				"comments.read", "comments.update", "comments.delete", "comments.restore", "comments.moderate",
				"notifications.create", "notifications.read",
				"analytics.read",
			},
			Priority: 60,
		},
		{
			Name:        models.RoleAnalyst,
			DisplayName: "Analyst",
			Permissions: []string{
				"posts.read", "analytics.read", "analytics.export",
				"reports.create", "reports.read", "reports.export",
			},
			Priority: 40,
		},
		{
			Name:        models.RoleSupport,
			DisplayName: "Support",
			Permissions: []string{
				"users.read", "users.update", "posts.read", "comments.read",
				"notifications.read", "reports.read",
			},
			Priority: 30,
		},
	}
	for i := range roles {
		roles[i].IsSystem = true
		roles[i].IsActive = true
	}
	return roles
}

// LoadDefaults installs the seed catalog and role graph.
func LoadDefaults(c *Catalog, r *Registry) error {
	if err := c.Load(DefaultPermissions()); err != nil {
		return err
	}
	return r.Load(DefaultRoles())
}
