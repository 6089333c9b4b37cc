package models

import "time"

type Resource string

const (
	ResourcePosts         Resource = "posts"
	ResourceComments      Resource = "comments"
	ResourceUsers         Resource = "users"
	ResourceAdmins        Resource = "admins"
	ResourceRoles         Resource = "roles"
	ResourcePermissions   Resource = "permissions"
	ResourceSessions      Resource = "sessions"
	ResourceAudit         Resource = "audit"
	ResourceAnalytics     Resource = "analytics"
	ResourceSettings      Resource = "settings"
	ResourceNotifications Resource = "notifications"
	ResourceReports       Resource = "reports"
	ResourceSystem        Resource = "system"
)

var Resources = []Resource{
	ResourcePosts, ResourceComments, ResourceUsers, ResourceAdmins, ResourceRoles,
	ResourcePermissions, ResourceSessions, ResourceAudit, ResourceAnalytics,
	ResourceSettings, ResourceNotifications, ResourceReports, ResourceSystem,
}

func (r Resource) Valid() bool {
	for _, v := range Resources {
		if v == r {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionRestore  Action = "restore"
	ActionModerate Action = "moderate"
	ActionExport   Action = "export"
	ActionManage   Action = "manage"
	ActionApprove  Action = "approve"
	ActionSuspend  Action = "suspend"
)

var Actions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionRestore,
	ActionModerate, ActionExport, ActionManage, ActionApprove, ActionSuspend,
}

func (a Action) Valid() bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// PermissionName joins a resource and action into the canonical "resource.action" form.
func PermissionName(resource Resource, action Action) string {
	return string(resource) + "." + string(action)
}

type Permission struct {
	Name             string          `json:"name" db:"name"`
	Resource         Resource        `json:"resource" db:"resource"`
	Action           Action          `json:"action" db:"action"`
	Description      string          `json:"description,omitempty" db:"description"`
	Conditions       []ConditionSpec `json:"conditions,omitempty" db:"conditions"`
	RiskLevel        RiskLevel       `json:"risk_level" db:"risk_level"`
	RequiresMFA      bool            `json:"requires_mfa" db:"requires_mfa"`
	RequiresApproval bool            `json:"requires_approval" db:"requires_approval"`
	IsSystem         bool            `json:"is_system" db:"is_system"`
	IsActive         bool            `json:"is_active" db:"is_active"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// ConditionSpec is the serialized form of a permission condition. Kind selects
// the variant; only the fields relevant to that kind are set.
type ConditionSpec struct {
	Kind   string    `json:"kind"`
	Limit  int       `json:"limit,omitempty"`
	After  time.Time `json:"after,omitempty"`
	Fields []string  `json:"fields,omitempty"`
}

const (
	ConditionOwnOnly        = "own_only"
	ConditionSameDepartment = "same_department"
	ConditionMaxRecords     = "max_records"
	ConditionCreatedAfter   = "created_after"
	ConditionExcludeFields  = "exclude_fields"
)
