package models

import "time"

type RoleName string

const (
	RoleSuperAdmin     RoleName = "super_admin"
	RoleAdmin          RoleName = "admin"
	RoleModerator      RoleName = "moderator"
	RoleContentManager RoleName = "content_manager"
	RoleAnalyst        RoleName = "analyst"
	RoleSupport        RoleName = "support"
)

var RoleNames = []RoleName{
	RoleSuperAdmin, RoleAdmin, RoleModerator, RoleContentManager, RoleAnalyst, RoleSupport,
}

func (r RoleName) Valid() bool {
	for _, v := range RoleNames {
		if v == r {
			return true
		}
	}
	return false
}

type Role struct {
	Name        RoleName  `json:"name" db:"name"`
	DisplayName string    `json:"display_name,omitempty" db:"display_name"`
	Description string    `json:"description,omitempty" db:"description"`
	Permissions []string  `json:"permissions" db:"permissions"`
	InheritFrom RoleName  `json:"inherit_from,omitempty" db:"inherit_from"`
	Priority    int       `json:"priority" db:"priority"`
	IsSystem    bool      `json:"is_system" db:"is_system"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
