// Package memory provides mutex-guarded in-process repositories used in
// development and tests.
package memory

import (
	"admin-security/internal/repository"
)

func NewStore() *repository.Store {
	return &repository.Store{
		Permissions: NewPermissionRepository(),
		Roles:       NewRoleRepository(),
		Identities:  NewIdentityRepository(),
		Sessions:    NewSessionRepository(),
		Audit:       NewAuditRepository(),
	}
}
