package scylla

import (
	"admin-security/internal/bucketing"
	"admin-security/internal/repository"
)

func NewStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *repository.Store {
	policy := NewPolicyRepository(client)
	return &repository.Store{
		Permissions: policy,
		Roles:       policy,
		Identities:  NewIdentityRepository(client),
		Sessions:    NewSessionRepository(client),
		Audit:       NewAuditRepository(client, buckets),
	}
}
