package authz

import (
	"errors"
	"testing"
	"time"

	"admin-security/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultPolicy(t *testing.T) (*Catalog, *Registry) {
	t.Helper()
	c := NewCatalog()
	r := NewRegistry(c)
	require.NoError(t, LoadDefaults(c, r))
	return c, r
}

func activeIdentity(role models.RoleName) *models.AdminIdentity {
	return &models.AdminIdentity{
		ID:          "identity-1",
		UserID:      "user-1",
		Role:        role,
		MaxSessions: 5,
		IsActive:    true,
	}
}

// =========================
// Catalog
// =========================

func TestCatalog_RegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		def  models.Permission
	}{
		{"uppercase name", models.Permission{Name: "Posts.read", Resource: models.ResourcePosts, Action: models.ActionRead, RiskLevel: models.RiskLow}},
		{"missing dot", models.Permission{Name: "postsread", Resource: models.ResourcePosts, Action: models.ActionRead, RiskLevel: models.RiskLow}},
		{"unknown resource", models.Permission{Name: "widgets.read", Resource: "widgets", Action: models.ActionRead, RiskLevel: models.RiskLow}},
		{"unknown action", models.Permission{Name: "posts.fly", Resource: models.ResourcePosts, Action: "fly", RiskLevel: models.RiskLow}},
		{"name mismatch", models.Permission{Name: "posts.read", Resource: models.ResourcePosts, Action: models.ActionDelete, RiskLevel: models.RiskLow}},
		{"bad risk", models.Permission{Name: "posts.read", Resource: models.ResourcePosts, Action: models.ActionRead, RiskLevel: "extreme"}},
		{"bad condition", models.Permission{Name: "posts.read", Resource: models.ResourcePosts, Action: models.ActionRead, RiskLevel: models.RiskLow,
			Conditions: []models.ConditionSpec{{Kind: models.ConditionMaxRecords}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewCatalog().Register(tt.def)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestCatalog_RegisterDuplicate(t *testing.T) {
	c := NewCatalog()
	def := models.Permission{Name: "posts.read", Resource: models.ResourcePosts, Action: models.ActionRead, RiskLevel: models.RiskLow, IsActive: true}
	require.NoError(t, c.Register(def))

	err := c.Register(def)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
}

func TestCatalog_DeactivateSystemPermission(t *testing.T) {
	c, _ := newDefaultPolicy(t)
	_, err := c.Deactivate("posts.read")
	assert.ErrorIs(t, err, ErrSystemPermission)

	_, err = c.Deactivate("posts.unknown")
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

// =========================
// Registry
// =========================

func TestRegistry_TransitiveInheritance(t *testing.T) {
	_, r := newDefaultPolicy(t)

	set, err := r.ResolveEffectivePermissions(models.RoleSuperAdmin)
	require.NoError(t, err)

	// own, parent, and grandparent grants
	assert.True(t, set.Has("system.manage"))
	assert.True(t, set.Has("users.suspend"))
	assert.True(t, set.Has("posts.restore"))
}

func TestRegistry_ModeratorExactSet(t *testing.T) {
	_, r := newDefaultPolicy(t)

	set, err := r.ResolveEffectivePermissions(models.RoleModerator)
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics.read", "posts.delete", "posts.read", "posts.restore", "posts.update"}, set.Names())
}

func TestRegistry_RejectsCycle(t *testing.T) {
	_, r := newDefaultPolicy(t)

	moderator, ok := r.Get(models.RoleModerator)
	require.True(t, ok)
	moderator.InheritFrom = models.RoleSuperAdmin

	err := r.Register(moderator)
	require.True(t, errors.Is(err, ErrCycleDetected))

	// registry unchanged
	got, _ := r.Get(models.RoleModerator)
	assert.Empty(t, got.InheritFrom)
}

func TestRegistry_RejectsSelfInheritance(t *testing.T) {
	_, r := newDefaultPolicy(t)
	role, _ := r.Get(models.RoleSupport)
	role.InheritFrom = models.RoleSupport
	assert.ErrorIs(t, r.Register(role), ErrCycleDetected)
}

func TestRegistry_LoadDetectsCycle(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Load(DefaultPermissions()))
	r := NewRegistry(c)

	err := r.Load([]models.Role{
		{Name: models.RoleAdmin, InheritFrom: models.RoleModerator, IsActive: true},
		{Name: models.RoleModerator, InheritFrom: models.RoleAdmin, IsActive: true},
	})
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.Empty(t, r.List())
}

func TestRegistry_RejectsUnknownParentAndPermission(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Load(DefaultPermissions()))
	r := NewRegistry(c)

	var verr *models.ValidationError
	err := r.Register(models.Role{Name: models.RoleAdmin, InheritFrom: models.RoleModerator, IsActive: true})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "inherit_from", verr.Field)

	err = r.Register(models.Role{Name: models.RoleSupport, Permissions: []string{"posts.fly"}, IsActive: true})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "permissions", verr.Field)

	err = r.Register(models.Role{Name: "janitor", IsActive: true})
	require.ErrorAs(t, err, &verr)
}

func TestRegistry_CacheInvalidatedOnChange(t *testing.T) {
	_, r := newDefaultPolicy(t)

	set, err := r.ResolveEffectivePermissions(models.RoleAdmin)
	require.NoError(t, err)
	require.False(t, set.Has("audit.export"))

	moderator, _ := r.Get(models.RoleModerator)
	moderator.Permissions = append(moderator.Permissions, "audit.export")
	require.NoError(t, r.Register(moderator))

	set, err = r.ResolveEffectivePermissions(models.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, set.Has("audit.export"))
}

// =========================
// Conditions
// =========================

func TestEvaluate_FailsClosed(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		cond Condition
		ctx  RequestContext
		want bool
	}{
		{"own match", OwnOnly{}, RequestContext{ActorID: "u1", OwnerID: "u1"}, true},
		{"own other", OwnOnly{}, RequestContext{ActorID: "u1", OwnerID: "u2"}, false},
		{"own missing owner", OwnOnly{}, RequestContext{ActorID: "u1"}, false},
		{"department match", SameDepartment{}, RequestContext{ActorDepartment: "ops", TargetDepartment: "ops"}, true},
		{"department missing", SameDepartment{}, RequestContext{ActorDepartment: "ops"}, false},
		{"max records within", MaxRecords{Limit: 10}, RequestContext{RecordCount: 10}, true},
		{"max records over", MaxRecords{Limit: 10}, RequestContext{RecordCount: 11}, false},
		{"max records missing", MaxRecords{Limit: 10}, RequestContext{}, false},
		{"created after", CreatedAfter{After: after}, RequestContext{ResourceCreated: after.Add(time.Hour)}, true},
		{"created before", CreatedAfter{After: after}, RequestContext{ResourceCreated: after.Add(-time.Hour)}, false},
		{"created missing", CreatedAfter{After: after}, RequestContext{}, false},
		{"exclude clean", ExcludeFields{Fields: []string{"secret"}}, RequestContext{Fields: []string{"name"}}, true},
		{"exclude hit", ExcludeFields{Fields: []string{"secret"}}, RequestContext{Fields: []string{"name", "secret"}}, false},
		{"exclude no projection", ExcludeFields{Fields: []string{"secret"}}, RequestContext{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, tt.ctx))
		})
	}
}

// =========================
// Authorizer
// =========================

func TestAuthorize_ModeratorDeniedAdminsDelete(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	d := a.Authorize(activeIdentity(models.RoleModerator), models.ResourceAdmins, models.ActionDelete, RequestContext{}, true)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPermissionNotGranted, d.Reason)
	assert.Equal(t, models.RiskCritical, d.RiskLevel)

	d = a.Authorize(activeIdentity(models.RoleModerator), models.ResourcePosts, models.ActionDelete, RequestContext{}, false)
	assert.True(t, d.Allowed)
}

func TestAuthorize_InactiveIdentityDeniedRegardlessOfRole(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	id := activeIdentity(models.RoleSuperAdmin)
	id.IsActive = false
	d := a.Authorize(id, models.ResourcePosts, models.ActionRead, RequestContext{}, true)
	assert.Equal(t, ReasonIdentityInactive, d.Reason)

	d = a.Authorize(nil, models.ResourcePosts, models.ActionRead, RequestContext{}, true)
	assert.Equal(t, ReasonIdentityInactive, d.Reason)
}

func TestAuthorize_SuspendedOverridesGrants(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	id := activeIdentity(models.RoleSuperAdmin)
	now := time.Now()
	id.SuspendedAt = &now
	id.Permissions = []string{"posts.read"}

	d := a.Authorize(id, models.ResourcePosts, models.ActionRead, RequestContext{}, true)
	assert.Equal(t, ReasonIdentitySuspended, d.Reason)
}

func TestAuthorize_ExpiredIdentity(t *testing.T) {
	c, r := newDefaultPolicy(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuthorizer(c, r, WithClock(func() time.Time { return now }))

	id := activeIdentity(models.RoleAdmin)
	expired := now.Add(-time.Minute)
	id.ExpiresAt = &expired

	d := a.Authorize(id, models.ResourcePosts, models.ActionRead, RequestContext{}, false)
	assert.Equal(t, ReasonIdentityExpired, d.Reason)
}

func TestAuthorize_MFARequired(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	id := activeIdentity(models.RoleSuperAdmin)
	id.TwoFactorEnabled = false

	d := a.Authorize(id, models.ResourceAdmins, models.ActionDelete, RequestContext{}, true)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMFARequired, d.Reason)

	id.TwoFactorEnabled = true
	d = a.Authorize(id, models.ResourceAdmins, models.ActionDelete, RequestContext{}, false)
	assert.Equal(t, ReasonMFARequired, d.Reason)

	d = a.Authorize(id, models.ResourceAdmins, models.ActionDelete, RequestContext{}, true)
	assert.True(t, d.Allowed)
}

func TestAuthorize_IPAllowlist(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	id := activeIdentity(models.RoleAdmin)
	id.AllowedIPs = []string{"10.0.0.0/8", "2001:db8::/32", "192.0.2.7"}

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"2001:db8::1", true},
		{"192.0.2.7", true},
		{"::ffff:10.9.9.9", true},
		{"192.0.2.8", false},
		{"", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		d := a.Authorize(id, models.ResourcePosts, models.ActionRead, RequestContext{IP: tt.ip}, false)
		assert.Equal(t, tt.want, d.Allowed, tt.ip)
		if !tt.want {
			assert.Equal(t, ReasonIPNotAllowed, d.Reason, tt.ip)
		}
	}
}

func TestAuthorize_OverridesAreAdditive(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	id := activeIdentity(models.RoleSupport)
	d := a.Authorize(id, models.ResourceAnalytics, models.ActionRead, RequestContext{}, false)
	require.False(t, d.Allowed)

	id.Permissions = []string{"analytics.read"}
	d = a.Authorize(id, models.ResourceAnalytics, models.ActionRead, RequestContext{}, false)
	assert.True(t, d.Allowed)

	// role grants still apply alongside overrides
	d = a.Authorize(id, models.ResourceUsers, models.ActionRead, RequestContext{}, false)
	assert.True(t, d.Allowed)
}

func TestAuthorize_ConditionFailed(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	id := activeIdentity(models.RoleAdmin)
	d := a.Authorize(id, models.ResourcePosts, models.ActionExport, RequestContext{RecordCount: 20000}, false)
	assert.Equal(t, ReasonConditionFailed, d.Reason)

	d = a.Authorize(id, models.ResourcePosts, models.ActionExport, RequestContext{RecordCount: 500}, false)
	assert.True(t, d.Allowed)
}

func TestAuthorize_UnknownAndInactivePermission(t *testing.T) {
	c, r := newDefaultPolicy(t)
	a := NewAuthorizer(c, r)

	id := activeIdentity(models.RoleSuperAdmin)
	d := a.Authorize(id, models.ResourceSystem, models.ActionRead, RequestContext{}, true)
	assert.Equal(t, ReasonUnknownPermission, d.Reason)

	require.NoError(t, c.Register(models.Permission{
		Name: "settings.export", Resource: models.ResourceSettings, Action: models.ActionExport,
		RiskLevel: models.RiskLow, IsActive: true,
	}))
	id.Permissions = []string{"settings.export"}
	require.True(t, a.Authorize(id, models.ResourceSettings, models.ActionExport, RequestContext{}, false).Allowed)

	_, err := c.Deactivate("settings.export")
	require.NoError(t, err)
	d = a.Authorize(id, models.ResourceSettings, models.ActionExport, RequestContext{}, false)
	assert.Equal(t, ReasonUnknownPermission, d.Reason)
}

func TestAuthorize_UnresolvableRole(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Load(DefaultPermissions()))
	r := NewRegistry(c)
	a := NewAuthorizer(c, r)

	d := a.Authorize(activeIdentity(models.RoleAdmin), models.ResourcePosts, models.ActionRead, RequestContext{}, false)
	assert.Equal(t, ReasonRoleUnresolved, d.Reason)
}
