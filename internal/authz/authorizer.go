package authz

import (
	"net/netip"
	"strings"
	"time"

	"admin-security/internal/models"
)

type Reason string

const (
	ReasonGranted              Reason = "GRANTED"
	ReasonIdentityInactive     Reason = "IDENTITY_INACTIVE"
	ReasonIdentitySuspended    Reason = "IDENTITY_SUSPENDED"
	ReasonIdentityExpired      Reason = "IDENTITY_EXPIRED"
	ReasonIPNotAllowed         Reason = "IP_NOT_ALLOWED"
	ReasonUnknownPermission    Reason = "UNKNOWN_PERMISSION"
	ReasonRoleUnresolved       Reason = "ROLE_UNRESOLVED"
	ReasonPermissionNotGranted Reason = "PERMISSION_NOT_GRANTED"
	ReasonConditionFailed      Reason = "CONDITION_FAILED"
	ReasonMFARequired          Reason = "MFA_REQUIRED"
)

// Decision is the outcome of an authorization check. Denials are values, not errors.
type Decision struct {
	Allowed    bool             `json:"allowed"`
	Reason     Reason           `json:"reason"`
	Permission string           `json:"permission"`
	RiskLevel  models.RiskLevel `json:"risk_level,omitempty"`
}

func deny(reason Reason, permission string) Decision {
	return Decision{Allowed: false, Reason: reason, Permission: permission}
}

type Authorizer struct {
	catalog *Catalog
	roles   *Registry
	now     func() time.Time
}

type AuthorizerOption func(*Authorizer)

func WithClock(now func() time.Time) AuthorizerOption {
	return func(a *Authorizer) { a.now = now }
}

func NewAuthorizer(catalog *Catalog, roles *Registry, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{catalog: catalog, roles: roles, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize decides whether identity may perform action on resource. It does
// no I/O and records nothing; callers log denials.
func (a *Authorizer) Authorize(identity *models.AdminIdentity, resource models.Resource, action models.Action, ctx RequestContext, mfaAsserted bool) Decision {
	name := models.PermissionName(resource, action)

	if identity == nil || !identity.IsActive {
		return deny(ReasonIdentityInactive, name)
	}
	if identity.IsSuspended() {
		return deny(ReasonIdentitySuspended, name)
	}
	if identity.IsExpired(a.now()) {
		return deny(ReasonIdentityExpired, name)
	}
	if len(identity.AllowedIPs) > 0 && !IPAllowed(identity.AllowedIPs, ctx.IP) {
		return deny(ReasonIPNotAllowed, name)
	}

	entry, ok := a.catalog.lookupEntry(name)
	if !ok || !entry.permission.IsActive {
		return deny(ReasonUnknownPermission, name)
	}

	granted := identity.HasOverride(name)
	if !granted {
		effective, err := a.roles.ResolveEffectivePermissions(identity.Role)
		if err != nil {
			return deny(ReasonRoleUnresolved, name)
		}
		granted = effective.Has(name)
	}
	if !granted {
		d := deny(ReasonPermissionNotGranted, name)
		d.RiskLevel = entry.permission.RiskLevel
		return d
	}

	ctx.ActorID = identity.UserID
	ctx.ActorDepartment = identity.Department
	if !CheckConditions(entry.conditions, ctx) {
		d := deny(ReasonConditionFailed, name)
		d.RiskLevel = entry.permission.RiskLevel
		return d
	}

	if entry.permission.RequiresMFA && !(identity.TwoFactorEnabled && mfaAsserted) {
		d := deny(ReasonMFARequired, name)
		d.RiskLevel = entry.permission.RiskLevel
		return d
	}

	return Decision{Allowed: true, Reason: ReasonGranted, Permission: name, RiskLevel: entry.permission.RiskLevel}
}

// IPAllowed reports whether ip falls within any allowlist entry. Entries may
// be CIDR prefixes or bare addresses; malformed entries never match.
func IPAllowed(allowlist []string, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(entry)
		if err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// ValidateAllowlist rejects malformed CIDR or address entries.
func ValidateAllowlist(allowlist []string) error {
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		var err error
		if strings.Contains(entry, "/") {
			_, err = netip.ParsePrefix(entry)
		} else {
			_, err = netip.ParseAddr(entry)
		}
		if err != nil {
			return models.NewValidationError("allowed_ips", "invalid entry "+entry)
		}
	}
	return nil
}
