package models

import "time"

type AdminIdentity struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Role             RoleName   `json:"role" db:"role"`
	Permissions      []string   `json:"permissions,omitempty" db:"permissions"`
	AllowedIPs       []string   `json:"allowed_ips,omitempty" db:"allowed_ips"`
	TwoFactorEnabled bool       `json:"two_factor_enabled" db:"two_factor_enabled"`
	TwoFactorSecret  []byte     `json:"-" db:"two_factor_secret"`
	TwoFactorPending []byte     `json:"-" db:"two_factor_pending"`
	MaxSessions      int        `json:"max_sessions" db:"max_sessions"`
	ActiveSessions   int        `json:"active_sessions" db:"active_sessions"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	SuspendedAt      *time.Time `json:"suspended_at,omitempty" db:"suspended_at"`
	SuspendedReason  string     `json:"suspended_reason,omitempty" db:"suspended_reason"`
	SuspendedBy      string     `json:"suspended_by,omitempty" db:"suspended_by"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Department       string     `json:"department,omitempty" db:"department"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	LastLoginIP      string     `json:"last_login_ip,omitempty" db:"last_login_ip"`
	CreatedBy        string     `json:"created_by,omitempty" db:"created_by"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

func (a *AdminIdentity) IsSuspended() bool {
	return a.SuspendedAt != nil
}

func (a *AdminIdentity) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

func (a *AdminIdentity) HasOverride(name string) bool {
	for _, p := range a.Permissions {
		if p == name {
			return true
		}
	}
	return false
}
