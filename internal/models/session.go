package models

import "time"

type SessionState string

const (
	SessionActive      SessionState = "active"
	SessionInvalidated SessionState = "invalidated"
	SessionBlocked     SessionState = "blocked"
	SessionExpired     SessionState = "expired"
)

type DeviceInfo struct {
	DeviceID   string `json:"device_id,omitempty" db:"device_id"`
	DeviceType string `json:"device_type" db:"device_type"`
	Browser    string `json:"browser" db:"browser"`
	OS         string `json:"os" db:"os"`
	UserAgent  string `json:"user_agent" db:"user_agent"`
	IP         string `json:"ip" db:"ip"`
}

// Signature identifies the kind of device independent of its network location.
func (d DeviceInfo) Signature() string {
	return d.DeviceType + "|" + d.OS + "|" + d.Browser
}

type Session struct {
	ID         string `json:"id" db:"id"`
	IdentityID string `json:"identity_id" db:"identity_id"`
	// Token is only populated on the value returned from creation.
	Token             string       `json:"token,omitempty" db:"-"`
	TokenHash         string       `json:"-" db:"token_hash"`
	Device            DeviceInfo   `json:"device" db:"device"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	LastActivity      time.Time    `json:"last_activity" db:"last_activity"`
	ExpiresAt         time.Time    `json:"expires_at" db:"expires_at"`
	State             SessionState `json:"state" db:"state"`
	IsActive          bool         `json:"is_active" db:"is_active"`
	Suspicious        bool         `json:"suspicious" db:"suspicious"`
	SuspiciousReason  string       `json:"suspicious_reason,omitempty" db:"suspicious_reason"`
	Blocked           bool         `json:"blocked" db:"blocked"`
	BlockedReason     string       `json:"blocked_reason,omitempty" db:"blocked_reason"`
	InvalidatedAt     *time.Time   `json:"invalidated_at,omitempty" db:"invalidated_at"`
	InvalidatedReason string       `json:"invalidated_reason,omitempty" db:"invalidated_reason"`
	MFAVerifiedAt     *time.Time   `json:"mfa_verified_at,omitempty" db:"mfa_verified_at"`
}

// Live reports whether the session is active and unexpired at now.
func (s *Session) Live(now time.Time) bool {
	return s.State == SessionActive && s.IsActive && !s.Blocked && now.Before(s.ExpiresAt)
}
