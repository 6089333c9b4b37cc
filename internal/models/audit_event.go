package models

import "time"

type EventType string

const (
	EventLoginSuccess        EventType = "login_success"
	EventLogout              EventType = "logout"
	EventSessionCreated      EventType = "session_created"
	EventSessionExtended     EventType = "session_extended"
	EventSessionInvalidated  EventType = "session_invalidated"
	EventSessionExpired      EventType = "session_expired"
	EventSessionEvicted      EventType = "session_evicted"
	EventMFAVerified         EventType = "mfa_verified"
	EventAuditEventResolved  EventType = "audit_event_resolved"
	EventLoginFailed         EventType = "login_failed"
	EventInvalidSession      EventType = "invalid_session"
	EventPermissionDenied    EventType = "permission_denied"
	EventMFARequired         EventType = "mfa_required"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventIdentityCreated     EventType = "identity_created"
	EventIdentityReactivated EventType = "identity_reactivated"
	EventIdentityExpired     EventType = "identity_expired"
	EventDataExport          EventType = "data_export"
	EventTwoFactorDisabled   EventType = "two_factor_disabled"
	EventSessionBlocked      EventType = "session_blocked"
	EventSuspiciousSession   EventType = "suspicious_session"
	EventMFAFailed           EventType = "mfa_failed"
	EventIPNotAllowed        EventType = "ip_not_allowed"
	EventCSRFRejected        EventType = "csrf_rejected"
	EventSuspiciousRequest   EventType = "suspicious_request"
	EventIdentitySuspended   EventType = "identity_suspended"
	EventRoleAssigned        EventType = "role_assigned"
	EventPermissionGranted   EventType = "permission_granted"
	EventPolicyChanged       EventType = "policy_changed"
	EventTwoFactorEnrolled   EventType = "two_factor_enrolled"
	EventPrivilegeEscalation EventType = "privilege_escalation_attempt"
	EventBruteForceDetected  EventType = "brute_force_detected"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type AuditEvent struct {
	ID         string            `json:"id" db:"id"`
	Type       EventType         `json:"type" db:"event_type"`
	Severity   Severity          `json:"severity" db:"severity"`
	ActorID    string            `json:"actor_id,omitempty" db:"actor_id"`
	IP         string            `json:"ip,omitempty" db:"ip"`
	UserAgent  string            `json:"user_agent,omitempty" db:"user_agent"`
	Path       string            `json:"path,omitempty" db:"path"`
	Action     string            `json:"action,omitempty" db:"action"`
	Details    map[string]string `json:"details,omitempty" db:"details"`
	Timestamp  time.Time         `json:"timestamp" db:"event_time"`
	Resolved   bool              `json:"resolved" db:"resolved"`
	ResolvedBy string            `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
	Notes      string            `json:"notes,omitempty" db:"notes"`
}

type AuditFilter struct {
	Type     EventType
	Severity Severity
	ActorID  string
	IP       string
	Since    time.Time
	Until    time.Time
	Resolved *bool
	Limit    int
}

// Matches reports whether e satisfies every populated filter field.
func (f AuditFilter) Matches(e *AuditEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.IP != "" && e.IP != f.IP {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if f.Resolved != nil && e.Resolved != *f.Resolved {
		return false
	}
	return true
}
