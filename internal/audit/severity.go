package audit

import (
	"strings"

	"admin-security/internal/models"
)

var severityTable = map[models.EventType]models.Severity{
	models.EventLoginSuccess:       models.SeverityLow,
	models.EventLogout:             models.SeverityLow,
	models.EventSessionCreated:     models.SeverityLow,
	models.EventSessionExtended:    models.SeverityLow,
	models.EventSessionInvalidated: models.SeverityLow,
	models.EventSessionExpired:     models.SeverityLow,
	models.EventSessionEvicted:     models.SeverityLow,
	models.EventMFAVerified:        models.SeverityLow,
	models.EventAuditEventResolved: models.SeverityLow,

	models.EventLoginFailed:         models.SeverityMedium,
	models.EventInvalidSession:      models.SeverityMedium,
	models.EventPermissionDenied:    models.SeverityMedium,
	models.EventMFARequired:         models.SeverityMedium,
	models.EventRateLimitExceeded:   models.SeverityMedium,
	models.EventIdentityCreated:     models.SeverityMedium,
	models.EventIdentityReactivated: models.SeverityMedium,
	models.EventIdentityExpired:     models.SeverityMedium,
	models.EventDataExport:          models.SeverityMedium,
	models.EventTwoFactorDisabled:   models.SeverityMedium,

	models.EventSessionBlocked:    models.SeverityHigh,
	models.EventSuspiciousSession: models.SeverityHigh,
	models.EventMFAFailed:         models.SeverityHigh,
	models.EventIPNotAllowed:      models.SeverityHigh,
	models.EventCSRFRejected:      models.SeverityHigh,
	models.EventSuspiciousRequest: models.SeverityHigh,
	models.EventIdentitySuspended: models.SeverityHigh,
	models.EventRoleAssigned:      models.SeverityHigh,
	models.EventPermissionGranted: models.SeverityHigh,
	models.EventPolicyChanged:     models.SeverityHigh,
	models.EventTwoFactorEnrolled: models.SeverityHigh,

	models.EventPrivilegeEscalation: models.SeverityCritical,
	models.EventBruteForceDetected:  models.SeverityCritical,
}

// SeverityOf maps an event type to its fixed severity.
func SeverityOf(t models.EventType) (models.Severity, bool) {
	s, ok := severityTable[t]
	return s, ok
}

// Weight is the threat-score contribution of one event at severity s.
func Weight(s models.Severity) int {
	switch s {
	case models.SeverityLow:
		return 1
	case models.SeverityMedium:
		return 3
	case models.SeverityHigh:
		return 7
	case models.SeverityCritical:
		return 15
	}
	return 0
}

func rank(s models.Severity) int {
	switch s {
	case models.SeverityLow:
		return 1
	case models.SeverityMedium:
		return 2
	case models.SeverityHigh:
		return 3
	case models.SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as min.
func AtLeast(s, min models.Severity) bool {
	return rank(s) >= rank(min)
}

// KnownEventType reports whether t belongs to the audit taxonomy.
func KnownEventType(t models.EventType) bool {
	_, ok := severityTable[t]
	return ok
}

// ParseSeverity accepts any case.
func ParseSeverity(s string) (models.Severity, bool) {
	switch sev := models.Severity(strings.ToUpper(s)); sev {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
		return sev, true
	}
	return "", false
}
