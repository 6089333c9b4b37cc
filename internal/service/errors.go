package service

import (
	"errors"
	"fmt"

	"admin-security/internal/authz"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthenticated   = errors.New("authentication required")
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrIdentityExists    = errors.New("identity already exists")
	ErrIdentityInactive  = errors.New("identity is inactive")
	ErrIdentitySuspended = errors.New("identity is suspended")
	ErrIdentityExpired   = errors.New("identity has expired")
	ErrIPNotAllowed      = errors.New("address not in identity allowlist")
	ErrSelfAction        = errors.New("operation not allowed on own identity")
	ErrMFANotEnrolled    = errors.New("two-factor authentication not enrolled")
	ErrMFAAlreadyEnabled = errors.New("two-factor authentication already enabled")
	ErrInvalidMFACode    = errors.New("invalid two-factor code")
	ErrMFARequired       = errors.New("recent two-factor verification required")
	ErrIssuanceDisabled  = errors.New("session issuance is disabled")
	ErrSearchUnavailable = errors.New("audit search is not configured")
	ErrStatsUnavailable  = errors.New("audit analytics are not configured")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// DeniedError carries the authorization decision that rejected a request.
type DeniedError struct {
	Decision authz.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s (%s)", e.Decision.Permission, e.Decision.Reason)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
