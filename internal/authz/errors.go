package authz

import "errors"

var (
	ErrCycleDetected       = errors.New("role inheritance cycle detected")
	ErrUnknownRole         = errors.New("unknown role")
	ErrUnknownPermission   = errors.New("unknown permission")
	ErrDuplicatePermission = errors.New("permission already registered")
	ErrSystemPermission    = errors.New("system permission cannot be modified")
)
