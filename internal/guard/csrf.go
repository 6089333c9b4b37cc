package guard

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	OriginReasonMissing  = "missing_origin"
	OriginReasonNull     = "null_origin"
	OriginReasonInvalid  = "invalid_origin"
	OriginReasonMismatch = "origin_mismatch"
)

// IsSafeMethod reports methods that never change state.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// CheckOrigin verifies that a state-changing request originates from the
// host it targets. It returns a non-empty reason on rejection.
func CheckOrigin(r *http.Request) string {
	if IsSafeMethod(r.Method) {
		return ""
	}

	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" {
		return OriginReasonMissing
	}
	if strings.EqualFold(strings.TrimSpace(source), "null") {
		return OriginReasonNull
	}

	u, err := url.Parse(source)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return OriginReasonInvalid
	}
	if !strings.EqualFold(u.Host, r.Host) {
		return OriginReasonMismatch
	}
	return ""
}
