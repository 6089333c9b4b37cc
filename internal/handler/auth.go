package handler

import (
	"context"
	"net"
	"net/http"
	"strings"

	"admin-security/internal/authz"
	"admin-security/internal/guard"
	"admin-security/internal/models"
	"admin-security/internal/service"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p *service.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the principal set by the authentication middleware.
func principalFrom(ctx context.Context) *service.Principal {
	p, _ := ctx.Value(principalKey{}).(*service.Principal)
	return p
}

func requestMeta(r *http.Request) service.RequestMeta {
	ip := guard.ClientIP(r.Context())
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
	}
	return service.RequestMeta{IP: ip, UserAgent: r.UserAgent(), Path: r.URL.Path}
}

// sessionToken reads the session cookie, falling back to a bearer token.
func (h *AdminHandler) sessionToken(r *http.Request) string {
	if c, err := r.Cookie(h.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Authenticate resolves the session of every request and rejects requests
// without a live one.
func (h *AdminHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.security.Authenticate(r.Context(), h.sessionToken(r), requestMeta(r))
		if err != nil {
			h.respondWithError(w, getStatusCode(err), err, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// RequestContextFunc extracts the request attributes a permission's
// conditions are evaluated against.
type RequestContextFunc func(r *http.Request) (authz.RequestContext, error)

// Require rejects requests whose principal lacks resource.action. Only the
// actor and client address are known here, so a permission carrying
// conditions on other attributes fails closed; use RequireWith for those.
func (h *AdminHandler) Require(resource models.Resource, action models.Action) func(http.Handler) http.Handler {
	return h.RequireWith(resource, action, nil)
}

// RequireWith is Require with the condition context built by build.
func (h *AdminHandler) RequireWith(resource models.Resource, action models.Action, build RequestContextFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())

			var rctx authz.RequestContext
			if build != nil {
				var err error
				if rctx, err = build(r); err != nil {
					h.fail(w, err, "Invalid request")
					return
				}
			}
			if p != nil && p.Identity != nil {
				if rctx.ActorID == "" {
					rctx.ActorID = p.Identity.ID
				}
				if rctx.ActorDepartment == "" {
					rctx.ActorDepartment = p.Identity.Department
				}
			}

			if _, err := h.security.Authorize(r.Context(), p, resource, action, rctx); err != nil {
				h.respondWithError(w, getStatusCode(err), err, "Not authorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
