package handler

import (
	"net/http"

	"admin-security/internal/models"

	"github.com/go-chi/chi/v5"
)

func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles := h.policy.ListRoles()
	resp := successResponse(roles, "")
	resp.Meta = &Meta{Total: len(roles)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) RolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.policy.RolePermissions(models.RoleName(chi.URLParam(r, "role")))
	if err != nil {
		h.fail(w, err, "Failed to resolve role")
		return
	}
	resp := successResponse(perms, "")
	resp.Meta = &Meta{Total: len(perms)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) UpsertRole(w http.ResponseWriter, r *http.Request) {
	var role models.Role
	if err := decodeJSON(w, r, &role); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	role.Name = models.RoleName(chi.URLParam(r, "role"))

	saved, err := h.policy.RegisterRole(r.Context(), principalFrom(r.Context()), role)
	if err != nil {
		h.fail(w, err, "Failed to save role")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(saved, "Role saved"))
}

func (h *AdminHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms := h.policy.ListPermissions()
	resp := successResponse(perms, "")
	resp.Meta = &Meta{Total: len(perms)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) RegisterPermission(w http.ResponseWriter, r *http.Request) {
	var def models.Permission
	if err := decodeJSON(w, r, &def); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	created, err := h.policy.RegisterPermission(r.Context(), principalFrom(r.Context()), def)
	if err != nil {
		h.fail(w, err, "Failed to register permission")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(created, "Permission registered"))
}

func (h *AdminHandler) DeactivatePermission(w http.ResponseWriter, r *http.Request) {
	p, err := h.policy.DeactivatePermission(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "permission"))
	if err != nil {
		h.fail(w, err, "Failed to deactivate permission")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(p, "Permission deactivated"))
}
