package handler

import (
	"net/http"

	"admin-security/internal/models"
	"admin-security/internal/service"

	"github.com/go-chi/chi/v5"
)

type roleRequest struct {
	Role models.RoleName `json:"role"`
}

type permissionRequest struct {
	Permission string `json:"permission"`
}

type allowlistRequest struct {
	AllowedIPs []string `json:"allowed_ips"`
}

func (h *AdminHandler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := h.identities.List(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to list identities")
		return
	}
	resp := successResponse(identities, "")
	resp.Meta = &Meta{Total: len(identities)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.Get(r.Context(), chi.URLParam(r, "identityID"))
	if err != nil {
		h.fail(w, err, "Failed to get identity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, ""))
}

func (h *AdminHandler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req service.CreateIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	identity, err := h.identities.Create(r.Context(), principalFrom(r.Context()), &req)
	if err != nil {
		h.fail(w, err, "Failed to create identity")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(identity, "Identity created"))
}

func (h *AdminHandler) SuspendIdentity(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	identity, err := h.identities.Suspend(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "identityID"), req.Reason)
	if err != nil {
		h.fail(w, err, "Failed to suspend identity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Identity suspended"))
}

func (h *AdminHandler) ReactivateIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.Reactivate(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "identityID"))
	if err != nil {
		h.fail(w, err, "Failed to reactivate identity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Identity reactivated"))
}

func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	identity, err := h.identities.AssignRole(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "identityID"), req.Role)
	if err != nil {
		h.fail(w, err, "Failed to assign role")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Role assigned"))
}

func (h *AdminHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	identity, err := h.identities.GrantPermission(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "identityID"), req.Permission)
	if err != nil {
		h.fail(w, err, "Failed to grant permission")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Permission granted"))
}

func (h *AdminHandler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.RevokePermission(r.Context(), principalFrom(r.Context()),
		chi.URLParam(r, "identityID"), chi.URLParam(r, "permission"))
	if err != nil {
		h.fail(w, err, "Failed to revoke permission")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Permission revoked"))
}

func (h *AdminHandler) SetAllowedIPs(w http.ResponseWriter, r *http.Request) {
	var req allowlistRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	identity, err := h.identities.SetAllowedIPs(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "identityID"), req.AllowedIPs)
	if err != nil {
		h.fail(w, err, "Failed to set allowlist")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Allowlist updated"))
}

func (h *AdminHandler) DisableIdentityMFA(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.DisableTOTP(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "identityID"))
	if err != nil {
		h.fail(w, err, "Failed to disable two-factor")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Two-factor disabled"))
}
