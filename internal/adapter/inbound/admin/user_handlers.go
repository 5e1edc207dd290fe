package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/svmp/svmp-proxy/internal/domain/user"
	"github.com/svmp/svmp-proxy/internal/service"
)

func (h *AdminAPIHandler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if users == nil {
		users = []*user.User{}
	}
	h.respondJSON(w, http.StatusOK, users)
}

func (h *AdminAPIHandler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in service.NewUser
	if err := h.readJSON(w, r, &in); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	u, err := h.users.CreateUser(r.Context(), in)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, u)
}

func (h *AdminAPIHandler) handleAssignVM(w http.ResponseWriter, r *http.Request) {
	res, err := h.users.AssignVM(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, res)
}

func (h *AdminAPIHandler) handleReleaseVM(w http.ResponseWriter, r *http.Request) {
	if err := h.users.ReleaseVM(r.Context(), chi.URLParam(r, "username")); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminAPIHandler) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.users.ListImages(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, images)
}

func (h *AdminAPIHandler) handleListFlavors(w http.ResponseWriter, r *http.Request) {
	flavors, err := h.users.ListFlavors(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, flavors)
}
