package handlers

import (
	"errors"
	"net/http"

	"mediakeep/internal/database"
	"mediakeep/internal/logging"
)

func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	role := database.Role(req.Role)
	if role == "" {
		role = database.RoleMember
	}
	if role != database.RoleAdmin && role != database.RoleMember {
		writeError(w, http.StatusBadRequest, "role must be \"admin\" or \"member\"")
		return
	}

	user, err := h.db.CreateUser(r.Context(), req.Username, req.Password, role)
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeError(w, http.StatusConflict, "username is taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	logging.Info("User %q created with role %s", user.Username, user.Role)
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handlers) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role := database.Role(req.Role)
	if role != database.RoleAdmin && role != database.RoleMember {
		writeError(w, http.StatusBadRequest, "role must be \"admin\" or \"member\"")
		return
	}

	if err := h.db.UpdateUserRole(r.Context(), id, role); err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, database.ErrLastAdmin):
			writeError(w, http.StatusConflict, "cannot demote the last admin")
		default:
			writeError(w, http.StatusInternalServerError, "failed to update role")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handlers) UpdateUserPassword(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	if err := h.db.UpdatePassword(r.Context(), id, req.Password); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.db.DeleteUser(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, database.ErrLastAdmin):
			writeError(w, http.StatusConflict, "cannot delete the last admin")
		default:
			writeError(w, http.StatusInternalServerError, "failed to delete user")
		}
		return
	}
	logging.Info("User %d deleted", id)
	w.WriteHeader(http.StatusNoContent)
}
