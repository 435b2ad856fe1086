package handlers

import (
	"errors"
	"net/http"

	"mediakeep/internal/database"
	"mediakeep/internal/middleware"
)

// ListDevices returns the caller's active sessions, one per signed-in device.
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	sessions, err := h.db.ListSessions(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if sessions == nil {
		sessions = []*database.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// CreatePin issues a short-lived pairing code bound to the caller's account.
// The code is shown once and only its hash persists.
func (h *Handlers) CreatePin(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var req struct {
		DeviceName string `json:"deviceName"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	code, pin, err := h.auth.CreatePin(r.Context(), user.ID, req.DeviceName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create pairing code")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":      code,
		"expiresAt": pin.ExpiresAt,
	})
}

// RevokeDevice signs out one of the caller's sessions. Revoking the session
// used for this very request works and logs the caller out.
func (h *Handlers) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	user := middleware.UserFrom(r.Context())

	if err := h.db.RevokeSession(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to revoke device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
