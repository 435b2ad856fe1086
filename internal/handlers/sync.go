package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"mediakeep/internal/database"
	"mediakeep/internal/middleware"
	"mediakeep/internal/ws"
)

// ListSyncSessions returns what the caller's devices are currently playing.
func (h *Handlers) ListSyncSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	sessions, err := h.db.ListSyncSessions(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sync sessions")
		return
	}
	if sessions == nil {
		sessions = []*database.SyncSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ReportSync upserts a device's playback report. Omitting the id starts a
// new sync session; repeating it updates in place. Other devices hear about
// it over the WebSocket hub.
func (h *Handlers) ReportSync(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	var req struct {
		ID              string  `json:"id"`
		DeviceID        string  `json:"deviceId"`
		MediaID         int64   `json:"mediaId"`
		PositionSeconds float64 `json:"positionSeconds"`
		State           string  `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MediaID == 0 {
		writeError(w, http.StatusBadRequest, "mediaId is required")
		return
	}
	state := database.SyncState(req.State)
	if state != database.SyncPlaying && state != database.SyncPaused && state != database.SyncStopped {
		writeError(w, http.StatusBadRequest, "state must be \"playing\", \"paused\", or \"stopped\"")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	session := &database.SyncSession{
		ID:              req.ID,
		UserID:          user.ID,
		DeviceID:        req.DeviceID,
		MediaID:         req.MediaID,
		PositionSeconds: req.PositionSeconds,
		State:           state,
	}
	if err := h.db.UpsertSyncSession(r.Context(), session); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save sync session")
		return
	}
	if h.hub != nil {
		h.hub.Publish(ws.TypeSyncUpdate, 0, session)
	}
	writeJSON(w, http.StatusOK, session)
}

// DeleteSyncSession removes one sync session, e.g. when playback ends.
func (h *Handlers) DeleteSyncSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	id := mux.Vars(r)["id"]

	if err := h.db.DeleteSyncSession(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sync session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete sync session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
