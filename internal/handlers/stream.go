package handlers

import (
	"errors"
	"net/http"
	"path/filepath"

	"mediakeep/internal/database"
	"mediakeep/internal/streaming"
)

// StreamMedia serves the file behind a media item with full Range support.
// Media paths are stored relative to their library root, so the absolute
// path is always root-joined here and never taken from the client.
func (h *Handlers) StreamMedia(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid media id")
		return
	}

	item, err := h.db.GetMediaByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load media")
		return
	}

	lib, err := h.db.GetLibrary(r.Context(), item.LibraryID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load library")
		return
	}

	streaming.ServeFile(w, r, filepath.Join(lib.Path, item.Path), streaming.DefaultConfig())
}
