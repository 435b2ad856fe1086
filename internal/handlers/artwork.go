package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"mediakeep/internal/blobcache"
)

// GetArtwork serves a cached poster or backdrop by its content key. Keys
// are content-addressed, so the response can be cached forever.
func (h *Handlers) GetArtwork(w http.ResponseWriter, r *http.Request) {
	if h.artwork == nil {
		writeError(w, http.StatusServiceUnavailable, "artwork is not enabled")
		return
	}
	key := mux.Vars(r)["key"]
	data, err := h.artwork.Get(key)
	if err != nil {
		if errors.Is(err, blobcache.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artwork not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load artwork")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(data)
}
