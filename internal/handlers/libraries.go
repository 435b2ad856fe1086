package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"mediakeep/internal/database"
	"mediakeep/internal/logging"
	"mediakeep/internal/ws"
)

func (h *Handlers) notifyLibraryChanged(lib *database.Library, change string) {
	if h.hub == nil {
		return
	}
	h.hub.Publish(ws.TypeLibraryChanged, lib.ID, map[string]any{
		"change":  change,
		"library": lib,
	})
}

type libraryRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// validateLibraryRequest normalizes and checks a create/update body. The
// path must be absolute and exist as a directory; catching a typo here is
// friendlier than a silent empty scan later.
func validateLibraryRequest(req *libraryRequest) (database.LibraryKind, string, string) {
	if req.Name == "" {
		return "", "", "name is required"
	}
	kind := database.LibraryKind(req.Kind)
	if kind != database.LibraryMovies && kind != database.LibrarySeries {
		return "", "", "kind must be \"movie\" or \"series\""
	}
	if !filepath.IsAbs(req.Path) {
		return "", "", "path must be absolute"
	}
	path := filepath.Clean(req.Path)
	info, err := os.Stat(path)
	if err != nil {
		return "", "", "path does not exist"
	}
	if !info.IsDir() {
		return "", "", "path is not a directory"
	}
	return kind, path, ""
}

func (h *Handlers) ListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.db.ListLibraries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list libraries")
		return
	}
	if libs == nil {
		libs = []*database.Library{}
	}
	writeJSON(w, http.StatusOK, libs)
}

func (h *Handlers) CreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req libraryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, path, problem := validateLibraryRequest(&req)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	lib := &database.Library{Name: req.Name, Path: path, Kind: kind}
	if err := h.db.CreateLibrary(r.Context(), lib); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeError(w, http.StatusConflict, "a library already uses that path")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create library")
		return
	}

	logging.Info("Library created: %q (%s) at %s", lib.Name, lib.Kind, lib.Path)
	h.notifyLibraryChanged(lib, "created")
	writeJSON(w, http.StatusCreated, lib)
}

func (h *Handlers) UpdateLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid library id")
		return
	}
	var req libraryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, path, problem := validateLibraryRequest(&req)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	lib := &database.Library{ID: id, Name: req.Name, Path: path, Kind: kind}
	if err := h.db.UpdateLibrary(r.Context(), lib); err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			writeError(w, http.StatusNotFound, "library not found")
		case errors.Is(err, database.ErrDuplicate):
			writeError(w, http.StatusConflict, "a library already uses that path")
		default:
			writeError(w, http.StatusInternalServerError, "failed to update library")
		}
		return
	}
	h.notifyLibraryChanged(lib, "updated")
	writeJSON(w, http.StatusOK, lib)
}

// DeleteLibrary removes the library and, through foreign keys, every media
// row, folder, and watch status under it.
func (h *Handlers) DeleteLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid library id")
		return
	}
	if err := h.db.DeleteLibrary(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "library not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete library")
		return
	}
	logging.Info("Library %d deleted", id)
	h.notifyLibraryChanged(&database.Library{ID: id}, "deleted")
	w.WriteHeader(http.StatusNoContent)
}
