package handlers

import (
	"context"
	"net/http"

	"mediakeep/internal/logging"
	"mediakeep/internal/scan"
)

// StartScan kicks off a scan in the background and returns immediately.
// A scan already running for the requested library is a 409; progress
// streams over the WebSocket hub either way.
func (h *Handlers) StartScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LibraryID int64 `json:"libraryId"`
		Full      *bool `json:"full"`
	}
	// An empty body means a full scan of everything.
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	opts := scan.DefaultOptions()
	opts.LibraryID = req.LibraryID
	if req.Full != nil {
		opts.Full = *req.Full
	}

	if req.LibraryID != 0 && h.orch.Running(req.LibraryID) {
		writeError(w, http.StatusConflict, "a scan is already running for this library")
		return
	}

	// Detached from the request context; closing the browser tab should
	// not cancel a library scan.
	go func() {
		if err := h.orch.Scan(context.Background(), opts); err != nil {
			logging.Error("scan: background run failed: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// ScanStatus reports progress for every library with an active or recent scan.
func (h *Handlers) ScanStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.orch.Statuses()
	if statuses == nil {
		statuses = []scan.Progress{}
	}
	writeJSON(w, http.StatusOK, statuses)
}
