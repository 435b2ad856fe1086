package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"mediakeep/internal/database"
	"mediakeep/internal/middleware"
	"mediakeep/internal/query"
)

// parseMediaQuery maps URL parameters onto a catalog query. Unknown
// parameters are ignored; malformed values of known ones are a 400 at the
// validation layer.
func parseMediaQuery(values url.Values) *query.MediaQuery {
	q := &query.MediaQuery{
		Search: values.Get("search"),
		HDR:    values.Get("hdr"),
	}
	if v := values.Get("library"); v != "" {
		q.LibraryID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := values.Get("kind"); v != "" {
		q.Kinds = strings.Split(v, ",")
	}
	if v := values.Get("yearFrom"); v != "" {
		q.YearFrom, _ = strconv.Atoi(v)
	}
	if v := values.Get("yearTo"); v != "" {
		q.YearTo, _ = strconv.Atoi(v)
	}
	if v := values.Get("year"); v != "" {
		y, _ := strconv.Atoi(v)
		q.YearFrom, q.YearTo = y, y
	}
	q.Watched = query.WatchedFilter(values.Get("watched"))
	if v := values.Get("page"); v != "" {
		q.Page, _ = strconv.Atoi(v)
	}
	if v := values.Get("pageSize"); v != "" {
		q.PageSize, _ = strconv.Atoi(v)
	}
	// sort=year:desc,title
	if v := values.Get("sort"); v != "" {
		for _, term := range strings.Split(v, ",") {
			field, dir, _ := strings.Cut(term, ":")
			q.Sort = append(q.Sort, query.SortField{
				Field: strings.TrimSpace(field),
				Desc:  dir == "desc",
			})
		}
	}
	return q
}

// ListMedia is the main browse endpoint: filter, search, sort, paginate.
func (h *Handlers) ListMedia(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	q := parseMediaQuery(r.URL.Query())

	page, err := h.repo.FindMedia(r.Context(), user.ID, q)
	if err != nil {
		switch {
		case errors.Is(err, query.ErrTooComplex):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, query.ErrBadQuery):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "query failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetMedia returns one item plus the caller's watch status.
func (h *Handlers) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid media id")
		return
	}
	user := middleware.UserFrom(r.Context())

	item, err := h.db.GetMediaByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load media")
		return
	}

	result := query.MediaWithStatus{MediaItem: *item}
	if ws, err := h.db.GetWatchStatus(r.Context(), user.ID, id); err == nil {
		result.PositionSeconds = ws.PositionSeconds
		result.DurationSeconds = ws.DurationSeconds
		result.Watched = ws.Watched
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdateWatchStatus records playback position for the caller. Crossing 90%
// of the duration marks the item watched automatically.
func (h *Handlers) UpdateWatchStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid media id")
		return
	}
	user := middleware.UserFrom(r.Context())

	var req struct {
		PositionSeconds float64 `json:"positionSeconds"`
		DurationSeconds float64 `json:"durationSeconds"`
		Watched         bool    `json:"watched"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PositionSeconds < 0 || req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "position and duration must be non-negative")
		return
	}

	// The media row must exist; watch status has no meaning for ghosts.
	if _, err := h.db.GetMediaByID(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load media")
		return
	}

	ws := &database.WatchStatus{
		UserID:          user.ID,
		MediaID:         id,
		PositionSeconds: req.PositionSeconds,
		DurationSeconds: req.DurationSeconds,
		Watched:         req.Watched,
	}
	if err := h.db.UpsertWatchStatus(r.Context(), ws); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save watch status")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// ContinueWatching lists partially watched items, most recent first.
func (h *Handlers) ContinueWatching(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	statuses, err := h.db.ListContinueWatching(r.Context(), user.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load continue watching")
		return
	}

	// Join each status with its media row; rows that vanished since are
	// skipped rather than erroring the whole shelf.
	items := make([]query.MediaWithStatus, 0, len(statuses))
	for _, ws := range statuses {
		item, err := h.db.GetMediaByID(r.Context(), ws.MediaID)
		if err != nil {
			continue
		}
		items = append(items, query.MediaWithStatus{
			MediaItem:       *item,
			PositionSeconds: ws.PositionSeconds,
			DurationSeconds: ws.DurationSeconds,
			Watched:         ws.Watched,
		})
	}
	writeJSON(w, http.StatusOK, items)
}
