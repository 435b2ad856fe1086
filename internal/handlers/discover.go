package handlers

import (
	"context"
	"net/http"
	"strconv"

	"mediakeep/internal/provider/tmdb"
)

func (h *Handlers) discoverPage(w http.ResponseWriter, r *http.Request,
	fetch func(ctx context.Context, page int) (*tmdb.DiscoverPage, error)) {
	if h.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog provider is not configured")
		return
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	result, err := fetch(r.Context(), page)
	if err != nil {
		writeError(w, http.StatusBadGateway, "catalog provider request failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DiscoverMovies proxies one page of popular movies from the catalog provider.
func (h *Handlers) DiscoverMovies(w http.ResponseWriter, r *http.Request) {
	h.discoverPage(w, r, h.provider.DiscoverMovies)
}

// DiscoverTV proxies one page of popular shows from the catalog provider.
func (h *Handlers) DiscoverTV(w http.ResponseWriter, r *http.Request) {
	h.discoverPage(w, r, h.provider.DiscoverTV)
}
