// Package handlers wires the HTTP API: auth flows, library CRUD, the media
// catalog, playback, artwork, scans, and device sync.
package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediakeep/internal/artwork"
	"mediakeep/internal/auth"
	"mediakeep/internal/database"
	"mediakeep/internal/middleware"
	"mediakeep/internal/provider/tmdb"
	"mediakeep/internal/query"
	"mediakeep/internal/scan"
	"mediakeep/internal/ws"
)

// Handlers carries the services every endpoint draws on.
type Handlers struct {
	db       *database.Database
	auth     *auth.Service
	repo     *query.Repository
	orch     *scan.Orchestrator
	artwork  *artwork.Service
	provider *tmdb.Client
	hub      *ws.Hub
}

// Options bundles the services for New; provider, artwork, and hub may be
// nil when the matching feature is disabled.
type Options struct {
	DB       *database.Database
	Auth     *auth.Service
	Repo     *query.Repository
	Orch     *scan.Orchestrator
	Artwork  *artwork.Service
	Provider *tmdb.Client
	Hub      *ws.Hub
}

func New(opts Options) *Handlers {
	return &Handlers{
		db:       opts.DB,
		auth:     opts.Auth,
		repo:     opts.Repo,
		orch:     opts.Orch,
		artwork:  opts.Artwork,
		provider: opts.Provider,
		hub:      opts.Hub,
	}
}

// Router builds the full route table. Auth resolution wraps everything;
// the require-auth and require-admin guards sit on the subrouters that
// need them.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()

	// Probes and version, no auth
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	// Auth flows, no auth required (they are how you get it)
	authRouter := r.PathPrefix("/api/auth").Subrouter()
	authRouter.HandleFunc("/setup-state", h.SetupState).Methods("GET")
	authRouter.HandleFunc("/claim/start", h.StartClaim).Methods("POST")
	authRouter.HandleFunc("/claim/validate", h.ValidateClaim).Methods("POST")
	authRouter.HandleFunc("/claim/confirm", h.ConfirmClaim).Methods("POST")
	authRouter.HandleFunc("/login", h.Login).Methods("POST")
	authRouter.HandleFunc("/pin", h.RedeemPin).Methods("POST")
	authRouter.HandleFunc("/logout", h.Logout).Methods("POST")
	authRouter.HandleFunc("/check", h.CheckAuth).Methods("GET")

	// Authenticated API
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequireAuth)
	api.HandleFunc("/libraries", h.ListLibraries).Methods("GET")
	api.HandleFunc("/media", h.ListMedia).Methods("GET")
	api.HandleFunc("/media/continue", h.ContinueWatching).Methods("GET")
	api.HandleFunc("/media/{id:[0-9]+}", h.GetMedia).Methods("GET")
	api.HandleFunc("/media/{id:[0-9]+}/status", h.UpdateWatchStatus).Methods("POST", "PUT")
	api.HandleFunc("/artwork/{key}", h.GetArtwork).Methods("GET")
	api.HandleFunc("/stream/{id:[0-9]+}", h.StreamMedia).Methods("GET", "HEAD")
	api.HandleFunc("/scan/status", h.ScanStatus).Methods("GET")
	api.HandleFunc("/discover/movies", h.DiscoverMovies).Methods("GET")
	api.HandleFunc("/discover/tv", h.DiscoverTV).Methods("GET")
	api.HandleFunc("/devices", h.ListDevices).Methods("GET")
	api.HandleFunc("/devices/pin", h.CreatePin).Methods("POST")
	api.HandleFunc("/devices/{id:[0-9]+}", h.RevokeDevice).Methods("DELETE")
	api.HandleFunc("/sync", h.ListSyncSessions).Methods("GET")
	api.HandleFunc("/sync", h.ReportSync).Methods("POST")
	api.HandleFunc("/sync/{id}", h.DeleteSyncSession).Methods("DELETE")
	if h.hub != nil {
		api.Handle("/ws", h.hub).Methods("GET")
	}

	// Admin-only API
	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(middleware.RequireAdmin)
	admin.HandleFunc("/libraries", h.CreateLibrary).Methods("POST")
	admin.HandleFunc("/libraries/{id:[0-9]+}", h.UpdateLibrary).Methods("PUT")
	admin.HandleFunc("/libraries/{id:[0-9]+}", h.DeleteLibrary).Methods("DELETE")
	admin.HandleFunc("/scan", h.StartScan).Methods("POST")
	admin.HandleFunc("/users", h.ListUsers).Methods("GET")
	admin.HandleFunc("/users", h.CreateUser).Methods("POST")
	admin.HandleFunc("/users/{id:[0-9]+}/role", h.UpdateUserRole).Methods("PUT")
	admin.HandleFunc("/users/{id:[0-9]+}/password", h.UpdateUserPassword).Methods("PUT")
	admin.HandleFunc("/users/{id:[0-9]+}", h.DeleteUser).Methods("DELETE")

	return r
}

// MetricsHandler serves the Prometheus scrape endpoint, exposed on its own
// listener so the scrape port can stay private.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
